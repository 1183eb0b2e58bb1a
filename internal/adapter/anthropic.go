package adapter

import "github.com/relaykit/gateway/internal/registry"

const anthropicVersion = "2023-06-01"

type anthropicAdapter struct{}

func (a anthropicAdapter) Kind() registry.ProviderKind { return registry.KindAnthropicNative }

func (a anthropicAdapter) BuildURL(baseURL, suffix string) string {
	return joinURL(baseURL, suffix)
}

func (a anthropicAdapter) InjectAuth(headers map[string][]string, apiKey string) {
	headers["x-api-key"] = []string{apiKey}
	if _, ok := headers["Anthropic-Version"]; !ok {
		headers["Anthropic-Version"] = []string{anthropicVersion}
	}
}

func (a anthropicAdapter) IsStreaming(_ string, body []byte) bool {
	return streamFieldTrue(body)
}

func (a anthropicAdapter) ModelsPath() string { return "/v1/models" }
