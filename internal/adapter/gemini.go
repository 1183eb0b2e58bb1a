package adapter

import "github.com/relaykit/gateway/internal/registry"

type geminiAdapter struct{}

func (a geminiAdapter) Kind() registry.ProviderKind { return registry.KindGeminiNative }

func (a geminiAdapter) BuildURL(baseURL, suffix string) string {
	return joinURL(baseURL, suffix)
}

// InjectAuth uses the x-goog-api-key header rather than a query parameter,
// so the key never lands in access logs or URLs forwarded to middleware.
func (a geminiAdapter) InjectAuth(headers map[string][]string, apiKey string) {
	headers["x-goog-api-key"] = []string{apiKey}
}

// IsStreaming is true whenever the path targets :streamGenerateContent,
// regardless of body content. Gemini signals streaming in the URL, not the
// JSON payload.
func (a geminiAdapter) IsStreaming(path string, _ []byte) bool {
	return hasStreamSuffix(path)
}

func (a geminiAdapter) ModelsPath() string { return "/v1beta/models" }

func hasStreamSuffix(path string) bool {
	const suffix = ":streamGenerateContent"
	if len(path) < len(suffix) {
		return false
	}
	return path[len(path)-len(suffix):] == suffix
}

// StripModelsPrefix removes Gemini's "models/" listing prefix so catalog
// entries compare equal to the bare model ids used elsewhere.
func StripModelsPrefix(name string) string {
	const prefix = "models/"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):]
	}
	return name
}
