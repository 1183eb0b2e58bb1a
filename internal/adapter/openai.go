package adapter

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/relaykit/gateway/internal/registry"
)

// openAICompatAdapter serves both openai-compatible-chat and
// openai-compatible-responses, which share URL shape, auth, and streaming
// detection and differ only in which path suffix the dispatcher forwards to.
type openAICompatAdapter struct {
	kind registry.ProviderKind
}

func (a openAICompatAdapter) Kind() registry.ProviderKind { return a.kind }

func (a openAICompatAdapter) BuildURL(baseURL, suffix string) string {
	return joinURL(baseURL, suffix)
}

func (a openAICompatAdapter) InjectAuth(headers map[string][]string, apiKey string) {
	headers["Authorization"] = []string{"Bearer " + apiKey}
}

func (a openAICompatAdapter) IsStreaming(_ string, body []byte) bool {
	return streamFieldTrue(body)
}

func (a openAICompatAdapter) ModelsPath() string { return "/models" }

// ListModels queries an openai-compatible base URL's model catalog. This is
// the one adapter operation that uses the typed openai-go client rather
// than a raw transparent request, since it has no forwarded body to stay
// transparent about and the SDK already speaks this exact dialect.
func ListModels(ctx context.Context, baseURL, apiKey string) ([]string, error) {
	client := openai.NewClient(
		option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"),
		option.WithAPIKey(apiKey),
	)

	var ids []string
	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	for page != nil {
		for _, m := range page.Data {
			ids = append(ids, m.ID)
		}
		next, err := page.GetNextPage()
		if err != nil {
			return nil, err
		}
		page = next
	}
	return ids, nil
}
