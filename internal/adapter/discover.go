package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relaykit/gateway/internal/registry"
)

// ErrUpstreamUnavailable wraps a failed discovery call so callers can
// distinguish "upstream didn't answer" from a decode bug. Discovery
// surfaces a well-typed error rather than falling back to a cached/stub
// list for a real caller.
type ErrUpstreamUnavailable struct {
	GroupKind registry.ProviderKind
	Status    int
	Err       error
}

func (e *ErrUpstreamUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("adapter: upstream unavailable for %s: %v", e.GroupKind, e.Err)
	}
	return fmt.Sprintf("adapter: upstream unavailable for %s: status %d", e.GroupKind, e.Status)
}

func (e *ErrUpstreamUnavailable) Unwrap() error { return e.Err }

// Discover lists the models a given (base URL, key) pair can currently
// serve. It is the one path, besides ListModels's narrow OpenAI SDK usage,
// that is allowed to parse a response body: discovery has no forwarded
// call to stay transparent about.
func Discover(ctx context.Context, client *http.Client, a Adapter, baseURL, apiKey string) ([]string, error) {
	switch a.Kind() {
	case registry.KindOpenAICompatChat, registry.KindOpenAICompatResponses:
		ids, err := ListModels(ctx, baseURL, apiKey)
		if err != nil {
			return nil, &ErrUpstreamUnavailable{GroupKind: a.Kind(), Err: err}
		}
		return ids, nil
	default:
		return rawDiscover(ctx, client, a, baseURL, apiKey)
	}
}

func rawDiscover(ctx context.Context, client *http.Client, a Adapter, baseURL, apiKey string) ([]string, error) {
	url := a.BuildURL(baseURL, a.ModelsPath())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ErrUpstreamUnavailable{GroupKind: a.Kind(), Err: err}
	}
	headers := map[string][]string{}
	a.InjectAuth(headers, apiKey)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ErrUpstreamUnavailable{GroupKind: a.Kind(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ErrUpstreamUnavailable{GroupKind: a.Kind(), Status: resp.StatusCode}
	}

	switch a.Kind() {
	case registry.KindAnthropicNative:
		var body struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, &ErrUpstreamUnavailable{GroupKind: a.Kind(), Err: err}
		}
		ids := make([]string, 0, len(body.Data))
		for _, m := range body.Data {
			ids = append(ids, m.ID)
		}
		return ids, nil
	case registry.KindGeminiNative:
		var body struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, &ErrUpstreamUnavailable{GroupKind: a.Kind(), Err: err}
		}
		ids := make([]string, 0, len(body.Models))
		for _, m := range body.Models {
			ids = append(ids, StripModelsPrefix(m.Name))
		}
		return ids, nil
	default:
		return nil, &ErrUpstreamUnavailable{GroupKind: a.Kind(), Err: fmt.Errorf("no discovery decoder for %s", a.Kind())}
	}
}
