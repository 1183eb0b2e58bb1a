// Package adapter knows, per provider dialect, how to build an upstream
// URL, inject credentials, and detect whether a request is a streaming
// one. It deliberately does not parse or transform request or response
// bodies on the forwarding path: the dispatcher pipes bytes through
// untouched. ListModels is the one place a typed client is worth its
// keep, since it has no body to stay transparent about.
package adapter

import (
	"fmt"
	"strings"

	"github.com/relaykit/gateway/internal/registry"
)

// Adapter describes the upstream wiring for one provider dialect.
type Adapter interface {
	// Kind is the provider_kind this adapter serves.
	Kind() registry.ProviderKind

	// BuildURL returns the full upstream URL for the given base URL and
	// request path suffix (e.g. "/chat/completions", "/messages").
	BuildURL(baseURL, suffix string) string

	// InjectAuth sets the credential header(s) on an outbound request,
	// given the raw upstream API key.
	InjectAuth(headers map[string][]string, apiKey string)

	// IsStreaming reports whether a request body indicates a streaming
	// call, from a shallow, schema-agnostic scan of the JSON ("stream":
	// true) or, for Gemini, from the URL path suffix.
	IsStreaming(path string, body []byte) bool

	// ModelsPath returns the path suffix this dialect's model-catalog
	// endpoint lives at, relative to a group's base URL, used by both the
	// admin UI and the health prober's per-key discovery probe. Each
	// dialect names this differently, so a single hardcoded "/models"
	// suffix is wrong for two of the three.
	ModelsPath() string
}

// ForKind returns the adapter for a provider kind, or an error if unknown.
func ForKind(kind registry.ProviderKind) (Adapter, error) {
	switch kind {
	case registry.KindOpenAICompatChat, registry.KindOpenAICompatResponses:
		return openAICompatAdapter{kind: kind}, nil
	case registry.KindAnthropicNative:
		return anthropicAdapter{}, nil
	case registry.KindGeminiNative:
		return geminiAdapter{}, nil
	default:
		return nil, fmt.Errorf("adapter: unknown provider kind %q", kind)
	}
}

// joinURL concatenates a base URL and a path suffix without doubling or
// dropping the separating slash.
func joinURL(base, suffix string) string {
	base = strings.TrimRight(base, "/")
	if suffix == "" {
		return base
	}
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}

// streamFieldTrue does a shallow, allocation-light scan for `"stream":true`
// (or `"stream": true`) in a JSON body without fully decoding it.
func streamFieldTrue(body []byte) bool {
	idx := strings.Index(string(body), `"stream"`)
	if idx < 0 {
		return false
	}
	rest := strings.TrimLeft(string(body[idx+len(`"stream"`):]), " \t\n\r")
	rest = strings.TrimPrefix(rest, ":")
	rest = strings.TrimLeft(rest, " \t\n\r")
	return strings.HasPrefix(rest, "true")
}
