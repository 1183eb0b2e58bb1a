// Package registry is the canonical store of provider groups, their API
// keys, and proxy keys. Every read of a group sees a consistent snapshot:
// keys and model list are loaded atomically per group.
package registry

import (
	"time"

	"github.com/relaykit/gateway/internal/httpclient"
)

// ProviderKind identifies the upstream dialect a group speaks.
type ProviderKind string

const (
	KindOpenAICompatChat      ProviderKind = "openai-compatible-chat"
	KindOpenAICompatResponses ProviderKind = "openai-compatible-responses"
	KindAnthropicNative       ProviderKind = "anthropic-native"
	KindGeminiNative          ProviderKind = "gemini-native"
)

// Valid reports whether k is one of the four supported provider kinds.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindOpenAICompatChat, KindOpenAICompatResponses, KindAnthropicNative, KindGeminiNative:
		return true
	default:
		return false
	}
}

// SelectionPolicy is the key/group ordering policy used by the selector.
type SelectionPolicy string

const (
	PolicyRoundRobin SelectionPolicy = "round_robin"
	PolicyRandom     SelectionPolicy = "random"
	PolicyLeastLoad  SelectionPolicy = "least_load"
)

// Group is a provider configuration unit.
type Group struct {
	ID                    string
	Name                  string
	ProviderKind          ProviderKind
	BaseURL               string
	Keys                  []string // ordered sequence of raw key strings
	Models                []string
	Aliases               map[string]string // alias -> canonical model id
	Enabled               bool
	HealthCheckEnabled    bool
	TimeoutSeconds        int
	MaxRetries            int
	ConnectTimeoutSeconds int
	Proxy                 *httpclient.ProxyConfig
	ExtraHeaders          map[string]string
	Policy                SelectionPolicy
	Deleted               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Usable reports the group-level usability invariant: a group is usable
// iff enabled, not soft-deleted, and has at least one key.
func (g Group) Usable() bool {
	return g.Enabled && !g.Deleted && len(g.Keys) > 0
}

// HasModel reports whether m is in the group's configured model set.
func (g Group) HasModel(m string) bool {
	for _, id := range g.Models {
		if id == m {
			return true
		}
	}
	return false
}

// Timeout returns the group's overall request timeout, defaulting to 30s.
func (g Group) Timeout() time.Duration {
	if g.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// ConnectTimeout returns the group's connect timeout, defaulting to 10s.
func (g Group) ConnectTimeout() time.Duration {
	if g.ConnectTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.ConnectTimeoutSeconds) * time.Second
}

// ProxyKey is the opaque bearer a client presents. Only SecretHash is
// persisted; the raw Secret is returned to the caller once, at creation
// time, and never stored.
type ProxyKey struct {
	ID              string
	SecretHash      string
	Name            string
	Enabled         bool
	CreatedAt       time.Time
	AllowedGroupIDs []string // empty means "all groups"
}

// AllowsGroup reports whether this proxy key may route to groupID.
func (pk ProxyKey) AllowsGroup(groupID string) bool {
	if len(pk.AllowedGroupIDs) == 0 {
		return true
	}
	for _, id := range pk.AllowedGroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// AddKeysResult is the outcome of a batch key-add operation: duplicate
// keys within the group are skipped, not errors.
type AddKeysResult struct {
	Added   int
	Skipped int
	Errors  []string
}

// ImportResult is the outcome of Import.
type ImportResult struct {
	GroupsImported int
	KeysImported   int
}
