package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get/Update/Delete operations when the target
// group or proxy key does not exist (or is soft-deleted).
var ErrNotFound = errors.New("registry: not found")

// ErrConflict is returned on a registry write that violates a uniqueness or
// structural invariant.
var ErrConflict = errors.New("registry: conflict")

// Store is the key registry contract.
type Store interface {
	// ListGroups returns every non-soft-deleted group. Disabled groups are
	// included (visible but unselectable); soft-deleted groups never are.
	ListGroups(ctx context.Context) ([]Group, error)

	// GetGroup returns a single, internally consistent snapshot of a group:
	// its keys and model list are read atomically.
	GetGroup(ctx context.Context, id string) (Group, error)

	// GroupKeys returns the group's current ordered key list (read
	// atomically with the rest of the group by GetGroup; exposed separately
	// for callers that only need the keys).
	GroupKeys(ctx context.Context, id string) ([]string, error)

	// CreateGroup inserts a new group, validating the alias map against the
	// model list, the provider kind, and that the key list has no empty entry.
	CreateGroup(ctx context.Context, g Group) (Group, error)

	// UpdateGroup replaces a group's mutable fields (not its key list; use
	// AddKeys/RemoveKey for that) and re-validates its invariants.
	UpdateGroup(ctx context.Context, g Group) (Group, error)

	// DeleteGroup soft-deletes a group: only the group row is flagged
	// deleted; its key rows are left in place and no other rows are removed.
	// Deleting an already-deleted group returns ErrNotFound.
	DeleteGroup(ctx context.Context, id string) error

	// AddKeys idempotently adds keys to a group: a key already present in
	// the group is skipped, not an error.
	AddKeys(ctx context.Context, groupID string, keys []string) (AddKeysResult, error)

	// RemoveKey removes a single raw key from a group.
	RemoveKey(ctx context.Context, groupID, rawKey string) error

	// RemoveKeysByHash removes every key in groupID whose hash is in
	// hashes. Used by the "clear invalid" operator action, which is driven
	// by health data the registry does not itself own.
	RemoveKeysByHash(ctx context.Context, groupID string, hashes []string) (int, error)

	// CreateProxyKey inserts a new proxy key and returns it with the raw
	// secret populated via the returned string (not persisted in plaintext).
	CreateProxyKey(ctx context.Context, name string, allowedGroupIDs []string) (ProxyKey, string, error)

	// ProxyKeyBySecret looks up a proxy key by presenting its raw secret.
	// Implementations must perform the comparison in constant time.
	ProxyKeyBySecret(ctx context.Context, secret string) (ProxyKey, bool, error)

	// ListProxyKeys returns all proxy keys (secrets never included).
	ListProxyKeys(ctx context.Context) ([]ProxyKey, error)

	// SetProxyKeyEnabled toggles a proxy key's enabled flag.
	SetProxyKeyEnabled(ctx context.Context, id string, enabled bool) error

	// Export serializes the given groups (or all groups if groupIDs is
	// empty) to a portable JSON blob, suitable for Import to round-trip.
	Export(ctx context.Context, groupIDs []string) ([]byte, error)

	// Import creates groups from a blob produced by Export.
	Import(ctx context.Context, blob []byte) (ImportResult, error)

	// Close releases underlying resources (e.g. the SQL connection pool).
	Close() error
}
