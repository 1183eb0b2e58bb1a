package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaykit/gateway/internal/httpclient"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore is the dual SQLite/Postgres registry implementation.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStore opens (and migrates) a SQLite-backed registry.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "gateway-registry.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite registry: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens (and migrates) a Postgres-backed registry.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres registry: %w", err)
	}
	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s registry: %w", s.dialect, err)
	}

	timestampType := "DATETIME"
	if s.dialect == dialectPostgres {
		timestampType = "TIMESTAMPTZ"
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	provider_kind TEXT NOT NULL,
	base_url TEXT NOT NULL,
	models TEXT NOT NULL,
	aliases TEXT NOT NULL,
	enabled BOOLEAN NOT NULL,
	health_check_enabled BOOLEAN NOT NULL,
	timeout_seconds INTEGER NOT NULL,
	max_retries INTEGER NOT NULL,
	connect_timeout_seconds INTEGER NOT NULL,
	proxy_config TEXT NULL,
	extra_headers TEXT NOT NULL,
	policy TEXT NOT NULL,
	deleted BOOLEAN NOT NULL,
	created_at %[1]s NOT NULL,
	updated_at %[1]s NOT NULL
);
CREATE TABLE IF NOT EXISTS group_keys (
	group_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	raw_key TEXT NOT NULL,
	key_hash TEXT NOT NULL,
	PRIMARY KEY (group_id, position)
);
CREATE INDEX IF NOT EXISTS idx_group_keys_group ON group_keys(group_id);
CREATE TABLE IF NOT EXISTS proxy_keys (
	id TEXT PRIMARY KEY,
	secret_hash TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	enabled BOOLEAN NOT NULL,
	allowed_group_ids TEXT NOT NULL,
	created_at %[1]s NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proxy_keys_secret_hash ON proxy_keys(secret_hash);`, timestampType)

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s registry schema: %w", s.dialect, err)
	}
	return nil
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	argNum := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ListGroups returns every non-deleted group, its key list loaded atomically
// with its other fields.
func (s *SQLStore) ListGroups(ctx context.Context) ([]Group, error) {
	q := `SELECT id FROM groups WHERE deleted = ? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, s.bind(q), false)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// GetGroup loads a group and its key list as one consistent snapshot.
func (s *SQLStore) GetGroup(ctx context.Context, id string) (Group, error) {
	q := s.bind(`
SELECT id, name, provider_kind, base_url, models, aliases, enabled, health_check_enabled,
       timeout_seconds, max_retries, connect_timeout_seconds, proxy_config, extra_headers,
       policy, deleted, created_at, updated_at
FROM groups WHERE id = ? AND deleted = ?`)

	row := s.db.QueryRowContext(ctx, q, id, false)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("get group: %w", err)
	}

	keys, err := s.groupKeys(ctx, id)
	if err != nil {
		return Group{}, err
	}
	g.Keys = keys
	return g, nil
}

// GroupKeys returns a group's ordered raw key list.
func (s *SQLStore) GroupKeys(ctx context.Context, id string) ([]string, error) {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return nil, err
	}
	return s.groupKeys(ctx, id)
}

func (s *SQLStore) groupKeys(ctx context.Context, groupID string) ([]string, error) {
	q := s.bind(`SELECT raw_key FROM group_keys WHERE group_id = ? ORDER BY position ASC`)
	rows, err := s.db.QueryContext(ctx, q, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan group key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CreateGroup validates and inserts a new group along with its keys.
func (s *SQLStore) CreateGroup(ctx context.Context, g Group) (Group, error) {
	if err := ValidateAliases(g.Aliases, g.Models); err != nil {
		return Group{}, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if !g.ProviderKind.Valid() {
		return Group{}, fmt.Errorf("%w: invalid provider_kind %q", ErrConflict, g.ProviderKind)
	}
	for _, k := range g.Keys {
		if k == "" {
			return Group{}, fmt.Errorf("%w: empty entry in key list", ErrConflict)
		}
	}

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	g.Deleted = false
	if g.Policy == "" {
		g.Policy = PolicyRoundRobin
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Group{}, fmt.Errorf("begin create group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertGroupRow(ctx, tx, g); err != nil {
		return Group{}, err
	}
	if err := s.insertGroupKeys(ctx, tx, g.ID, g.Keys); err != nil {
		return Group{}, err
	}
	if err := tx.Commit(); err != nil {
		return Group{}, fmt.Errorf("commit create group: %w", err)
	}
	return g, nil
}

func (s *SQLStore) insertGroupRow(ctx context.Context, tx *sql.Tx, g Group) error {
	modelsJSON, err := json.Marshal(g.Models)
	if err != nil {
		return fmt.Errorf("encode models: %w", err)
	}
	aliasesJSON, err := json.Marshal(g.Aliases)
	if err != nil {
		return fmt.Errorf("encode aliases: %w", err)
	}
	headersJSON, err := json.Marshal(g.ExtraHeaders)
	if err != nil {
		return fmt.Errorf("encode extra_headers: %w", err)
	}
	var proxyJSON []byte
	if g.Proxy != nil {
		proxyJSON, err = json.Marshal(g.Proxy)
		if err != nil {
			return fmt.Errorf("encode proxy_config: %w", err)
		}
	}

	q := s.bind(`
INSERT INTO groups(id, name, provider_kind, base_url, models, aliases, enabled, health_check_enabled,
                    timeout_seconds, max_retries, connect_timeout_seconds, proxy_config, extra_headers,
                    policy, deleted, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = tx.ExecContext(ctx, q,
		g.ID, g.Name, string(g.ProviderKind), g.BaseURL, string(modelsJSON), string(aliasesJSON),
		g.Enabled, g.HealthCheckEnabled, g.TimeoutSeconds, g.MaxRetries, g.ConnectTimeoutSeconds,
		nullableString(proxyJSON), string(headersJSON), string(g.Policy), g.Deleted, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *SQLStore) insertGroupKeys(ctx context.Context, tx *sql.Tx, groupID string, keys []string) error {
	q := s.bind(`INSERT INTO group_keys(group_id, position, raw_key, key_hash) VALUES(?, ?, ?, ?)`)
	for i, k := range keys {
		if _, err := tx.ExecContext(ctx, q, groupID, i, k, HashKey(k)); err != nil {
			return fmt.Errorf("insert group key: %w", err)
		}
	}
	return nil
}

// UpdateGroup replaces a group's mutable fields. The key list is untouched;
// use AddKeys/RemoveKey for that.
func (s *SQLStore) UpdateGroup(ctx context.Context, g Group) (Group, error) {
	existing, err := s.GetGroup(ctx, g.ID)
	if err != nil {
		return Group{}, err
	}
	if err := ValidateAliases(g.Aliases, g.Models); err != nil {
		return Group{}, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if !g.ProviderKind.Valid() {
		return Group{}, fmt.Errorf("%w: invalid provider_kind %q", ErrConflict, g.ProviderKind)
	}

	g.Keys = existing.Keys
	g.CreatedAt = existing.CreatedAt
	g.UpdatedAt = time.Now().UTC()

	modelsJSON, _ := json.Marshal(g.Models)
	aliasesJSON, _ := json.Marshal(g.Aliases)
	headersJSON, _ := json.Marshal(g.ExtraHeaders)
	var proxyJSON []byte
	if g.Proxy != nil {
		proxyJSON, _ = json.Marshal(g.Proxy)
	}

	q := s.bind(`
UPDATE groups SET name = ?, provider_kind = ?, base_url = ?, models = ?, aliases = ?, enabled = ?,
                   health_check_enabled = ?, timeout_seconds = ?, max_retries = ?,
                   connect_timeout_seconds = ?, proxy_config = ?, extra_headers = ?, policy = ?,
                   updated_at = ?
WHERE id = ? AND deleted = ?`)

	res, err := s.db.ExecContext(ctx, q,
		g.Name, string(g.ProviderKind), g.BaseURL, string(modelsJSON), string(aliasesJSON), g.Enabled,
		g.HealthCheckEnabled, g.TimeoutSeconds, g.MaxRetries, g.ConnectTimeoutSeconds,
		nullableString(proxyJSON), string(headersJSON), string(g.Policy), g.UpdatedAt, g.ID, false)
	if err != nil {
		return Group{}, fmt.Errorf("update group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Group{}, ErrNotFound
	}
	return g, nil
}

// DeleteGroup soft-deletes a group. Deleting an already-deleted (or absent)
// group returns ErrNotFound.
func (s *SQLStore) DeleteGroup(ctx context.Context, id string) error {
	q := s.bind(`UPDATE groups SET deleted = ?, updated_at = ? WHERE id = ? AND deleted = ?`)
	res, err := s.db.ExecContext(ctx, q, true, time.Now().UTC(), id, false)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddKeys idempotently appends keys to a group: keys already present (by
// hash) are skipped and counted, never errored.
func (s *SQLStore) AddKeys(ctx context.Context, groupID string, keys []string) (AddKeysResult, error) {
	existing, err := s.groupKeys(ctx, groupID)
	if err != nil {
		return AddKeysResult{}, err
	}
	present := make(map[string]bool, len(existing))
	for _, k := range existing {
		present[HashKey(k)] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AddKeysResult{}, fmt.Errorf("begin add keys: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.bind(`INSERT INTO group_keys(group_id, position, raw_key, key_hash) VALUES(?, ?, ?, ?)`)
	// Append after the highest position in use: removals can leave gaps, so
	// len(existing) may collide with a surviving row's position.
	var pos int
	posQ := s.bind(`SELECT COALESCE(MAX(position) + 1, 0) FROM group_keys WHERE group_id = ?`)
	if err := tx.QueryRowContext(ctx, posQ, groupID).Scan(&pos); err != nil {
		return AddKeysResult{}, fmt.Errorf("next key position: %w", err)
	}
	var result AddKeysResult
	for _, raw := range keys {
		h := HashKey(raw)
		if present[h] {
			result.Skipped++
			continue
		}
		if _, err := tx.ExecContext(ctx, q, groupID, pos, raw, h); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		present[h] = true
		pos++
		result.Added++
	}

	if err := tx.Commit(); err != nil {
		return AddKeysResult{}, fmt.Errorf("commit add keys: %w", err)
	}
	return result, nil
}

// RemoveKey deletes a single raw key from a group.
func (s *SQLStore) RemoveKey(ctx context.Context, groupID, rawKey string) error {
	q := s.bind(`DELETE FROM group_keys WHERE group_id = ? AND key_hash = ?`)
	res, err := s.db.ExecContext(ctx, q, groupID, HashKey(rawKey))
	if err != nil {
		return fmt.Errorf("remove key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveKeysByHash deletes every key matching one of hashes within groupID.
func (s *SQLStore) RemoveKeysByHash(ctx context.Context, groupID string, hashes []string) (int, error) {
	removed := 0
	q := s.bind(`DELETE FROM group_keys WHERE group_id = ? AND key_hash = ?`)
	for _, h := range hashes {
		res, err := s.db.ExecContext(ctx, q, groupID, h)
		if err != nil {
			return removed, fmt.Errorf("remove key by hash: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

// CreateProxyKey mints a new opaque bearer secret; only its hash is stored.
func (s *SQLStore) CreateProxyKey(ctx context.Context, name string, allowedGroupIDs []string) (ProxyKey, string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return ProxyKey{}, "", fmt.Errorf("generate proxy key secret: %w", err)
	}
	secret := "rk-" + hex.EncodeToString(secretBytes)

	pk := ProxyKey{
		ID:              uuid.NewString(),
		SecretHash:      HashKey(secret),
		Name:            name,
		Enabled:         true,
		CreatedAt:       time.Now().UTC(),
		AllowedGroupIDs: allowedGroupIDs,
	}

	allowedJSON, err := json.Marshal(pk.AllowedGroupIDs)
	if err != nil {
		return ProxyKey{}, "", fmt.Errorf("encode allowed_group_ids: %w", err)
	}

	q := s.bind(`INSERT INTO proxy_keys(id, secret_hash, name, enabled, allowed_group_ids, created_at) VALUES(?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, pk.ID, pk.SecretHash, pk.Name, pk.Enabled, string(allowedJSON), pk.CreatedAt); err != nil {
		return ProxyKey{}, "", fmt.Errorf("create proxy key: %w", err)
	}
	return pk, secret, nil
}

// ProxyKeyBySecret looks up a proxy key by its raw secret, comparing hashes
// in constant time.
func (s *SQLStore) ProxyKeyBySecret(ctx context.Context, secret string) (ProxyKey, bool, error) {
	q := `SELECT id, secret_hash, name, enabled, allowed_group_ids, created_at FROM proxy_keys`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return ProxyKey{}, false, fmt.Errorf("list proxy keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		pk, err := scanProxyKey(rows)
		if err != nil {
			return ProxyKey{}, false, fmt.Errorf("scan proxy key: %w", err)
		}
		if SecretMatches(secret, pk.SecretHash) {
			return pk, true, rows.Err()
		}
	}
	return ProxyKey{}, false, rows.Err()
}

// ListProxyKeys returns all proxy keys (never including secrets).
func (s *SQLStore) ListProxyKeys(ctx context.Context) ([]ProxyKey, error) {
	q := `SELECT id, secret_hash, name, enabled, allowed_group_ids, created_at FROM proxy_keys ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list proxy keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]ProxyKey, 0)
	for rows.Next() {
		pk, err := scanProxyKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy key: %w", err)
		}
		keys = append(keys, pk)
	}
	return keys, rows.Err()
}

// SetProxyKeyEnabled toggles a proxy key's enabled flag.
func (s *SQLStore) SetProxyKeyEnabled(ctx context.Context, id string, enabled bool) error {
	q := s.bind(`UPDATE proxy_keys SET enabled = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, enabled, id)
	if err != nil {
		return fmt.Errorf("set proxy key enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// exportedGroup is the portable JSON shape produced by Export and consumed
// by Import. IDs and timestamps are intentionally omitted: Import always
// mints fresh ones, so round-tripping never collides with the source groups.
type exportedGroup struct {
	Name                  string            `json:"name"`
	ProviderKind          string            `json:"provider_kind"`
	BaseURL               string            `json:"base_url"`
	Keys                  []string          `json:"keys"`
	Models                []string          `json:"models"`
	Aliases               map[string]string `json:"aliases"`
	Enabled               bool              `json:"enabled"`
	HealthCheckEnabled    bool              `json:"health_check_enabled"`
	TimeoutSeconds        int               `json:"timeout_seconds"`
	MaxRetries            int               `json:"max_retries"`
	ConnectTimeoutSeconds int               `json:"connect_timeout_seconds"`
	Proxy                 *httpclient.ProxyConfig `json:"proxy,omitempty"`
	ExtraHeaders          map[string]string `json:"extra_headers"`
	Policy                string            `json:"policy"`
}

// Export serializes the given groups (all groups if groupIDs is empty).
func (s *SQLStore) Export(ctx context.Context, groupIDs []string) ([]byte, error) {
	var groups []Group
	if len(groupIDs) == 0 {
		all, err := s.ListGroups(ctx)
		if err != nil {
			return nil, err
		}
		groups = all
	} else {
		for _, id := range groupIDs {
			g, err := s.GetGroup(ctx, id)
			if err != nil {
				return nil, err
			}
			groups = append(groups, g)
		}
	}

	out := make([]exportedGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, exportedGroup{
			Name: g.Name, ProviderKind: string(g.ProviderKind), BaseURL: g.BaseURL,
			Keys: g.Keys, Models: g.Models, Aliases: g.Aliases, Enabled: g.Enabled,
			HealthCheckEnabled: g.HealthCheckEnabled, TimeoutSeconds: g.TimeoutSeconds,
			MaxRetries: g.MaxRetries, ConnectTimeoutSeconds: g.ConnectTimeoutSeconds,
			Proxy: g.Proxy, ExtraHeaders: g.ExtraHeaders, Policy: string(g.Policy),
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

// Import creates new groups from a blob produced by Export.
func (s *SQLStore) Import(ctx context.Context, blob []byte) (ImportResult, error) {
	var in []exportedGroup
	if err := json.Unmarshal(blob, &in); err != nil {
		return ImportResult{}, fmt.Errorf("decode import blob: %w", err)
	}

	var result ImportResult
	for _, eg := range in {
		g := Group{
			Name: eg.Name, ProviderKind: ProviderKind(eg.ProviderKind), BaseURL: eg.BaseURL,
			Keys: eg.Keys, Models: eg.Models, Aliases: eg.Aliases, Enabled: eg.Enabled,
			HealthCheckEnabled: eg.HealthCheckEnabled, TimeoutSeconds: eg.TimeoutSeconds,
			MaxRetries: eg.MaxRetries, ConnectTimeoutSeconds: eg.ConnectTimeoutSeconds,
			Proxy: eg.Proxy, ExtraHeaders: eg.ExtraHeaders, Policy: SelectionPolicy(eg.Policy),
		}
		if _, err := s.CreateGroup(ctx, g); err != nil {
			return result, fmt.Errorf("import group %q: %w", eg.Name, err)
		}
		result.GroupsImported++
		result.KeysImported += len(eg.Keys)
	}
	return result, nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row rowScanner) (Group, error) {
	var (
		g             Group
		providerKind  string
		modelsRaw     string
		aliasesRaw    string
		proxyRaw      sql.NullString
		headersRaw    string
		policy        string
	)

	err := row.Scan(&g.ID, &g.Name, &providerKind, &g.BaseURL, &modelsRaw, &aliasesRaw,
		&g.Enabled, &g.HealthCheckEnabled, &g.TimeoutSeconds, &g.MaxRetries, &g.ConnectTimeoutSeconds,
		&proxyRaw, &headersRaw, &policy, &g.Deleted, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return Group{}, err
	}

	g.ProviderKind = ProviderKind(providerKind)
	g.Policy = SelectionPolicy(policy)

	if err := json.Unmarshal([]byte(modelsRaw), &g.Models); err != nil {
		return Group{}, fmt.Errorf("decode models: %w", err)
	}
	if err := json.Unmarshal([]byte(aliasesRaw), &g.Aliases); err != nil {
		return Group{}, fmt.Errorf("decode aliases: %w", err)
	}
	if err := json.Unmarshal([]byte(headersRaw), &g.ExtraHeaders); err != nil {
		return Group{}, fmt.Errorf("decode extra_headers: %w", err)
	}
	if proxyRaw.Valid {
		var p httpclient.ProxyConfig
		if err := json.Unmarshal([]byte(proxyRaw.String), &p); err != nil {
			return Group{}, fmt.Errorf("decode proxy_config: %w", err)
		}
		g.Proxy = &p
	}
	return g, nil
}

func scanProxyKey(row rowScanner) (ProxyKey, error) {
	var pk ProxyKey
	var allowedRaw string
	if err := row.Scan(&pk.ID, &pk.SecretHash, &pk.Name, &pk.Enabled, &allowedRaw, &pk.CreatedAt); err != nil {
		return ProxyKey{}, err
	}
	if err := json.Unmarshal([]byte(allowedRaw), &pk.AllowedGroupIDs); err != nil {
		return ProxyKey{}, fmt.Errorf("decode allowed_group_ids: %w", err)
	}
	return pk, nil
}
