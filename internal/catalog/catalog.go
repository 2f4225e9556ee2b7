// Package catalog implements the vault's catalog (SPEC_FULL.md §4.A): the
// system of record for collections and objects, backed by database/sql.
// The DSN prefix selects the driver: "sqlite://" opens mattn/go-sqlite3,
// anything else (postgres://, postgresql://) opens lib/pq.
package catalog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	vaulterrors "github.com/datashield/vault/pkg/errors"
	"github.com/datashield/vault/internal/health"
)

// ObjectStatus is one of the three lifecycle states of an object row.
type ObjectStatus string

const (
	StatusReady    ObjectStatus = "READY"
	StatusUpdating ObjectStatus = "UPDATING"
	StatusDeleted  ObjectStatus = "DELETED"
)

// Collection is a tenant's identity: one directory, one API secret.
type Collection struct {
	Name        string
	APIKeyHash  string
	CreatedAt   time.Time
	IsActive    bool
}

// Object is a single ingested file's catalog row.
type Object struct {
	ID         int64
	Collection string
	Name       string
	ObjectKey  string
	HashSHA256 string
	SizeBytes  int64
	Status     ObjectStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// dialect abstracts the two placeholder styles (sqlite's "?" vs postgres's
// "$1, $2, ..."); everything else about the schema is shared.
type dialect struct {
	name          string
	driver        string
	autoIncrement string
}

var sqliteDialect = dialect{name: "sqlite", driver: "sqlite3", autoIncrement: "INTEGER PRIMARY KEY AUTOINCREMENT"}
var postgresDialect = dialect{name: "postgres", driver: "postgres", autoIncrement: "BIGSERIAL PRIMARY KEY"}

func (d dialect) ph(n int) string {
	if d.name == "sqlite" {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// Catalog is the per-process handle to the catalog database. It wraps a
// single *sql.DB, which already pools connections; no connection is ever
// held across unrelated calls.
type Catalog struct {
	db      *sql.DB
	dialect dialect
}

// Open parses dsn, selects a driver, opens the pool, and ensures the schema
// exists.
func Open(ctx context.Context, dsn string, poolSize int) (*Catalog, error) {
	d, driverDSN := resolveDialect(dsn)

	db, err := sql.Open(d.driver, driverDSN)
	if err != nil {
		return nil, vaulterrors.CatalogFailure("open", err)
	}
	if poolSize <= 0 {
		poolSize = 8
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, vaulterrors.CatalogFailure("ping", err)
	}

	c := &Catalog{db: db, dialect: d}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, vaulterrors.CatalogFailure("migrate", err)
	}
	return c, nil
}

func resolveDialect(dsn string) (dialect, string) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqliteDialect, strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgresDialect, dsn
	default:
		return sqliteDialect, dsn
	}
}

// Close releases the connection pool.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping performs the trivial read the health auditor uses to probe the
// catalog: it satisfies health.CatalogProbe.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// PoolStats satisfies health.CatalogProbe.
func (c *Catalog) PoolStats() health.PoolStats {
	s := c.db.Stats()
	return health.PoolStats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
	}
}

// ResetPool disposes and recreates the connection pool without restarting
// the process, for POST /admin/reset-pool.
func (c *Catalog) ResetPool() {
	c.db.SetMaxIdleConns(0)
	c.db.SetMaxIdleConns(8)
}

func (c *Catalog) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			api_key_hash TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS objects (
			id %s,
			collection TEXT NOT NULL,
			name TEXT NOT NULL,
			object_key TEXT NOT NULL UNIQUE,
			hash_sha256 TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, c.dialect.autoIncrement),
		`CREATE INDEX IF NOT EXISTS idx_objects_collection_name_status ON objects (collection, name, status)`,
		`CREATE INDEX IF NOT EXISTS idx_objects_collection_status ON objects (collection, status)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// GetCollection looks up a collection by name.
func (c *Catalog) GetCollection(ctx context.Context, name string) (*Collection, error) {
	row := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT name, api_key_hash, created_at, is_active FROM collections WHERE name = %s`, c.dialect.ph(1)),
		name)
	return scanCollection(row)
}

func scanCollection(row *sql.Row) (*Collection, error) {
	var col Collection
	if err := row.Scan(&col.Name, &col.APIKeyHash, &col.CreatedAt, &col.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, vaulterrors.NotFound("collection", "")
		}
		return nil, vaulterrors.CatalogFailure("get_collection", err)
	}
	return &col, nil
}

// ListCollections returns collection names, optionally filtered to active
// ones. Satisfies health.CatalogSweepSource.
func (c *Catalog) ListCollections(ctx context.Context, activeOnly bool) ([]string, error) {
	query := `SELECT name FROM collections`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY name`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, vaulterrors.CatalogFailure("list_collections", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, vaulterrors.CatalogFailure("list_collections", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// UpsertCollection creates or updates a collection. When presetSecret is
// non-nil the row is created (or its secret left untouched if the row
// already exists) with that secret's hash. When nil, a new secret is
// generated only if the row does not already exist. The second return
// value is the generated secret, or nil when no new secret was minted.
func (c *Catalog) UpsertCollection(ctx context.Context, name string, presetSecret *string) (*Collection, *string, error) {
	existing, err := c.GetCollection(ctx, name)
	if err != nil && vaulterrors.KindOf(err) != vaulterrors.KindNotFound {
		return nil, nil, err
	}

	if existing != nil {
		// Row already exists: leave its secret untouched regardless of
		// whether a preset was supplied.
		return existing, nil, nil
	}

	var secret string
	var generated *string
	if presetSecret != nil {
		secret = *presetSecret
	} else {
		secret, err = generateSecret()
		if err != nil {
			return nil, nil, vaulterrors.Internal("catalog", "upsert_collection", err)
		}
		generated = &secret
	}

	hash := hashSecret(secret)
	now := time.Now().UTC()

	_, err = c.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO collections (name, api_key_hash, created_at, is_active) VALUES (%s, %s, %s, %s)`,
			c.dialect.ph(1), c.dialect.ph(2), c.dialect.ph(3), c.dialect.ph(4)),
		name, hash, now, true)
	if err != nil {
		return nil, nil, vaulterrors.CatalogFailure("upsert_collection", err)
	}

	return &Collection{Name: name, APIKeyHash: hash, CreatedAt: now, IsActive: true}, generated, nil
}

// VerifyKey reports whether secret is the collection's current key,
// comparing hex digests in constant time.
func (c *Catalog) VerifyKey(ctx context.Context, name, secret string) (bool, error) {
	col, err := c.GetCollection(ctx, name)
	if err != nil {
		if vaulterrors.KindOf(err) == vaulterrors.KindNotFound {
			return false, nil
		}
		return false, err
	}
	if !col.IsActive {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(col.APIKeyHash)) == 1, nil
}

// RotateKey replaces a collection's secret and returns the new plaintext.
func (c *Catalog) RotateKey(ctx context.Context, name string) (string, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", vaulterrors.Internal("catalog", "rotate_key", err)
	}
	hash := hashSecret(secret)

	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE collections SET api_key_hash = %s WHERE name = %s`, c.dialect.ph(1), c.dialect.ph(2)),
		hash, name)
	if err != nil {
		return "", vaulterrors.CatalogFailure("rotate_key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", vaulterrors.NotFound("collection", name)
	}
	return secret, nil
}

// SetSecret overwrites a collection's stored secret hash with secret's,
// for a .vault_key file modification observed by the watcher. Returns false
// if the collection does not exist.
func (c *Catalog) SetSecret(ctx context.Context, name, secret string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE collections SET api_key_hash = %s WHERE name = %s`, c.dialect.ph(1), c.dialect.ph(2)),
		hashSecret(secret), name)
	if err != nil {
		return false, vaulterrors.CatalogFailure("set_secret", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeactivateCollection marks a collection inactive; returns false if it did
// not exist.
func (c *Catalog) DeactivateCollection(ctx context.Context, name string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE collections SET is_active = FALSE WHERE name = %s`, c.dialect.ph(1)),
		name)
	if err != nil {
		return false, vaulterrors.CatalogFailure("deactivate_collection", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetObject returns the READY row for collection/name.
func (c *Catalog) GetObject(ctx context.Context, collection, name string) (*Object, error) {
	row := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, collection, name, object_key, hash_sha256, size_bytes, status, created_at, updated_at
			FROM objects WHERE collection = %s AND name = %s AND status = %s`,
			c.dialect.ph(1), c.dialect.ph(2), c.dialect.ph(3)),
		collection, name, string(StatusReady))
	return scanObject(row)
}

func scanObject(row *sql.Row) (*Object, error) {
	var o Object
	var status string
	if err := row.Scan(&o.ID, &o.Collection, &o.Name, &o.ObjectKey, &o.HashSHA256, &o.SizeBytes, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, vaulterrors.NotFound("object", "")
		}
		return nil, vaulterrors.CatalogFailure("get_object", err)
	}
	o.Status = ObjectStatus(status)
	return &o, nil
}

// ListObjects returns every READY row in collection, ordered by name.
func (c *Catalog) ListObjects(ctx context.Context, collection string) ([]Object, error) {
	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, collection, name, object_key, hash_sha256, size_bytes, status, created_at, updated_at
			FROM objects WHERE collection = %s AND status = %s ORDER BY name`,
			c.dialect.ph(1), c.dialect.ph(2)),
		collection, string(StatusReady))
	if err != nil {
		return nil, vaulterrors.CatalogFailure("list_objects", err)
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		var o Object
		var status string
		if err := rows.Scan(&o.ID, &o.Collection, &o.Name, &o.ObjectKey, &o.HashSHA256, &o.SizeBytes, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, vaulterrors.CatalogFailure("list_objects", err)
		}
		o.Status = ObjectStatus(status)
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

// ReplaceObject atomically removes any existing row sharing objectKey, then
// inserts a fresh READY row. Invariant (1) — object_key uniqueness — holds
// across the transaction.
func (c *Catalog) ReplaceObject(ctx context.Context, collection, name, objectKey, hash string, size int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return vaulterrors.CatalogFailure("replace_object", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM objects WHERE object_key = %s`, c.dialect.ph(1)),
		objectKey); err != nil {
		return vaulterrors.CatalogFailure("replace_object", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO objects (collection, name, object_key, hash_sha256, size_bytes, status, created_at, updated_at)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
			c.dialect.ph(1), c.dialect.ph(2), c.dialect.ph(3), c.dialect.ph(4), c.dialect.ph(5), c.dialect.ph(6), c.dialect.ph(7), c.dialect.ph(8)),
		collection, name, objectKey, hash, size, string(StatusReady), now, now); err != nil {
		return vaulterrors.CatalogFailure("replace_object", err)
	}

	if err := tx.Commit(); err != nil {
		return vaulterrors.CatalogFailure("replace_object", err)
	}
	return nil
}

// Tombstone flips at most one READY row to DELETED. Returns false if no
// such row existed.
func (c *Catalog) Tombstone(ctx context.Context, collection, name string) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE objects SET status = %s, updated_at = %s WHERE collection = %s AND name = %s AND status = %s`,
			c.dialect.ph(1), c.dialect.ph(2), c.dialect.ph(3), c.dialect.ph(4), c.dialect.ph(5)),
		string(StatusDeleted), time.Now().UTC(), collection, name, string(StatusReady))
	if err != nil {
		return false, vaulterrors.CatalogFailure("tombstone", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SampleReadyObjectKeys returns up to limit object_keys among this
// collection's READY rows, for the consistency sweep. Satisfies
// health.CatalogSweepSource.
func (c *Catalog) SampleReadyObjectKeys(ctx context.Context, collection string, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT object_key FROM objects WHERE collection = %s AND status = %s ORDER BY id LIMIT %s`,
			c.dialect.ph(1), c.dialect.ph(2), c.dialect.ph(3)),
		collection, string(StatusReady), limit)
	if err != nil {
		return nil, vaulterrors.CatalogFailure("sample_ready_object_keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, vaulterrors.CatalogFailure("sample_ready_object_keys", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
