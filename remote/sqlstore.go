package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/zenibako/stagedit/staging"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// Store selection environment variables.
const (
	EnvStoreDriver = "STAGEDIT_STORE_DRIVER"
	EnvSQLitePath  = "STAGEDIT_SQLITE_PATH"
	EnvPostgresDSN = "STAGEDIT_POSTGRES_DSN"
)

// Dialect names a SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	defaultSQLitePath  = "stagedit.db"
	defaultPostgresDSN = "postgres://localhost/stagedit?sslmode=disable"
	stateBucket        = "collection"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// SQLStore persists a MemoryStore to a single state table as a JSON snapshot.
// It snapshots the full state after every commit that applied at least one operation.
type SQLStore struct {
	*MemoryStore
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
}

// NewSQLiteStore opens (or creates) a sqlite snapshot store at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	return openSQLStore(ctx, DialectSQLite, "sqlite", path)
}

// NewPostgresStore opens a postgres snapshot store using dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	return openSQLStore(ctx, DialectPostgres, "pgx", dsn)
}

func openSQLStore(ctx context.Context, dialect Dialect, driver, source string) (*SQLStore, error) {
	openMu.Lock()
	db, err := sqlOpen(driver, source)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s := &SQLStore{MemoryStore: NewMemoryStore(nil), db: db, dialect: dialect}
	if err := s.ensureStateTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureStateTable(ctx context.Context) error {
	payloadType := "BLOB"
	if s.dialect == DialectPostgres {
		payloadType = "JSONB"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload %s NOT NULL
	)`, payloadType)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

func (s *SQLStore) load(ctx context.Context) error {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM state WHERE bucket = ?`), stateBucket).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	s.Import(snapshot)
	log.Debug("Loaded snapshot", "dialect", s.dialect, "entities", len(snapshot.Entities))
	return nil
}

// Seed replaces the stored state with entities and persists it.
func (s *SQLStore) Seed(ctx context.Context, entities []staging.Entity) error {
	seeded := NewMemoryStore(entities).Export()
	s.Import(seeded)
	return s.persist(ctx)
}

// BulkCommit applies the batch to memory, then snapshots to the database if anything changed.
func (s *SQLStore) BulkCommit(ctx context.Context, req staging.BulkCommitRequest) (staging.BulkCommitResponse, error) {
	resp, err := s.MemoryStore.BulkCommit(ctx, req)
	if err != nil {
		return resp, err
	}
	if req.Options.ValidateOnly || resp.OperationsApplied == 0 {
		return resp, nil
	}
	if err := s.persist(ctx); err != nil {
		return resp, err
	}
	return resp, nil
}

func (s *SQLStore) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(s.Export())
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	upsert := s.rebind(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`)
	if _, err = tx.ExecContext(ctx, upsert, stateBucket, data); err != nil {
		retErr = fmt.Errorf("upsert %s: %w", stateBucket, err)
		return retErr
	}
	return tx.Commit()
}

// rebind rewrites ? placeholders for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Dialect returns the backend dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// OpenStore selects a backend from the environment: memory (default), sqlite or postgres.
func OpenStore(ctx context.Context, seed []staging.Entity) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv(EnvStoreDriver)))
	var open func() (*SQLStore, error)
	switch driver {
	case "", "memory":
		return NewMemoryStore(seed), nil
	case string(DialectSQLite):
		open = func() (*SQLStore, error) { return NewSQLiteStore(ctx, os.Getenv(EnvSQLitePath)) }
	case string(DialectPostgres), "pgx":
		open = func() (*SQLStore, error) { return NewPostgresStore(ctx, os.Getenv(EnvPostgresDSN)) }
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	s, err := open()
	if err != nil {
		return nil, err
	}
	// an existing snapshot wins over seed
	if len(seed) > 0 && len(s.Entities()) == 0 {
		if err := s.Seed(ctx, seed); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}
