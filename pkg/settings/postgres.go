package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig configures the SQL-backed store.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Table defaults to user_settings.
	Table string
}

// DefaultPostgresConfig returns pool settings suitable for a single server.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		Table:           "user_settings",
	}
}

func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("settings.postgres.url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("settings.postgres.ping_timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("settings.postgres.max_open_conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("settings.postgres.max_idle_conns must be between 0 and max_open_conns")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("settings.postgres connection lifetimes must be >= 0")
	}
	if !validTableName(c.table()) {
		return fmt.Errorf("settings.postgres.table %q is not a valid identifier", c.Table)
	}
	return nil
}

func (c PostgresConfig) table() string {
	if c.Table == "" {
		return "user_settings"
	}
	return c.Table
}

func validTableName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// PostgresStore keeps each record as a JSONB document keyed by identity.
type PostgresStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects, pings and ensures the settings table exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrUnavailable, err)
	}

	s := NewPostgresStore(db, cfg.table())
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool. The table must already exist or
// be created with EnsureSchema.
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = "user_settings"
	}
	return &PostgresStore{db: db, table: table, now: time.Now}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	user_id    TEXT PRIMARY KEY,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: create settings table: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, identity string) (Record, error) {
	id, err := requireIdentity(identity)
	if err != nil {
		return Record{}, err
	}
	return s.get(ctx, s.db, id, false)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) get(ctx context.Context, q queryer, id string, forUpdate bool) (Record, error) {
	query := `SELECT document FROM ` + s.table + ` WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var doc []byte
	if err := q.QueryRowContext(ctx, query, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: select settings: %w", ErrUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return Record{}, fmt.Errorf("parse settings: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Merge(ctx context.Context, identity string, patch Patch) (Record, error) {
	id, err := requireIdentity(identity)
	if err != nil {
		return Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("%w: begin: %w", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.get(ctx, tx, id, true)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = Record{UserID: id}
	case err != nil:
		return Record{}, err
	}
	rec = patch.Apply(rec, s.now())

	doc, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal settings: %w", err)
	}
	upsert := `INSERT INTO ` + s.table + ` (user_id, document, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`
	if _, err := tx.ExecContext(ctx, upsert, id, doc, rec.UpdatedAt); err != nil {
		return Record{}, fmt.Errorf("%w: upsert settings: %w", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("%w: commit: %w", ErrUnavailable, err)
	}
	return rec, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
