package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/jonboulle/clockwork"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// PostgresConfig configures the Postgres-backed ledger store.
type PostgresConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool
	Lease  LeaseConfig
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg.Lease.Validate()
}

// PostgresBackend stores ledger entries in a single table. Each transaction
// runs at SERIALIZABLE isolation; serialization failures surface as
// ErrConflict so callers can replay the invocation.
type PostgresBackend struct {
	log *slog.Logger
	cfg PostgresConfig
}

func NewPostgresBackend(cfg PostgresConfig) (*PostgresBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresBackend{log: cfg.Logger, cfg: cfg}, nil
}

// ConnectPostgres parses connStr and opens a pool sized like the lake API pool.
func ConnectPostgres(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// slogGooseLogger adapts slog.Logger to the goose.Logger interface.
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// MigrateCommand names a goose operation run by Migrate.
type MigrateCommand string

const (
	MigrateUp     MigrateCommand = "up"
	MigrateDown   MigrateCommand = "down"
	MigrateStatus MigrateCommand = "status"
)

// Migrate runs the embedded ledger migrations against connStr.
func Migrate(ctx context.Context, log *slog.Logger, connStr string, cmd MigrateCommand) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("state/postgres: running migrations", "command", string(cmd))
	switch cmd {
	case MigrateUp:
		err = goose.UpContext(ctx, db, "migrations")
	case MigrateDown:
		err = goose.DownContext(ctx, db, "migrations")
	case MigrateStatus:
		err = goose.StatusContext(ctx, db, "migrations")
	default:
		return fmt.Errorf("unknown migrate command %q", cmd)
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations (%s): %w", cmd, err)
	}
	return nil
}

func (b *PostgresBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.cfg.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresTx{b: b, tx: tx, now: b.cfg.Clock.Now().UTC()}, nil
}

func (b *PostgresBackend) Close() error {
	b.cfg.Pool.Close()
	return nil
}

// PurgeExpired deletes persistent entries whose lease lapsed.
func (b *PostgresBackend) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := b.cfg.Pool.Exec(ctx,
		`DELETE FROM ledger_entries WHERE tier = $1 AND expires_at <= $2`,
		int16(Persistent), b.cfg.Clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountExpired reports how many persistent entries PurgeExpired would delete.
func (b *PostgresBackend) CountExpired(ctx context.Context) (int64, error) {
	var n int64
	err := b.cfg.Pool.QueryRow(ctx,
		`SELECT count(*) FROM ledger_entries WHERE tier = $1 AND expires_at <= $2`,
		int16(Persistent), b.cfg.Clock.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count expired entries: %w", err)
	}
	return n, nil
}

type postgresTx struct {
	b    *PostgresBackend
	tx   pgx.Tx
	now  time.Time
	done bool
}

func (tx *postgresTx) Namespace(ns string) Store {
	return &postgresStore{tx: tx, ns: ns}
}

func (tx *postgresTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if err := tx.tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (tx *postgresTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	if err := tx.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// mapPgError converts serialization (40001) and deadlock (40P01) failures into
// ErrConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

type postgresStore struct {
	tx *postgresTx
	ns string
}

func (s *postgresStore) read(ctx context.Context, tier Tier, key string) ([]byte, *time.Time, bool, error) {
	if s.tx.done {
		return nil, nil, false, ErrTxDone
	}
	var (
		value     []byte
		expiresAt *time.Time
	)
	err := s.tx.tx.QueryRow(ctx,
		`SELECT value, expires_at FROM ledger_entries WHERE namespace = $1 AND tier = $2 AND key = $3`,
		s.ns, int16(tier), key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, mapPgError(fmt.Errorf("failed to read entry %s/%s: %w", s.ns, key, err))
	}
	if tier == Persistent && expiresAt != nil && !expiresAt.After(s.tx.now) {
		return nil, expiresAt, true, ErrEntryExpired
	}
	return value, expiresAt, true, nil
}

func (s *postgresStore) Get(ctx context.Context, tier Tier, key string) ([]byte, bool, error) {
	value, _, ok, err := s.read(ctx, tier, key)
	if err != nil {
		return nil, false, err
	}
	return value, ok, nil
}

func (s *postgresStore) Has(ctx context.Context, tier Tier, key string) (bool, error) {
	_, _, ok, err := s.read(ctx, tier, key)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *postgresStore) Set(ctx context.Context, tier Tier, key string, value []byte) error {
	if s.tx.done {
		return ErrTxDone
	}
	var expiresAt *time.Time
	if tier == Persistent {
		t := s.tx.now.Add(s.tx.b.cfg.Lease.MinLease)
		expiresAt = &t
	}
	_, err := s.tx.tx.Exec(ctx, `
		INSERT INTO ledger_entries (namespace, tier, key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, tier, key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = GREATEST(ledger_entries.expires_at, EXCLUDED.expires_at),
			updated_at = EXCLUDED.updated_at`,
		s.ns, int16(tier), key, value, expiresAt, s.tx.now,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("failed to write entry %s/%s: %w", s.ns, key, err))
	}
	return nil
}

func (s *postgresStore) ExtendLease(ctx context.Context, tier Tier, key string, ttl time.Duration) error {
	if tier != Persistent {
		return nil
	}
	if _, _, ok, err := s.read(ctx, tier, key); err != nil || !ok {
		return err
	}
	target := s.tx.now.Add(s.tx.b.cfg.Lease.clamp(ttl))
	_, err := s.tx.tx.Exec(ctx, `
		UPDATE ledger_entries SET expires_at = $4
		WHERE namespace = $1 AND tier = $2 AND key = $3 AND (expires_at IS NULL OR expires_at < $4)`,
		s.ns, int16(tier), key, target,
	)
	if err != nil {
		return mapPgError(fmt.Errorf("failed to extend lease %s/%s: %w", s.ns, key, err))
	}
	return nil
}
