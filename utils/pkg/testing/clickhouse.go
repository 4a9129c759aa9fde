package laketesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

// ClickHouseConfig holds the ClickHouse test container configuration.
type ClickHouseConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// ClickHouseDB is a running ClickHouse test container.
type ClickHouseDB struct {
	log       *slog.Logger
	cfg       *ClickHouseConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the native protocol address (host:port).
func (db *ClickHouseDB) Addr() string {
	return db.addr
}

func (db *ClickHouseDB) Username() string {
	return db.cfg.Username
}

func (db *ClickHouseDB) Password() string {
	return db.cfg.Password
}

func (db *ClickHouseDB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

// NewClickHouseDB starts a ClickHouse testcontainer, retrying transient start
// failures.
func NewClickHouseDB(ctx context.Context, log *slog.Logger, cfg *ClickHouseConfig) (*ClickHouseDB, error) {
	if cfg == nil {
		cfg = &ClickHouseConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate clickhouse config: %w", err)
	}

	var (
		container *tcch.ClickHouseContainer
		lastErr   error
	)
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err == nil {
			break
		}
		lastErr = err
		if !isRetryableContainerStartErr(err) || attempt == 3 {
			return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port(cfg.Port+"/tcp"))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &ClickHouseDB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

func openClickHouse(ctx context.Context, db *ClickHouseDB, database string) (driver.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		conn, err := clickhouse.Open(&clickhouse.Options{
			Addr: []string{db.addr},
			Auth: clickhouse.Auth{Database: database, Username: db.cfg.Username, Password: db.cfg.Password},
		})
		if err == nil {
			err = conn.Ping(ctx)
			if err == nil {
				return conn, nil
			}
			_ = conn.Close()
		}
		lastErr = err
		if !isRetryableConnectionErr(err) {
			break
		}
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	return nil, fmt.Errorf("failed to connect to ClickHouse: %w", lastErr)
}

// NewClickHouseDatabase creates a uniquely named database, dropped on test
// cleanup, and returns its name.
func NewClickHouseDatabase(t *testing.T, db *ClickHouseDB) string {
	t.Helper()
	admin, err := openClickHouse(t.Context(), db, db.cfg.Database)
	require.NoError(t, err)

	name := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	require.NoError(t, admin.Exec(t.Context(), "CREATE DATABASE IF NOT EXISTS "+name))

	t.Cleanup(func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := admin.Exec(dropCtx, "DROP DATABASE IF EXISTS "+name); err != nil {
			db.log.Error("failed to drop test database", "database", name, "error", err)
		}
		_ = admin.Close()
	})
	return name
}

func isRetryableConnectionErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "handshake") ||
		strings.Contains(s, "unexpected packet") ||
		strings.Contains(s, "failed to ping") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "dial tcp")
}
