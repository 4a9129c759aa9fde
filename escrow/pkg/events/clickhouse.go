package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/malbeclabs/crowdfund/escrow/pkg/metrics"
	"github.com/malbeclabs/crowdfund/utils/pkg/retry"
)

// EventsTable is the ClickHouse table the sink appends to.
const EventsTable = "fact_escrow_events"

const createEventsTable = `
CREATE TABLE IF NOT EXISTS ` + EventsTable + ` (
    event_id   UUID,
    contract   String,
    topic      LowCardinality(String),
    ledger     UInt64,
    data       String,
    ingested_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (contract, ledger, event_id)`

const insertEvent = `INSERT INTO ` + EventsTable + ` (event_id, contract, topic, ledger, data, ingested_at) VALUES (?, ?, ?, ?, ?, ?)`

// Inserter is the slice of a ClickHouse connection the sink needs.
type Inserter interface {
	Exec(ctx context.Context, query string, args ...any) error
	AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error
}

type ClickHouseConfig struct {
	Logger *slog.Logger
	Conn   Inserter
	Retry  retry.Config
	// Timeout bounds each background insert.
	Timeout time.Duration
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return nil
}

// ClickHouseSink appends events to the fact_escrow_events table with async
// inserts. Failures are logged and counted, never surfaced to the contract.
type ClickHouseSink struct {
	log *slog.Logger
	cfg ClickHouseConfig
}

func NewClickHouseSink(cfg ClickHouseConfig) (*ClickHouseSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHouseSink{log: cfg.Logger, cfg: cfg}, nil
}

// DialClickHouse opens a native-protocol connection, mirroring the lake
// indexer client options.
func DialClickHouse(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) (driver.Conn, error) {
	options := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	}
	if secure {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	log.Info("events: ClickHouse sink connected", "addr", addr, "database", database, "secure", secure)
	return conn, nil
}

// EnsureSchema creates the events table if needed.
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.cfg.Conn.Exec(ctx, createEventsTable); err != nil {
		return fmt.Errorf("failed to create fact_escrow_events: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Publish(ctx context.Context, evs ...Event) {
	if len(evs) == 0 {
		return
	}
	batch := append([]Event(nil), evs...)
	go s.write(context.WithoutCancel(ctx), batch)
}

func (s *ClickHouseSink) write(ctx context.Context, evs []Event) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	now := time.Now().UTC()
	for _, ev := range evs {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			s.log.Error("events: failed to encode event data", "topic", ev.Topic, "error", err)
			metrics.EventsPublishedTotal.WithLabelValues("clickhouse", "error").Inc()
			continue
		}
		err = retry.Do(ctx, s.cfg.Retry, func() error {
			return s.cfg.Conn.AsyncInsert(ctx, insertEvent, false,
				ev.ID, ev.Contract.String(), ev.Topic, ev.Ledger, string(data), now)
		})
		if err != nil {
			s.log.Warn("events: failed to insert event", "topic", ev.Topic, "contract", ev.Contract.String(), "error", err)
			metrics.EventsPublishedTotal.WithLabelValues("clickhouse", "error").Inc()
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues("clickhouse", "success").Inc()
	}
}
