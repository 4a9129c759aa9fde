package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/crowdfund/escrow/pkg/asset"
	"github.com/malbeclabs/crowdfund/escrow/pkg/campaign"
	"github.com/malbeclabs/crowdfund/escrow/pkg/collectible"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	"github.com/malbeclabs/crowdfund/escrow/pkg/factory"
	"github.com/malbeclabs/crowdfund/escrow/pkg/metrics"
	"github.com/malbeclabs/crowdfund/escrow/pkg/server"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
	"github.com/malbeclabs/crowdfund/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultFactorySeed = "crowdfund-factory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment may already be populated.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "Maximum time to wait for in-flight requests during shutdown")

	// Ledger state
	postgresURLFlag := flag.String("postgres-url", "", "Postgres connection string; empty runs on an in-memory ledger (or set POSTGRES_URL env var)")
	migrateFlag := flag.Bool("migrate", true, "Apply ledger migrations on startup when using Postgres")
	minLeaseFlag := flag.Duration("min-lease", 0, "Minimum lease granted to persistent entries (0 = default)")
	maxLeaseFlag := flag.Duration("max-lease", 0, "Maximum lease a persistent entry may be extended to (0 = default)")
	purgeIntervalFlag := flag.Duration("purge-interval", 10*time.Minute, "Interval between sweeps of expired persistent entries (0 disables)")

	// Contracts
	factoryAddrFlag := flag.String("factory-address", "", "Base58 factory address; derived from a fixed seed when empty (or set FACTORY_ADDRESS env var)")
	leaseTTLFlag := flag.Duration("lease-ttl", 30*24*time.Hour, "Refund window kept alive past each campaign deadline")
	maxDurationFlag := flag.Duration("max-campaign-duration", campaign.DefaultMaxDuration, "Furthest a campaign deadline may be set ahead")
	maxBatchSizeFlag := flag.Int("max-batch-size", 100, "Maximum entries visited by one collect or refund call")

	// HTTP
	rateLimitFlag := flag.Float64("rate-limit", 2, "Sustained write requests per second per client")
	rateBurstFlag := flag.Int("rate-burst", 20, "Write request burst per client")
	allowedOriginsFlag := flag.String("allowed-origins", "", "Comma separated CORS origins (or set ALLOWED_ORIGINS env var)")
	enableFaucetFlag := flag.Bool("enable-faucet", false, "Expose the asset mint endpoint")
	insecureSkipAuthFlag := flag.Bool("insecure-skip-auth", false, "Accept every invocation without proofs (development only)")

	// ClickHouse event sink
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port); empty disables the event sink (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		*listenAddrFlag = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		*postgresURLFlag = v
	}
	if v := os.Getenv("FACTORY_ADDRESS"); v != "" {
		*factoryAddrFlag = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		*allowedOriginsFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		*clickhouseDatabaseFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		*clickhouseUsernameFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      env,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry initialized", "environment", env)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lease := state.LeaseConfig{MinLease: *minLeaseFlag, MaxLease: *maxLeaseFlag}
	if err := lease.Validate(); err != nil {
		return fmt.Errorf("invalid lease config: %w", err)
	}
	if lease.MaxLease < *maxDurationFlag+*leaseTTLFlag {
		return fmt.Errorf("max lease %s is shorter than max campaign duration plus lease ttl (%s)", lease.MaxLease, *maxDurationFlag+*leaseTTLFlag)
	}
	backend, purge, err := openBackend(ctx, log, *postgresURLFlag, *migrateFlag, lease)
	if err != nil {
		return err
	}
	defer backend.Close()

	sink, closeSink, err := openSink(ctx, log, clickhouseOptions{
		addr:     *clickhouseAddrFlag,
		database: *clickhouseDatabaseFlag,
		username: *clickhouseUsernameFlag,
		password: *clickhousePasswordFlag,
		secure:   *clickhouseSecureFlag,
	})
	if err != nil {
		return err
	}
	defer closeSink()

	factoryAddr, err := resolveFactoryAddress(*factoryAddrFlag)
	if err != nil {
		return err
	}

	assets, err := asset.NewLedger(asset.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create asset ledger: %w", err)
	}
	rewards, err := collectible.NewCollection(collectible.Config{Logger: log, Backend: backend})
	if err != nil {
		return fmt.Errorf("failed to create reward collection: %w", err)
	}
	f, err := factory.New(factory.Config{
		Logger:       log,
		Backend:      backend,
		Assets:       assets,
		Address:      factoryAddr,
		Minter:       rewards,
		Events:       sink,
		LeaseTTL:     *leaseTTLFlag,
		MaxDuration:  *maxDurationFlag,
		MaxBatchSize: *maxBatchSizeFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create factory: %w", err)
	}
	if err := f.Open(ctx); err != nil {
		return fmt.Errorf("failed to open factory registry: %w", err)
	}
	log.Info("factory opened", "address", factoryAddr.String(), "campaigns", len(f.Campaigns()))

	var origins []string
	if *allowedOriginsFlag != "" {
		for _, o := range strings.Split(*allowedOriginsFlag, ",") {
			origins = append(origins, strings.TrimSpace(o))
		}
	}
	if *insecureSkipAuthFlag {
		log.Warn("authorization proofs are disabled; do not run this configuration in production")
	}
	srv, err := server.New(server.Config{
		Logger:           log,
		ListenAddr:       *listenAddrFlag,
		ShutdownTimeout:  *shutdownTimeoutFlag,
		VersionInfo:      server.VersionInfo{Version: version, Commit: commit, Date: date},
		Factory:          f,
		Assets:           assets,
		Backend:          backend,
		RateLimit:        rate.Limit(*rateLimitFlag),
		RateBurst:        *rateBurstFlag,
		AllowedOrigins:   origins,
		EnableFaucet:     *enableFaucetFlag,
		InsecureSkipAuth: *insecureSkipAuthFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if *purgeIntervalFlag > 0 {
		g.Go(func() error {
			runPurger(gctx, log, *purgeIntervalFlag, purge)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("escrowd stopped")
	return nil
}

// openBackend returns the ledger store and a sweep function for its expired
// persistent entries.
func openBackend(ctx context.Context, log *slog.Logger, postgresURL string, migrate bool, lease state.LeaseConfig) (state.Backend, func(context.Context) (int64, error), error) {
	if postgresURL == "" {
		log.Warn("no postgres url configured; ledger state is in memory and lost on exit")
		b, err := state.NewMemoryBackend(state.MemoryConfig{Logger: log, Lease: lease})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create memory backend: %w", err)
		}
		return b, func(context.Context) (int64, error) { return int64(b.Evict()), nil }, nil
	}

	if migrate {
		if err := state.Migrate(ctx, log, postgresURL, state.MigrateUp); err != nil {
			return nil, nil, err
		}
	}
	pool, err := state.ConnectPostgres(ctx, postgresURL)
	if err != nil {
		return nil, nil, err
	}
	b, err := state.NewPostgresBackend(state.PostgresConfig{Logger: log, Pool: pool, Lease: lease})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create postgres backend: %w", err)
	}
	log.Info("postgres ledger connected")
	return b, b.PurgeExpired, nil
}

type clickhouseOptions struct {
	addr, database, username, password string
	secure                             bool
}

// openSink always logs events, and also appends them to ClickHouse when an
// address is configured.
func openSink(ctx context.Context, log *slog.Logger, opts clickhouseOptions) (events.Sink, func(), error) {
	logSink := events.LogSink{Logger: log}
	if opts.addr == "" {
		return logSink, func() {}, nil
	}
	conn, err := events.DialClickHouse(ctx, log, opts.addr, opts.database, opts.username, opts.password, opts.secure)
	if err != nil {
		return nil, nil, err
	}
	ch, err := events.NewClickHouseSink(events.ClickHouseConfig{Logger: log, Conn: conn})
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to create clickhouse sink: %w", err)
	}
	if err := ch.EnsureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	log.Info("clickhouse event sink enabled", "addr", opts.addr, "database", opts.database)
	return events.Multi{logSink, ch}, func() { _ = conn.Close() }, nil
}

func resolveFactoryAddress(s string) (solana.PublicKey, error) {
	if s != "" {
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("invalid factory address: %w", err)
		}
		return pk, nil
	}
	pk, err := solana.CreateWithSeed(solana.SystemProgramID, defaultFactorySeed, solana.SystemProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive factory address: %w", err)
	}
	return pk, nil
}

func runPurger(ctx context.Context, log *slog.Logger, interval time.Duration, purge func(context.Context) (int64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				log.Error("failed to purge expired entries", "error", err)
				continue
			}
			if n > 0 {
				log.Info("purged expired entries", "count", n)
			}
		}
	}
}
