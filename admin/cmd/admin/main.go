package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/crowdfund/admin/internal/admin"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
	"github.com/malbeclabs/crowdfund/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL configuration
	pgHostFlag := flag.String("postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("postgres-db", "crowdfund", "PostgreSQL database (or set POSTGRES_DB env var)")
	pgUserFlag := flag.String("postgres-user", "postgres", "PostgreSQL username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	factoryAddrFlag := flag.String("factory-address", "", "Base58 factory address (or set FACTORY_ADDRESS env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run ledger database migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last ledger database migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show ledger database migration status")
	purgeExpiredFlag := flag.Bool("purge-expired", false, "Delete persistent ledger entries whose lease lapsed")
	resetEventsFlag := flag.Bool("reset-events", false, "Drop the ClickHouse escrow event table")
	listCampaignsFlag := flag.Bool("list-campaigns", false, "List campaigns registered with the factory")
	showCampaignFlag := flag.String("show-campaign", "", "Show one campaign by base58 address")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	envOverrides := map[string]*string{
		"POSTGRES_HOST":       pgHostFlag,
		"POSTGRES_PORT":       pgPortFlag,
		"POSTGRES_DB":         pgDatabaseFlag,
		"POSTGRES_USER":       pgUserFlag,
		"POSTGRES_PASSWORD":   pgPasswordFlag,
		"POSTGRES_SSLMODE":    pgSSLModeFlag,
		"CLICKHOUSE_ADDR_TCP": clickhouseAddrFlag,
		"CLICKHOUSE_DATABASE": clickhouseDatabaseFlag,
		"CLICKHOUSE_USERNAME": clickhouseUsernameFlag,
		"CLICKHOUSE_PASSWORD": clickhousePasswordFlag,
		"FACTORY_ADDRESS":     factoryAddrFlag,
	}
	for env, flagPtr := range envOverrides {
		if v := os.Getenv(env); v != "" {
			*flagPtr = v
		}
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg := admin.PgConfig{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUserFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}

	switch {
	case *pgMigrateFlag:
		return admin.PgMigrate(ctx, log, pgCfg, state.MigrateUp)
	case *pgMigrateDownFlag:
		return admin.PgMigrate(ctx, log, pgCfg, state.MigrateDown)
	case *pgMigrateStatusFlag:
		return admin.PgMigrate(ctx, log, pgCfg, state.MigrateStatus)
	case *purgeExpiredFlag:
		return admin.PurgeExpired(ctx, log, os.Stdin, os.Stdout, pgCfg, *dryRunFlag, *yesFlag)
	case *resetEventsFlag:
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --reset-events")
		}
		return admin.ResetEvents(ctx, log, os.Stdin, os.Stdout, admin.ClickHouseConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}, *dryRunFlag, *yesFlag)
	case *listCampaignsFlag, *showCampaignFlag != "":
		if *factoryAddrFlag == "" {
			return fmt.Errorf("--factory-address is required to inspect campaigns")
		}
		factoryAddr, err := solana.PublicKeyFromBase58(*factoryAddrFlag)
		if err != nil {
			return fmt.Errorf("invalid factory address: %w", err)
		}
		pool, err := state.ConnectPostgres(ctx, pgCfg.ConnString())
		if err != nil {
			return err
		}
		backend, err := state.NewPostgresBackend(state.PostgresConfig{Logger: log, Pool: pool})
		if err != nil {
			pool.Close()
			return err
		}
		defer backend.Close()

		if *listCampaignsFlag {
			return admin.ListCampaigns(ctx, log, os.Stdout, backend, factoryAddr)
		}
		addr, err := solana.PublicKeyFromBase58(*showCampaignFlag)
		if err != nil {
			return fmt.Errorf("invalid campaign address: %w", err)
		}
		return admin.ShowCampaign(ctx, log, os.Stdout, backend, factoryAddr, addr)
	}

	flag.Usage()
	return nil
}
