package admin

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

// PgConfig locates the Postgres ledger database.
type PgConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// ConnString renders cfg as a postgres:// URL.
func (cfg PgConfig) ConnString() string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     cfg.Host + ":" + cfg.Port,
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// PgMigrate runs one goose command against the ledger schema.
func PgMigrate(ctx context.Context, log *slog.Logger, cfg PgConfig, cmd state.MigrateCommand) error {
	if err := state.Migrate(ctx, log, cfg.ConnString(), cmd); err != nil {
		return err
	}
	log.Info("PostgreSQL migration command completed", "command", string(cmd))
	return nil
}
