package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/crowdfund/escrow/pkg/asset"
	"github.com/malbeclabs/crowdfund/escrow/pkg/factory"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
	"golang.org/x/time/rate"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Factory *factory.Factory
	Assets  *asset.Ledger
	Backend state.Backend

	// RateLimit and RateBurst apply per client IP to mutating endpoints.
	RateLimit rate.Limit
	RateBurst int
	// AllowedOrigins feeds the CORS handler. Empty allows any origin.
	AllowedOrigins []string

	// EnableFaucet exposes asset minting for local development.
	EnableFaucet bool
	// InsecureSkipAuth treats every request as authorized by every
	// principal. Local development only.
	InsecureSkipAuth bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Factory == nil {
		return errors.New("factory is required")
	}
	if cfg.Assets == nil {
		return errors.New("asset ledger is required")
	}
	if cfg.Backend == nil {
		return errors.New("state backend is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Every(time.Minute / 120)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return nil
}
