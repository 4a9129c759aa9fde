// Package server exposes campaign contracts and the asset ledger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/malbeclabs/crowdfund/escrow/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	limiter *RateLimiter
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		router:  chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	s.router.Get("/readyz", s.readyzHandler)
	s.router.Get("/version", s.versionHandler)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/campaigns", s.handleListCampaigns)
		r.With(s.limiter.Middleware).Post("/campaigns", s.handleCreateCampaigns)

		r.Route("/campaigns/{address}", func(r chi.Router) {
			r.Get("/", s.handleCampaignInfo)
			r.Get("/stats", s.handleCampaignStats)
			r.Get("/roadmap", s.handleRoadmap)
			r.Get("/contributors", s.handleContributors)
			r.Get("/principals/{principal}", s.handlePrincipal)

			r.Group(func(r chi.Router) {
				r.Use(s.limiter.Middleware)
				r.Post("/contribute", s.handleContribute)
				r.Post("/pledge", s.handlePledge)
				r.Post("/collect-pledges", s.handleCollectPledges)
				r.Post("/withdraw", s.handleWithdraw)
				r.Post("/refund", s.handleRefund)
				r.Post("/refund-single", s.handleRefundSingle)
				r.Post("/extend-leases", s.handleExtendLeases)
				r.Post("/cancel", s.handleCancel)
				r.Put("/metadata", s.handleUpdateMetadata)
				r.Post("/roadmap", s.handleAddRoadmapItem)
				r.Post("/whitelist", s.handleAddToWhitelist)
			})
		})

		r.Get("/assets/{asset}/balances/{holder}", s.handleBalance)
		r.With(s.limiter.Middleware).Post("/assets/{asset}/approve", s.handleApprove)
		if s.cfg.EnableFaucet {
			r.With(s.limiter.Middleware).Post("/assets/{asset}/mint", s.handleMint)
		}
	})
}

func (s *Server) Run(ctx context.Context) error {
	limiterCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.limiter.Run(limiterCtx)

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err, "address", s.cfg.ListenAddr)
		return err
	}
}

// readyzHandler reports ready once the state backend accepts a transaction.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	tx, err := s.cfg.Backend.Begin(ctx)
	if err != nil {
		s.log.Debug("readyz: backend not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("backend not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	_ = tx.Rollback(ctx)

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.cfg.VersionInfo); err != nil {
		s.log.Error("failed to write version response", "error", err)
	}
}
