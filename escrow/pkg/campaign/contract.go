// Package campaign implements a single crowdfunding escrow contract: it takes
// custody of contributions, accepts pledges, and settles either by paying the
// creator (minus an optional platform fee) or by refunding every backer.
//
// Every mutating operation runs as one invocation against a state.Backend
// transaction. Any error rolls the whole invocation back, including asset
// transfers made through the same transaction.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	"github.com/malbeclabs/crowdfund/escrow/pkg/metrics"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
	"github.com/malbeclabs/crowdfund/utils/pkg/retry"
)

const (
	FnInitialize     = "initialize"
	FnContribute     = "contribute"
	FnPledge         = "pledge"
	FnCollectPledges = "collect_pledges"
	FnWithdraw       = "withdraw"
	FnRefund         = "refund"
	FnRefundSingle   = "refund_single"
	FnCancel         = "cancel"
	FnUpdateMetadata = "update_metadata"
	FnAddRoadmapItem = "add_roadmap_item"
	FnAddToWhitelist = "add_to_whitelist"
	FnExtendLeases   = "extend_leases"
	FnView           = "view"
)

// DefaultMaxDuration is the default bound on how far ahead a deadline may be.
const DefaultMaxDuration = 150 * 24 * time.Hour

const (
	defaultLeaseTTL     = 30 * 24 * time.Hour
	defaultMaxBatchSize = 100
)

// AssetLedger moves fungible asset units inside the invocation's transaction.
type AssetLedger interface {
	Transfer(ctx context.Context, tx state.Tx, id, from, to solana.PublicKey, amount uint64) error
	TransferFrom(ctx context.Context, tx state.Tx, id, spender, from, to solana.PublicKey, amount uint64) error
}

// Minter issues reward collectibles. Mints are committed independently of the
// withdrawal that requested them.
type Minter interface {
	Mint(ctx context.Context, target, owner solana.PublicKey) (uint64, error)
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Backend state.Backend
	Assets  AssetLedger
	// Address is the contract's own identity. It names the storage namespace
	// and is the custody account on the asset ledger.
	Address solana.PublicKey

	Minter Minter
	Events events.Sink

	// LeaseTTL is requested on every touch of a persistent entry, on top of
	// the time left until the deadline. The backend's maximum lease must be
	// at least MaxDuration plus LeaseTTL or ledger entries can lapse before
	// refunds are claimed.
	LeaseTTL time.Duration
	// MaxDuration bounds how far in the future a deadline may be set.
	MaxDuration time.Duration
	// MaxBatchSize bounds the entries processed by one refund or
	// collect_pledges call.
	MaxBatchSize int
	// Retry controls replay of invocations that hit a storage conflict.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("state backend is required")
	}
	if cfg.Assets == nil {
		return errors.New("asset ledger is required")
	}
	if cfg.Address.IsZero() {
		return errors.New("contract address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Config{
			MaxAttempts: 5,
			BaseBackoff: 10 * time.Millisecond,
			MaxBackoff:  250 * time.Millisecond,
		}
	}
	cfg.Retry.Retryable = func(err error) bool {
		return errors.Is(err, state.ErrConflict)
	}
	return nil
}

// Contract is one campaign escrow bound to an address.
type Contract struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Contract, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Contract{
		log: cfg.Logger.With("contract", cfg.Address.String()),
		cfg: cfg,
	}, nil
}

func (c *Contract) Address() solana.PublicKey {
	return c.cfg.Address
}

// Invocation returns the authorization payload a principal must sign to call
// function with args on this contract.
func (c *Contract) Invocation(function string, args ...any) auth.Invocation {
	return auth.NewInvocation(c.cfg.Address, function, args...)
}

// env is the per-invocation context handed to operation bodies.
type env struct {
	c        *Contract
	ctx      context.Context
	tx       state.Tx
	kv       state.Store
	now      uint64
	deadline uint64
	function string
	args     []any
	authz    auth.Authorizer
	writable bool

	events      []events.Event
	afterCommit []func(context.Context)
}

func (e *env) emit(topic string, data map[string]any) {
	e.events = append(e.events, events.New(e.c.cfg.Address, topic, e.now, data))
}

// onCommit schedules fn to run after the invocation's transaction commits.
func (e *env) onCommit(fn func(context.Context)) {
	e.afterCommit = append(e.afterCommit, fn)
}

// requireAuth confirms principal authorized this exact invocation. Nonced
// authorizers must present a nonce above the last one seen for principal.
func (e *env) requireAuth(principal solana.PublicKey) error {
	if e.authz == nil {
		return abort("authorization required", auth.ErrUnauthorized)
	}
	inv := e.c.Invocation(e.function, e.args...)
	if err := e.authz.RequireAuth(e.ctx, principal, inv); err != nil {
		return abort("authorization failed for "+principal.String(), err)
	}
	n, ok := e.authz.(auth.Nonced)
	if !ok {
		return nil
	}
	last, err := e.amount(roleNonce, principal)
	if err != nil {
		return err
	}
	if n.Nonce() <= last {
		return abort(fmt.Sprintf("nonce %d replayed for %s", n.Nonce(), principal), auth.ErrNonceNotFresh)
	}
	return e.setAmount(roleNonce, principal, n.Nonce())
}

type invocation struct {
	function string
	args     []any
	authz    auth.Authorizer
	writable bool
}

// invoke runs body in a fresh transaction, replaying it from the start when
// the backend reports a serialization conflict.
func (c *Contract) invoke(ctx context.Context, inv invocation, body func(e *env) error) error {
	start := c.cfg.Clock.Now()
	attempt := 0
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		attempt++
		if attempt > 1 {
			metrics.InvocationConflictsTotal.WithLabelValues(inv.function).Inc()
			c.log.Debug("campaign: replaying invocation after conflict", "function", inv.function, "attempt", attempt)
		}
		return c.invokeOnce(ctx, inv, body)
	})
	if inv.writable {
		metrics.RecordInvocation(inv.function, outcome(err), c.cfg.Clock.Since(start))
	}
	if err != nil {
		var ae *AbortError
		if errors.As(err, &ae) {
			c.log.Warn("campaign: invocation aborted", "function", inv.function, "reason", ae.Reason, "error", ae.Err)
		}
	}
	return err
}

func (c *Contract) invokeOnce(ctx context.Context, inv invocation, body func(e *env) error) error {
	tx, err := c.cfg.Backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin invocation: %w", err)
	}
	e := &env{
		c:        c,
		ctx:      ctx,
		tx:       tx,
		kv:       tx.Namespace(c.cfg.Address.String()),
		now:      uint64(c.cfg.Clock.Now().Unix()),
		function: inv.function,
		args:     inv.args,
		authz:    inv.authz,
		writable: inv.writable,
	}
	if err := body(e); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if !inv.writable {
		return tx.Rollback(ctx)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", inv.function, err)
	}

	if len(e.events) > 0 {
		c.cfg.Events.Publish(ctx, e.events...)
	}
	for _, fn := range e.afterCommit {
		fn(ctx)
	}
	return nil
}

func outcome(err error) string {
	var ce Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ce):
		return "contract_error"
	case errors.Is(err, ErrAborted):
		return "aborted"
	default:
		return "error"
	}
}
