// Package factory creates campaigns in batches and keeps the registry of
// every campaign it deployed.
package factory

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/campaign"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
	"github.com/malbeclabs/crowdfund/utils/pkg/retry"
)

const FnCreateCampaigns = "create_campaigns_batch"

const (
	keyNextSeq   = "NextSeq"
	keyCampaigns = "Campaigns"
	noncePrefix  = "Nonce:"

	defaultMaxBatch = 25
)

var addressSeed = []byte("campaign")

// Error is a recoverable factory error with a stable code.
type Error uint32

const (
	ErrEmptyBatch Error = iota + 1
	ErrInvalidConfig
	ErrBatchTooLarge
)

func (e Error) Error() string {
	switch e {
	case ErrEmptyBatch:
		return "factory: EmptyBatch"
	case ErrInvalidConfig:
		return "factory: InvalidConfig"
	case ErrBatchTooLarge:
		return "factory: BatchTooLarge"
	default:
		return fmt.Sprintf("factory: Error(%d)", uint32(e))
	}
}

func (e Error) Code() uint32 {
	return uint32(e)
}

// CampaignConfig describes one campaign of a batch.
type CampaignConfig struct {
	campaign.InitParams
	Title       string   `json:"title"`
	Description string   `json:"description"`
	SocialLinks []string `json:"social_links,omitempty"`
}

func (c CampaignConfig) validate(now uint64, maxDuration time.Duration) error {
	if c.Goal == 0 || strings.TrimSpace(c.Title) == "" || strings.TrimSpace(c.Description) == "" {
		return ErrInvalidConfig
	}
	if c.Creator.IsZero() || c.Asset.IsZero() || c.Deadline <= now {
		return ErrInvalidConfig
	}
	if c.Deadline-now > uint64(maxDuration/time.Second) {
		return ErrInvalidConfig
	}
	if c.HardCap != 0 && c.HardCap < c.Goal {
		return ErrInvalidConfig
	}
	if c.Platform != nil && (c.Platform.FeeBps > campaign.MaxFeeBps || c.Platform.Recipient.IsZero()) {
		return ErrInvalidConfig
	}
	return nil
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Backend state.Backend
	Assets  campaign.AssetLedger
	// Address is the factory's identity; campaign addresses derive from it.
	Address solana.PublicKey

	Minter campaign.Minter
	Events events.Sink

	// MaxBatch bounds the number of configs in one call.
	MaxBatch int
	// Campaign tuning applied to every contract the factory opens.
	LeaseTTL     time.Duration
	MaxDuration  time.Duration
	MaxBatchSize int
	Retry        retry.Config
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
		return errors.New("factory address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = campaign.DefaultMaxDuration
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
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

type Factory struct {
	log *slog.Logger
	cfg Config

	mu        sync.RWMutex
	contracts map[solana.PublicKey]*campaign.Contract
	order     []solana.PublicKey
}

func New(cfg Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Factory{
		log:       cfg.Logger,
		cfg:       cfg,
		contracts: make(map[solana.PublicKey]*campaign.Contract),
	}, nil
}

func (f *Factory) Address() solana.PublicKey {
	return f.cfg.Address
}

// Open loads every previously registered campaign.
func (f *Factory) Open(ctx context.Context) error {
	var addrs []solana.PublicKey
	err := f.update(ctx, false, func(kv state.Store) error {
		var err error
		addrs, err = readCampaigns(ctx, kv)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load campaign registry: %w", err)
	}
	for _, addr := range addrs {
		if _, err := f.register(addr); err != nil {
			return err
		}
	}
	f.log.Info("factory: registry loaded", "campaigns", len(addrs))
	return nil
}

// Campaign returns the registered contract at addr.
func (f *Factory) Campaign(addr solana.PublicKey) (*campaign.Contract, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.contracts[addr]
	return c, ok
}

// Campaigns lists registered addresses in creation order.
func (f *Factory) Campaigns() []solana.PublicKey {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]solana.PublicKey(nil), f.order...)
}

func (f *Factory) register(addr solana.PublicKey) (*campaign.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.contracts[addr]; ok {
		return c, nil
	}
	c, err := campaign.New(campaign.Config{
		Logger:       f.log,
		Clock:        f.cfg.Clock,
		Backend:      f.cfg.Backend,
		Assets:       f.cfg.Assets,
		Address:      addr,
		Minter:       f.cfg.Minter,
		Events:       f.cfg.Events,
		LeaseTTL:     f.cfg.LeaseTTL,
		MaxDuration:  f.cfg.MaxDuration,
		MaxBatchSize: f.cfg.MaxBatchSize,
		Retry:        f.cfg.Retry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open campaign %s: %w", addr, err)
	}
	f.contracts[addr] = c
	f.order = append(f.order, addr)
	return c, nil
}

// DeriveAddress returns the campaign address for sequence number seq.
func DeriveAddress(factory solana.PublicKey, seq uint64) (solana.PublicKey, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	addr, _, err := solana.FindProgramAddress([][]byte{addressSeed, buf[:]}, factory)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive campaign address: %w", err)
	}
	return addr, nil
}

// CreateCampaigns validates every config, then deploys, initializes and
// registers one campaign per config. Each distinct creator must authorize
// the batch. Nothing is deployed if any config is invalid.
func (f *Factory) CreateCampaigns(ctx context.Context, authz auth.Authorizer, configs []CampaignConfig) ([]solana.PublicKey, error) {
	if len(configs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(configs) > f.cfg.MaxBatch {
		return nil, ErrBatchTooLarge
	}
	now := uint64(f.cfg.Clock.Now().Unix())
	for _, c := range configs {
		if err := c.validate(now, f.cfg.MaxDuration); err != nil {
			return nil, err
		}
	}

	inv := f.Invocation(configs)
	var addrs []solana.PublicKey
	err := f.update(ctx, true, func(kv state.Store) error {
		if err := f.authorize(ctx, kv, authz, inv, configs); err != nil {
			return err
		}
		seq, err := readUint(ctx, kv, keyNextSeq)
		if err != nil {
			return err
		}
		addrs = make([]solana.PublicKey, len(configs))
		for i := range configs {
			if addrs[i], err = DeriveAddress(f.cfg.Address, seq+uint64(i)); err != nil {
				return err
			}
		}
		return writeUint(ctx, kv, keyNextSeq, seq+uint64(len(configs)))
	})
	if err != nil {
		return nil, err
	}

	// The factory has verified every creator; the campaigns trust it.
	for i, cfg := range configs {
		c, err := f.register(addrs[i])
		if err != nil {
			return nil, err
		}
		if err := c.Initialize(ctx, auth.AllowAll{}, cfg.InitParams); err != nil {
			return nil, fmt.Errorf("failed to initialize campaign %s: %w", addrs[i], err)
		}
		meta := campaign.Metadata{Title: cfg.Title, Description: cfg.Description, SocialLinks: cfg.SocialLinks}
		if err := c.UpdateMetadata(ctx, auth.AllowAll{}, meta); err != nil {
			return nil, fmt.Errorf("failed to set metadata of campaign %s: %w", addrs[i], err)
		}
	}

	err = f.update(ctx, true, func(kv state.Store) error {
		existing, err := readCampaigns(ctx, kv)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(append(existing, addrs...))
		if err != nil {
			return err
		}
		return kv.Set(ctx, state.Instance, keyCampaigns, raw)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record campaigns: %w", err)
	}

	list := make([]string, len(addrs))
	for i, a := range addrs {
		list[i] = a.String()
	}
	f.cfg.Events.Publish(ctx, events.New(f.cfg.Address, events.TopicBatchCreated, now, map[string]any{
		"count":     len(addrs),
		"addresses": list,
	}))
	f.log.Info("factory: campaigns created", "count", len(addrs))
	return addrs, nil
}

// Invocation is what each creator in configs signs to authorize the batch.
func (f *Factory) Invocation(configs []CampaignConfig) auth.Invocation {
	args := []any{len(configs)}
	for _, c := range configs {
		args = append(args, c.InvocationArgs()...)
		args = append(args, c.Title, c.Description, len(c.SocialLinks))
		for _, l := range c.SocialLinks {
			args = append(args, l)
		}
	}
	return auth.NewInvocation(f.cfg.Address, FnCreateCampaigns, args...)
}

func (f *Factory) authorize(ctx context.Context, kv state.Store, authz auth.Authorizer, inv auth.Invocation, configs []CampaignConfig) error {
	if authz == nil {
		return &campaign.AbortError{Reason: "authorization required", Err: auth.ErrUnauthorized}
	}
	var seen solana.PublicKeySlice
	for _, c := range configs {
		if !seen.UniqueAppend(c.Creator) {
			continue
		}
		if err := authz.RequireAuth(ctx, c.Creator, inv); err != nil {
			return &campaign.AbortError{Reason: "authorization failed for " + c.Creator.String(), Err: err}
		}
		n, ok := authz.(auth.Nonced)
		if !ok {
			continue
		}
		key := noncePrefix + c.Creator.String()
		last, err := readUint(ctx, kv, key)
		if err != nil {
			return err
		}
		if n.Nonce() <= last {
			return &campaign.AbortError{Reason: "nonce replayed for " + c.Creator.String(), Err: auth.ErrNonceNotFresh}
		}
		if err := writeUint(ctx, kv, key, n.Nonce()); err != nil {
			return err
		}
	}
	return nil
}

// update runs fn against the factory namespace, retrying on conflict.
func (f *Factory) update(ctx context.Context, commit bool, fn func(kv state.Store) error) error {
	return retry.Do(ctx, f.cfg.Retry, func() error {
		tx, err := f.cfg.Backend.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin: %w", err)
		}
		if err := fn(tx.Namespace(f.cfg.Address.String())); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if !commit {
			return tx.Rollback(ctx)
		}
		return tx.Commit(ctx)
	})
}

func readCampaigns(ctx context.Context, kv state.Store) ([]solana.PublicKey, error) {
	raw, ok, err := kv.Get(ctx, state.Instance, keyCampaigns)
	if err != nil || !ok {
		return nil, err
	}
	var addrs []solana.PublicKey
	if err := json.Unmarshal(raw, &addrs); err != nil {
		return nil, fmt.Errorf("failed to decode campaign registry: %w", err)
	}
	return addrs, nil
}

func readUint(ctx context.Context, kv state.Store, key string) (uint64, error) {
	raw, ok, err := kv.Get(ctx, state.Instance, key)
	if err != nil || !ok {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("factory: corrupt counter at %s", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func writeUint(ctx context.Context, kv state.Store, key string, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return kv.Set(ctx, state.Instance, key, buf[:])
}
