package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/crowdfund/escrow/pkg/asset"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
	laketesting "github.com/malbeclabs/crowdfund/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const testStart = 1_700_000_000

type fixture struct {
	t        *testing.T
	clock    *clockwork.FakeClock
	backend  state.Backend
	assets   *asset.Ledger
	recorder *events.Recorder
	contract *Contract
	token    solana.PublicKey
	creator  solana.PublicKey
	platform solana.PublicKey
}

type fixtureOption func(*Config)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	log := laketesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Unix(testStart, 0))
	backend, err := state.NewMemoryBackend(state.MemoryConfig{Logger: log, Clock: clock})
	require.NoError(t, err)
	return newFixtureWithBackend(t, clock, backend, opts...)
}

func newFixtureWithBackend(t *testing.T, clock *clockwork.FakeClock, backend state.Backend, opts ...fixtureOption) *fixture {
	t.Helper()
	log := laketesting.NewLogger()
	assets, err := asset.NewLedger(asset.Config{Logger: log})
	require.NoError(t, err)
	recorder := &events.Recorder{}
	cfg := Config{
		Logger:  log,
		Clock:   clock,
		Backend: backend,
		Assets:  assets,
		Address: solana.NewWallet().PublicKey(),
		Events:  recorder,
	}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return &fixture{
		t:        t,
		clock:    clock,
		backend:  backend,
		assets:   assets,
		recorder: recorder,
		contract: c,
		token:    solana.NewWallet().PublicKey(),
		creator:  solana.NewWallet().PublicKey(),
		platform: solana.NewWallet().PublicKey(),
	}
}

func (f *fixture) params(goal uint64) InitParams {
	return InitParams{
		Creator:  f.creator,
		Asset:    f.token,
		Goal:     goal,
		Deadline: testStart + 3600,
	}
}

func (f *fixture) init(p InitParams) {
	f.t.Helper()
	require.NoError(f.t, f.contract.Initialize(context.Background(), auth.AllowAll{}, p))
}

func (f *fixture) withTx(fn func(ctx context.Context, tx state.Tx) error) {
	f.t.Helper()
	ctx := context.Background()
	tx, err := f.backend.Begin(ctx)
	require.NoError(f.t, err)
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		require.NoError(f.t, err)
	}
	require.NoError(f.t, tx.Commit(ctx))
}

// fund mints tokens to a fresh principal.
func (f *fixture) fund(amount uint64) solana.PublicKey {
	f.t.Helper()
	p := solana.NewWallet().PublicKey()
	f.mint(p, amount)
	return p
}

func (f *fixture) mint(to solana.PublicKey, amount uint64) {
	f.t.Helper()
	f.withTx(func(ctx context.Context, tx state.Tx) error {
		return f.assets.Mint(ctx, tx, f.token, to, amount)
	})
}

func (f *fixture) approve(owner solana.PublicKey, amount uint64) {
	f.t.Helper()
	f.withTx(func(ctx context.Context, tx state.Tx) error {
		return f.assets.Approve(ctx, tx, f.token, owner, f.contract.Address(), amount)
	})
}

func (f *fixture) balance(holder solana.PublicKey) uint64 {
	f.t.Helper()
	var bal uint64
	f.withTx(func(ctx context.Context, tx state.Tx) error {
		var err error
		bal, err = f.assets.Balance(ctx, tx, f.token, holder)
		return err
	})
	return bal
}

func (f *fixture) custody() uint64 {
	return f.balance(f.contract.Address())
}

func (f *fixture) contribute(p solana.PublicKey, amount uint64) {
	f.t.Helper()
	require.NoError(f.t, f.contract.Contribute(context.Background(), auth.AllowAll{}, p, amount, nil))
}

func (f *fixture) pastDeadline() {
	f.clock.Advance(2 * time.Hour)
}

func (f *fixture) status() Status {
	f.t.Helper()
	s, err := f.contract.Status(context.Background())
	require.NoError(f.t, err)
	return s
}

func (f *fixture) totalRaised() uint64 {
	f.t.Helper()
	v, err := f.contract.TotalRaised(context.Background())
	require.NoError(f.t, err)
	return v
}

func (f *fixture) contribution(p solana.PublicKey) uint64 {
	f.t.Helper()
	v, err := f.contract.Contribution(context.Background(), p)
	require.NoError(f.t, err)
	return v
}

func requireAborted(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAborted)
}
