package factory

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/crowdfund/escrow/pkg/asset"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/campaign"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
	laketesting "github.com/malbeclabs/crowdfund/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const testStart = 1_700_000_000

type fixture struct {
	clock    *clockwork.FakeClock
	backend  *state.MemoryBackend
	assets   *asset.Ledger
	recorder *events.Recorder
	address  solana.PublicKey
	factory  *Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := laketesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Unix(testStart, 0))
	backend, err := state.NewMemoryBackend(state.MemoryConfig{Logger: log, Clock: clock})
	require.NoError(t, err)
	assets, err := asset.NewLedger(asset.Config{Logger: log})
	require.NoError(t, err)
	fx := &fixture{
		clock:    clock,
		backend:  backend,
		assets:   assets,
		recorder: &events.Recorder{},
		address:  solana.NewWallet().PublicKey(),
	}
	fx.factory = fx.open(t)
	return fx
}

func (fx *fixture) open(t *testing.T) *Factory {
	t.Helper()
	f, err := New(Config{
		Logger:  laketesting.NewLogger(),
		Clock:   fx.clock,
		Backend: fx.backend,
		Assets:  fx.assets,
		Address: fx.address,
		Events:  fx.recorder,
	})
	require.NoError(t, err)
	return f
}

func config(creator solana.PublicKey, goal uint64, title string) CampaignConfig {
	return CampaignConfig{
		InitParams: campaign.InitParams{
			Creator:  creator,
			Asset:    solana.NewWallet().PublicKey(),
			Goal:     goal,
			Deadline: testStart + 86_400,
		},
		Title:       title,
		Description: "Desc " + title,
	}
}

func TestEscrow_Factory_CreateCampaigns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("deploys a batch", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		configs := []CampaignConfig{
			config(solana.NewWallet().PublicKey(), 1_000, "Campaign 1"),
			config(solana.NewWallet().PublicKey(), 2_000, "Campaign 2"),
			config(solana.NewWallet().PublicKey(), 3_000, "Campaign 3"),
		}
		addrs, err := fx.factory.CreateCampaigns(ctx, auth.AllowAll{}, configs)
		require.NoError(t, err)
		require.Len(t, addrs, 3)
		require.Equal(t, addrs, fx.factory.Campaigns())

		for i, addr := range addrs {
			want, err := DeriveAddress(fx.address, uint64(i))
			require.NoError(t, err)
			require.Equal(t, want, addr)

			c, ok := fx.factory.Campaign(addr)
			require.True(t, ok)
			info, err := c.Info(ctx)
			require.NoError(t, err)
			require.Equal(t, configs[i].Goal, info.Goal)
			require.Equal(t, configs[i].Creator, info.Creator)
			require.Equal(t, configs[i].Title, info.Title)
			require.Equal(t, campaign.StatusActive, info.Status)
		}

		evs := fx.recorder.ByTopic(events.TopicBatchCreated)
		require.Len(t, evs, 1)
		require.Equal(t, 3, evs[0].Data["count"])
		require.Equal(t, fx.address, evs[0].Contract)
	})

	t.Run("addresses keep advancing across batches", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		creator := solana.NewWallet().PublicKey()
		first, err := fx.factory.CreateCampaigns(ctx, auth.AllowAll{}, []CampaignConfig{config(creator, 10, "a")})
		require.NoError(t, err)
		second, err := fx.factory.CreateCampaigns(ctx, auth.AllowAll{}, []CampaignConfig{config(creator, 10, "b")})
		require.NoError(t, err)
		require.NotEqual(t, first[0], second[0])
		want, err := DeriveAddress(fx.address, 1)
		require.NoError(t, err)
		require.Equal(t, want, second[0])
	})

	t.Run("rejects empty batch", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		_, err := fx.factory.CreateCampaigns(ctx, auth.AllowAll{}, nil)
		require.ErrorIs(t, err, ErrEmptyBatch)
		require.Equal(t, uint32(1), ErrEmptyBatch.Code())
	})

	t.Run("rejects invalid configs", func(t *testing.T) {
		t.Parallel()
		creator := solana.NewWallet().PublicKey()
		cases := map[string]func(c *CampaignConfig){
			"zero goal":         func(c *CampaignConfig) { c.Goal = 0 },
			"empty title":       func(c *CampaignConfig) { c.Title = "" },
			"empty description": func(c *CampaignConfig) { c.Description = " " },
			"past deadline":     func(c *CampaignConfig) { c.Deadline = testStart },
			"distant deadline":  func(c *CampaignConfig) { c.Deadline = testStart + 200*86_400 },
			"hard cap":          func(c *CampaignConfig) { c.HardCap = 1 },
			"fee": func(c *CampaignConfig) {
				c.Platform = &campaign.PlatformConfig{Recipient: creator, FeeBps: 10_001}
			},
		}
		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				t.Parallel()
				fx := newFixture(t)
				bad := config(creator, 1_000, "bad")
				mutate(&bad)
				_, err := fx.factory.CreateCampaigns(ctx, auth.AllowAll{}, []CampaignConfig{config(creator, 1_000, "ok"), bad})
				require.ErrorIs(t, err, ErrInvalidConfig)
				require.Empty(t, fx.factory.Campaigns())
				require.Empty(t, fx.recorder.Events())
			})
		}
	})

	t.Run("requires every creator", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		alice := solana.NewWallet()
		bob := solana.NewWallet()
		configs := []CampaignConfig{
			config(alice.PublicKey(), 100, "a"),
			config(bob.PublicKey(), 100, "b"),
		}

		_, err := fx.factory.CreateCampaigns(ctx, auth.Only{alice.PublicKey()}, configs)
		require.ErrorIs(t, err, campaign.ErrAborted)
		require.Empty(t, fx.factory.Campaigns())

		signed, err := auth.Sign(fx.factory.Invocation(configs), 1, alice.PrivateKey, bob.PrivateKey)
		require.NoError(t, err)
		addrs, err := fx.factory.CreateCampaigns(ctx, signed, configs)
		require.NoError(t, err)
		require.Len(t, addrs, 2)

		_, err = fx.factory.CreateCampaigns(ctx, signed, configs)
		require.ErrorIs(t, err, auth.ErrNonceNotFresh)
	})
}

func TestEscrow_Factory_Open(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fx := newFixture(t)
	creator := solana.NewWallet().PublicKey()
	addrs, err := fx.factory.CreateCampaigns(ctx, auth.AllowAll{}, []CampaignConfig{
		config(creator, 100, "a"),
		config(creator, 200, "b"),
	})
	require.NoError(t, err)

	reopened := fx.open(t)
	require.Empty(t, reopened.Campaigns())
	require.NoError(t, reopened.Open(ctx))
	require.Equal(t, addrs, reopened.Campaigns())

	c, ok := reopened.Campaign(addrs[1])
	require.True(t, ok)
	goal, err := c.Goal(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(200), goal)

	_, ok = reopened.Campaign(solana.NewWallet().PublicKey())
	require.False(t, ok)
}
