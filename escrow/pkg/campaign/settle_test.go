package campaign

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/collectible"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	laketesting "github.com/malbeclabs/crowdfund/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestEscrow_Campaign_Withdraw(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pays creator and platform", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		p := f.params(1_000_000)
		p.Platform = &PlatformConfig{Recipient: f.platform, FeeBps: 250}
		f.init(p)
		alice := f.fund(600_000)
		bob := f.fund(500_000)

		f.contribute(alice, 600_000)
		f.contribute(bob, 500_000)
		f.pastDeadline()

		res, err := f.contract.Withdraw(ctx, auth.Only{f.creator})
		require.NoError(t, err)
		require.Equal(t, WithdrawResult{Total: 1_100_000, Fee: 27_500, Payout: 1_072_500}, res)
		require.Equal(t, uint64(27_500), f.balance(f.platform))
		require.Equal(t, uint64(1_072_500), f.balance(f.creator))
		require.Zero(t, f.custody())
		require.Zero(t, f.totalRaised())
		require.Equal(t, StatusSuccessful, f.status())

		// Contribution records survive settlement.
		require.Equal(t, uint64(600_000), f.contribution(alice))

		topics := f.recorder.Topics()
		require.Equal(t, []string{events.TopicFeeTransferred, events.TopicWithdrawn}, topics[len(topics)-2:])
	})

	t.Run("without platform pays everything to creator", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(100))
		alice := f.fund(150)
		f.contribute(alice, 150)
		f.pastDeadline()

		res, err := f.contract.Withdraw(ctx, auth.AllowAll{})
		require.NoError(t, err)
		require.Zero(t, res.Fee)
		require.Equal(t, uint64(150), f.balance(f.creator))
		require.Empty(t, f.recorder.ByTopic(events.TopicFeeTransferred))
	})

	t.Run("gating", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		alice := f.fund(2_000)
		f.contribute(alice, 999)

		_, err := f.contract.Withdraw(ctx, auth.AllowAll{})
		require.ErrorIs(t, err, ErrCampaignStillActive)

		f.pastDeadline()
		_, err = f.contract.Withdraw(ctx, auth.AllowAll{})
		require.ErrorIs(t, err, ErrGoalNotReached)
	})

	t.Run("only creator", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(100))
		alice := f.fund(100)
		f.contribute(alice, 100)
		f.pastDeadline()

		_, err := f.contract.Withdraw(ctx, auth.Only{alice})
		requireAborted(t, err)
		require.Equal(t, StatusActive, f.status())
		require.Equal(t, uint64(100), f.custody())
	})

	t.Run("second withdrawal fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(100))
		alice := f.fund(100)
		f.contribute(alice, 100)
		f.pastDeadline()

		_, err := f.contract.Withdraw(ctx, auth.AllowAll{})
		require.NoError(t, err)
		_, err = f.contract.Withdraw(ctx, auth.AllowAll{})
		require.ErrorIs(t, err, ErrCampaignNotActive)
		require.Equal(t, uint64(100), f.balance(f.creator))
	})
}

type failingMinter struct {
	fail  solana.PublicKey
	inner Minter
}

func (m failingMinter) Mint(ctx context.Context, target, owner solana.PublicKey) (uint64, error) {
	if owner.Equals(m.fail) {
		return 0, errors.New("collection paused")
	}
	return m.inner.Mint(ctx, target, owner)
}

func TestEscrow_Campaign_RewardMint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("mints one collectible per backer after payout", func(t *testing.T) {
		t.Parallel()
		var coll *collectible.Collection
		var bob solana.PublicKey
		f := newFixture(t, func(cfg *Config) {
			var err error
			coll, err = collectible.NewCollection(collectible.Config{Logger: laketesting.NewLogger(), Backend: cfg.Backend})
			require.NoError(t, err)
			bob = solana.NewWallet().PublicKey()
			cfg.Minter = failingMinter{fail: bob, inner: coll}
		})
		target := solana.NewWallet().PublicKey()
		p := f.params(300)
		p.RewardCollection = &target
		f.init(p)

		alice := f.fund(200)
		carol := f.fund(200)
		f.mint(bob, 200)
		f.contribute(alice, 200)
		f.contribute(bob, 100)
		f.contribute(carol, 50)
		f.pastDeadline()

		res, err := f.contract.Withdraw(ctx, auth.AllowAll{})
		require.NoError(t, err)
		require.Equal(t, uint64(350), res.Payout)
		require.Equal(t, StatusSuccessful, f.status())

		for _, owner := range []solana.PublicKey{alice, carol} {
			n, err := coll.Holdings(ctx, target, owner)
			require.NoError(t, err)
			require.Equal(t, uint64(1), n)
		}
		n, err := coll.Holdings(ctx, target, bob)
		require.NoError(t, err)
		require.Zero(t, n)
		require.Len(t, f.recorder.ByTopic(events.TopicNFTMinted), 2)
	})
}

func TestEscrow_Campaign_CollectPledges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("pulls pledges and settles", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		alice := f.fund(600)
		dave := f.fund(500)

		f.contribute(alice, 600)
		require.NoError(t, f.contract.Pledge(ctx, auth.AllowAll{}, dave, 400))
		f.approve(dave, 400)
		f.pastDeadline()

		_, err := f.contract.Withdraw(ctx, auth.AllowAll{})
		require.ErrorIs(t, err, ErrGoalNotReached)

		res, err := f.contract.CollectPledges(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, CollectResult{Collected: 400, Count: 1, Complete: true}, res)
		require.Equal(t, uint64(1_000), f.totalRaised())
		require.Equal(t, uint64(1_000), f.custody())
		require.Equal(t, uint64(400), f.contribution(dave))
		require.Equal(t, uint64(100), f.balance(dave))

		w, err := f.contract.Withdraw(ctx, auth.AllowAll{})
		require.NoError(t, err)
		require.Equal(t, uint64(1_000), w.Payout)
	})

	t.Run("skips failed pulls", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		dave := f.fund(700)
		erin := f.fund(100)

		require.NoError(t, f.contract.Pledge(ctx, auth.AllowAll{}, dave, 700))
		require.NoError(t, f.contract.Pledge(ctx, auth.AllowAll{}, erin, 300))
		f.approve(dave, 700)
		f.approve(erin, 300)
		f.pastDeadline()

		res, err := f.contract.CollectPledges(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, CollectResult{Collected: 700, Count: 1, Failed: 1, Outstanding: 300, Complete: true}, res)
		require.Equal(t, uint64(700), f.totalRaised())
		left, err := f.contract.PledgeOf(ctx, erin)
		require.NoError(t, err)
		require.Equal(t, uint64(300), left)

		f.mint(erin, 200)
		res, err = f.contract.CollectPledges(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, CollectResult{Collected: 300, Count: 1, Complete: true}, res)
		require.Equal(t, uint64(1_000), f.totalRaised())
	})

	t.Run("is bounded per call", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(cfg *Config) { cfg.MaxBatchSize = 2 })
		f.init(f.params(300))
		for range 3 {
			p := f.fund(100)
			require.NoError(t, f.contract.Pledge(ctx, auth.AllowAll{}, p, 100))
			f.approve(p, 100)
		}
		f.pastDeadline()

		res, err := f.contract.CollectPledges(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 2, res.Count)
		require.Equal(t, uint64(100), res.Outstanding)
		res, err = f.contract.CollectPledges(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, 1, res.Count)
		require.Zero(t, res.Outstanding)
	})

	t.Run("partial pass keeps refunds closed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		dave := f.fund(600)
		erin := f.fund(600)
		for _, p := range []solana.PublicKey{dave, erin} {
			require.NoError(t, f.contract.Pledge(ctx, auth.AllowAll{}, p, 600))
			f.approve(p, 600)
		}
		f.pastDeadline()

		res, err := f.contract.CollectPledges(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, CollectResult{Collected: 600, Count: 1, Outstanding: 600}, res)

		_, err = f.contract.Refund(ctx, 0)
		require.ErrorIs(t, err, ErrGoalReached)
		_, err = f.contract.RefundSingle(ctx, auth.AllowAll{}, dave)
		require.ErrorIs(t, err, ErrGoalReached)
		require.Equal(t, StatusActive, f.status())

		res, err = f.contract.CollectPledges(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, CollectResult{Collected: 600, Count: 1, Complete: true}, res)
		w, err := f.contract.Withdraw(ctx, auth.AllowAll{})
		require.NoError(t, err)
		require.Equal(t, uint64(1_200), w.Payout)
		require.Equal(t, StatusSuccessful, f.status())
	})

	t.Run("failed pulls do not starve later pledgers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(cfg *Config) { cfg.MaxBatchSize = 2 })
		f.init(f.params(1_000))
		for range 2 {
			p := f.fund(250)
			require.NoError(t, f.contract.Pledge(ctx, auth.AllowAll{}, p, 250))
		}
		frank := f.fund(1_000)
		require.NoError(t, f.contract.Pledge(ctx, auth.AllowAll{}, frank, 1_000))
		f.approve(frank, 1_000)
		f.pastDeadline()

		res, err := f.contract.CollectPledges(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, CollectResult{Failed: 2, Outstanding: 1_500}, res)

		res, err = f.contract.CollectPledges(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, CollectResult{Collected: 1_000, Count: 1, Outstanding: 500, Complete: true}, res)
		require.Equal(t, uint64(1_000), f.totalRaised())
		require.Equal(t, uint64(1_000), f.contribution(frank))

		// The next pass starts over and retries the failed pulls.
		res, err = f.contract.CollectPledges(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, CollectResult{Failed: 2, Outstanding: 500}, res)
	})

	t.Run("gating", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		dave := f.fund(500)
		require.NoError(t, f.contract.Pledge(ctx, auth.AllowAll{}, dave, 500))

		_, err := f.contract.CollectPledges(ctx, 0)
		require.ErrorIs(t, err, ErrCampaignStillActive)
		f.pastDeadline()
		_, err = f.contract.CollectPledges(ctx, 0)
		require.ErrorIs(t, err, ErrGoalNotReached)
	})
}

func TestEscrow_Campaign_Refund(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("refund single then no-op", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000_000))
		carol := f.fund(300_000)
		f.contribute(carol, 300_000)
		f.pastDeadline()

		amt, err := f.contract.RefundSingle(ctx, auth.Only{carol}, carol)
		require.NoError(t, err)
		require.Equal(t, uint64(300_000), amt)
		require.Equal(t, uint64(300_000), f.balance(carol))
		require.Zero(t, f.contribution(carol))
		require.Zero(t, f.totalRaised())
		require.Equal(t, StatusRefunded, f.status())

		amt, err = f.contract.RefundSingle(ctx, auth.Only{carol}, carol)
		require.NoError(t, err)
		require.Zero(t, amt)
		require.Equal(t, uint64(300_000), f.balance(carol))
		require.Len(t, f.recorder.ByTopic(events.TopicRefunded), 1)
	})

	t.Run("refund single keeps campaign open until last balance", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		alice := f.fund(100)
		bob := f.fund(200)
		f.contribute(alice, 100)
		f.contribute(bob, 200)
		f.pastDeadline()

		_, err := f.contract.RefundSingle(ctx, auth.AllowAll{}, alice)
		require.NoError(t, err)
		require.Equal(t, StatusActive, f.status())
		require.Equal(t, uint64(200), f.totalRaised())
		require.Equal(t, uint64(200), f.custody())

		_, err = f.contract.RefundSingle(ctx, auth.Only{alice}, bob)
		requireAborted(t, err)

		_, err = f.contract.RefundSingle(ctx, auth.AllowAll{}, bob)
		require.NoError(t, err)
		require.Equal(t, StatusRefunded, f.status())
		require.Zero(t, f.custody())
	})

	t.Run("batch refund resumes across calls", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(cfg *Config) { cfg.MaxBatchSize = 2 })
		f.init(f.params(1_000))
		backers := make([]solana.PublicKey, 3)
		for i := range backers {
			backers[i] = f.fund(100)
			f.contribute(backers[i], 100)
		}
		f.pastDeadline()

		res, err := f.contract.Refund(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, RefundResult{Refunded: 200, Count: 2, Remaining: 100, Status: StatusActive}, res)

		res, err = f.contract.Refund(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, RefundResult{Refunded: 100, Count: 1, Remaining: 0, Status: StatusRefunded}, res)

		res, err = f.contract.Refund(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, RefundResult{Status: StatusRefunded}, res)

		for _, b := range backers {
			require.Equal(t, uint64(100), f.balance(b))
			require.Zero(t, f.contribution(b))
		}
		require.Zero(t, f.custody())
	})

	t.Run("batch skips entries already refunded singly", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		alice := f.fund(100)
		bob := f.fund(100)
		f.contribute(alice, 100)
		f.contribute(bob, 100)
		f.pastDeadline()

		_, err := f.contract.RefundSingle(ctx, auth.AllowAll{}, alice)
		require.NoError(t, err)
		res, err := f.contract.Refund(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, 1, res.Count)
		require.Equal(t, StatusRefunded, res.Status)
		require.Equal(t, uint64(100), f.balance(alice))
		require.Equal(t, uint64(100), f.balance(bob))
	})

	t.Run("empty failed campaign becomes refunded", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		f.pastDeadline()
		res, err := f.contract.Refund(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, StatusRefunded, res.Status)
	})

	t.Run("gating", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(100))
		alice := f.fund(100)
		f.contribute(alice, 100)

		_, err := f.contract.Refund(ctx, 0)
		require.ErrorIs(t, err, ErrCampaignStillActive)
		_, err = f.contract.RefundSingle(ctx, auth.AllowAll{}, alice)
		require.ErrorIs(t, err, ErrCampaignStillActive)

		f.pastDeadline()
		_, err = f.contract.Refund(ctx, 0)
		require.ErrorIs(t, err, ErrGoalReached)

		_, err = f.contract.Withdraw(ctx, auth.AllowAll{})
		require.NoError(t, err)
		_, err = f.contract.RefundSingle(ctx, auth.AllowAll{}, alice)
		require.ErrorIs(t, err, ErrGoalReached)
	})

	t.Run("uncollected pledges that would meet the goal block refunds", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		alice := f.fund(600)
		dave := f.fund(400)
		f.contribute(alice, 600)
		require.NoError(t, f.contract.Pledge(ctx, auth.AllowAll{}, dave, 400))
		f.pastDeadline()

		_, err := f.contract.Refund(ctx, 0)
		require.ErrorIs(t, err, ErrGoalReached)

		// Dave never approved, so collection fails and refunds open up.
		res, err := f.contract.CollectPledges(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, 1, res.Failed)

		rr, err := f.contract.Refund(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, StatusRefunded, rr.Status)
		require.Equal(t, uint64(600), f.balance(alice))

		_, err = f.contract.CollectPledges(ctx, 0)
		require.ErrorIs(t, err, ErrCampaignNotActive)
	})
}

func TestEscrow_Campaign_Cancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creator cancels and backers reclaim", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(1_000))
		alice := f.fund(300)
		bob := f.fund(300)
		f.contribute(alice, 300)
		f.contribute(bob, 200)

		requireAborted(t, f.contract.Cancel(ctx, auth.Only{alice}))
		require.NoError(t, f.contract.Cancel(ctx, auth.Only{f.creator}))
		require.Equal(t, StatusCancelled, f.status())
		require.Len(t, f.recorder.ByTopic(events.TopicCancelled), 1)

		require.ErrorIs(t, f.contract.Contribute(ctx, auth.AllowAll{}, bob, 100, nil), ErrCampaignNotActive)
		_, err := f.contract.Withdraw(ctx, auth.AllowAll{})
		require.ErrorIs(t, err, ErrCampaignNotActive)
		require.ErrorIs(t, f.contract.Cancel(ctx, auth.AllowAll{}), ErrCampaignNotActive)

		// Refunds work before the deadline once cancelled.
		amt, err := f.contract.RefundSingle(ctx, auth.AllowAll{}, alice)
		require.NoError(t, err)
		require.Equal(t, uint64(300), amt)
		res, err := f.contract.Refund(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, uint64(200), res.Refunded)
		require.Equal(t, StatusCancelled, res.Status)
		require.Zero(t, f.custody())
		require.Equal(t, uint64(300), f.balance(bob))
	})

	t.Run("cannot cancel a funded campaign after deadline", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.init(f.params(100))
		alice := f.fund(100)
		f.contribute(alice, 100)
		f.pastDeadline()
		require.ErrorIs(t, f.contract.Cancel(ctx, auth.AllowAll{}), ErrGoalReached)
	})
}

// TestEscrow_Campaign_Conservation checks custody against recorded totals
// through a mixed sequence of operations.
func TestEscrow_Campaign_Conservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	f.init(f.params(10_000))
	backers := make([]solana.PublicKey, 5)
	for i := range backers {
		backers[i] = f.fund(1_000)
	}
	check := func() {
		var sum uint64
		for _, b := range backers {
			sum += f.contribution(b)
		}
		require.Equal(t, f.totalRaised(), sum)
		require.Equal(t, f.totalRaised(), f.custody())
	}

	for i, b := range backers {
		f.contribute(b, uint64(100*(i+1)))
		check()
	}
	require.Error(t, f.contract.Contribute(ctx, auth.AllowAll{}, backers[0], 5_000, nil))
	check()

	f.pastDeadline()
	_, err := f.contract.RefundSingle(ctx, auth.AllowAll{}, backers[2])
	require.NoError(t, err)
	check()
	_, err = f.contract.Refund(ctx, 2)
	require.NoError(t, err)
	check()
	_, err = f.contract.Refund(ctx, 0)
	require.NoError(t, err)
	check()
	require.Equal(t, StatusRefunded, f.status())
	for _, b := range backers {
		require.Equal(t, uint64(1_000), f.balance(b))
	}
}
