package campaign

import (
	"context"
	"time"

	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

// Initialize configures the campaign exactly once. The creator must
// authorize the call.
func (c *Contract) Initialize(ctx context.Context, authz auth.Authorizer, p InitParams) error {
	inv := invocation{function: FnInitialize, args: p.InvocationArgs(), authz: authz, writable: true}
	return c.invoke(ctx, inv, func(e *env) error {
		ok, err := e.initialized()
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyInitialized
		}
		if err := e.requireAuth(p.Creator); err != nil {
			return err
		}
		if p.Asset.IsZero() {
			return abortf("asset identifier is required")
		}
		if p.Goal == 0 {
			return ErrInvalidGoal
		}
		if p.Deadline <= e.now || p.Deadline-e.now > uint64(c.cfg.MaxDuration/time.Second) {
			return ErrInvalidDeadline
		}
		if p.HardCap != 0 && p.HardCap < p.Goal {
			return ErrInvalidHardCap
		}
		if p.Platform != nil {
			if p.Platform.FeeBps > MaxFeeBps {
				return abortf("fee rate %d exceeds %d bps", p.Platform.FeeBps, MaxFeeBps)
			}
			if p.Platform.Recipient.IsZero() {
				return abortf("platform recipient is required")
			}
		}

		e.deadline = p.Deadline
		rec := &record{
			Creator:              p.Creator,
			Asset:                p.Asset,
			Goal:                 p.Goal,
			HardCap:              p.HardCap,
			Deadline:             p.Deadline,
			MinContribution:      p.MinContribution,
			Status:               StatusActive,
			Platform:             p.Platform,
			RewardCollection:     p.RewardCollection,
			ContributionCooldown: p.ContributionCooldown,
			WhitelistEnabled:     p.WhitelistEnabled,
		}
		if err := e.put(state.Instance, keyCreator, p.Creator.Bytes()); err != nil {
			return err
		}
		if err := e.save(rec); err != nil {
			return err
		}
		if err := e.putJSON(state.Instance, keyRoadmap, []RoadmapItem{}); err != nil {
			return err
		}
		c.log.Info("campaign: initialized",
			"creator", p.Creator.String(),
			"asset", p.Asset.String(),
			"goal", p.Goal,
			"deadline", p.Deadline,
		)
		return nil
	})
}

// Cancel ends an active campaign early. Only the creator may cancel, and not
// once the deadline has passed with the goal met. Backers of a cancelled
// campaign reclaim their contributions through refund and refund_single;
// outstanding pledges are never collected.
func (c *Contract) Cancel(ctx context.Context, authz auth.Authorizer) error {
	inv := invocation{function: FnCancel, authz: authz, writable: true}
	return c.invoke(ctx, inv, func(e *env) error {
		rec, err := e.load()
		if err != nil {
			return err
		}
		if err := e.requireAuth(rec.Creator); err != nil {
			return err
		}
		if rec.Status != StatusActive {
			return ErrCampaignNotActive
		}
		if e.now > rec.Deadline && rec.TotalRaised >= rec.Goal {
			return ErrGoalReached
		}
		rec.Status = StatusCancelled
		if err := e.save(rec); err != nil {
			return err
		}
		e.emit(events.TopicCancelled, map[string]any{
			"creator":       rec.Creator.String(),
			"total_raised":  rec.TotalRaised,
			"total_pledged": rec.TotalPledged,
		})
		c.log.Info("campaign: cancelled", "total_raised", rec.TotalRaised)
		return nil
	})
}
