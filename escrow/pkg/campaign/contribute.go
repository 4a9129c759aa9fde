package campaign

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	"github.com/malbeclabs/crowdfund/escrow/pkg/metrics"
)

// admit runs the checks shared by contribute and pledge.
func (e *env) admit(rec *record, principal solana.PublicKey, amount uint64) error {
	if rec.Status != StatusActive {
		return ErrCampaignNotActive
	}
	if amount == 0 || amount < rec.MinContribution {
		return ErrInvalidAmount
	}
	if e.now > rec.Deadline {
		return ErrCampaignEnded
	}
	if rec.WhitelistEnabled {
		ok, err := e.flag(roleWhitelist, principal)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotWhitelisted
		}
	}
	return nil
}

// checkHardCap enforces total_raised + total_pledged <= hard cap.
func checkHardCap(rec *record, raised, pledged uint64) error {
	if rec.HardCap == 0 {
		return nil
	}
	sum, err := checkedAdd(raised, pledged)
	if err != nil {
		return err
	}
	if sum > rec.HardCap {
		return ErrHardCapExceeded
	}
	return nil
}

// Contribute moves amount from contributor into custody. A referrer other
// than the contributor is credited with the amount.
func (c *Contract) Contribute(ctx context.Context, authz auth.Authorizer, contributor solana.PublicKey, amount uint64, referrer *solana.PublicKey) error {
	inv := invocation{
		function: FnContribute,
		args:     []any{contributor, amount, optionalKey(referrer)},
		authz:    authz,
		writable: true,
	}
	return c.invoke(ctx, inv, func(e *env) error {
		rec, err := e.load()
		if err != nil {
			return err
		}
		if err := e.requireAuth(contributor); err != nil {
			return err
		}
		if err := e.admit(rec, contributor, amount); err != nil {
			return err
		}
		if rec.ContributionCooldown > 0 {
			last, err := e.amount(roleLastContribution, contributor)
			if err != nil {
				return err
			}
			if last > 0 {
				next, err := checkedAdd(last, rec.ContributionCooldown)
				if err != nil {
					return err
				}
				if e.now < next {
					return ErrRateLimitExceeded
				}
			}
		}

		// Compute every new value before the first write.
		prev, err := e.amount(roleContribution, contributor)
		if err != nil {
			return err
		}
		balance, err := checkedAdd(prev, amount)
		if err != nil {
			return err
		}
		total, err := checkedAdd(rec.TotalRaised, amount)
		if err != nil {
			return err
		}
		if err := checkHardCap(rec, total, rec.TotalPledged); err != nil {
			return err
		}
		if referrer != nil && referrer.Equals(contributor) {
			referrer = nil
		}
		var tally uint64
		if referrer != nil {
			cur, err := e.amount(roleReferral, *referrer)
			if err != nil {
				return err
			}
			if tally, err = checkedAdd(cur, amount); err != nil {
				return err
			}
		}

		if err := c.cfg.Assets.Transfer(ctx, e.tx, rec.Asset, contributor, c.cfg.Address, amount); err != nil {
			return abort("contribution transfer failed", err)
		}

		if err := e.setAmount(roleContribution, contributor, balance); err != nil {
			return err
		}
		rec.TotalRaised = total
		if err := e.save(rec); err != nil {
			return err
		}
		if prev == 0 {
			if err := e.appendPrincipal(keyContributors, contributor); err != nil {
				return err
			}
		}
		if err := e.setAmount(roleLastContribution, contributor, e.now); err != nil {
			return err
		}
		if referrer != nil {
			if err := e.setAmount(roleReferral, *referrer, tally); err != nil {
				return err
			}
		}

		e.emit(events.TopicContributed, map[string]any{
			"contributor":  contributor.String(),
			"amount":       amount,
			"total_raised": total,
		})
		if referrer != nil {
			e.emit(events.TopicReferral, map[string]any{
				"referrer":    referrer.String(),
				"contributor": contributor.String(),
				"amount":      amount,
				"tally":       tally,
			})
		}
		e.onCommit(func(context.Context) {
			metrics.TransferredAmountTotal.WithLabelValues("in", FnContribute).Add(float64(amount))
		})
		c.log.Debug("campaign: contributed", "contributor", contributor.String(), "amount", amount, "total_raised", total)
		return nil
	})
}

// Pledge records a promise to contribute amount. Nothing moves until
// collect_pledges runs after a successful deadline; the pledger must have
// approved the contract as spender by then.
func (c *Contract) Pledge(ctx context.Context, authz auth.Authorizer, pledger solana.PublicKey, amount uint64) error {
	inv := invocation{
		function: FnPledge,
		args:     []any{pledger, amount},
		authz:    authz,
		writable: true,
	}
	return c.invoke(ctx, inv, func(e *env) error {
		rec, err := e.load()
		if err != nil {
			return err
		}
		if err := e.requireAuth(pledger); err != nil {
			return err
		}
		if err := e.admit(rec, pledger, amount); err != nil {
			return err
		}
		prev, err := e.amount(rolePledge, pledger)
		if err != nil {
			return err
		}
		outstanding, err := checkedAdd(prev, amount)
		if err != nil {
			return err
		}
		total, err := checkedAdd(rec.TotalPledged, amount)
		if err != nil {
			return err
		}
		if err := checkHardCap(rec, rec.TotalRaised, total); err != nil {
			return err
		}

		if err := e.setAmount(rolePledge, pledger, outstanding); err != nil {
			return err
		}
		rec.TotalPledged = total
		if err := e.save(rec); err != nil {
			return err
		}
		if err := e.appendPrincipal(keyPledgers, pledger); err != nil {
			return err
		}
		e.emit(events.TopicPledged, map[string]any{
			"pledger":       pledger.String(),
			"amount":        amount,
			"total_pledged": total,
		})
		return nil
	})
}
