package campaign

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/asset"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	"github.com/malbeclabs/crowdfund/escrow/pkg/metrics"
)

func (c *Contract) batchLimit(limit int) int {
	if limit <= 0 || limit > c.cfg.MaxBatchSize {
		return c.cfg.MaxBatchSize
	}
	return limit
}

// CollectPledges pulls outstanding pledges into custody once the deadline has
// passed and raised plus pledged meets the goal. Anyone may call it. A pull
// that fails for lack of balance or allowance is skipped and stays
// outstanding. At most limit pledger entries are visited per call, resuming
// where the previous call stopped; a call that reaches the end of the pledger
// list completes a pass and the next call starts over to retry failed pulls.
// Refunds only ignore outstanding pledges once a full pass has completed.
func (c *Contract) CollectPledges(ctx context.Context, limit int) (CollectResult, error) {
	limit = c.batchLimit(limit)
	var res CollectResult
	inv := invocation{function: FnCollectPledges, args: []any{limit}, writable: true}
	err := c.invoke(ctx, inv, func(e *env) error {
		res = CollectResult{}
		rec, err := e.load()
		if err != nil {
			return err
		}
		if rec.Status != StatusActive {
			return ErrCampaignNotActive
		}
		if e.now <= rec.Deadline {
			return ErrCampaignStillActive
		}
		if rec.Refunding {
			return ErrGoalNotReached
		}
		sum, err := checkedAdd(rec.TotalRaised, rec.TotalPledged)
		if err != nil {
			return err
		}
		if sum < rec.Goal {
			return ErrGoalNotReached
		}

		pledgers, err := e.principals(keyPledgers)
		if err != nil {
			return err
		}
		cur, err := e.cursor(keyCollectCursor)
		if err != nil {
			return err
		}
		if cur > uint64(len(pledgers)) {
			cur = 0
		}
		for visited := 0; cur < uint64(len(pledgers)) && visited < limit; visited++ {
			p := pledgers[cur]
			cur++
			amt, err := e.amount(rolePledge, p)
			if err != nil {
				return err
			}
			if amt == 0 {
				continue
			}
			err = c.cfg.Assets.TransferFrom(ctx, e.tx, rec.Asset, c.cfg.Address, p, c.cfg.Address, amt)
			if errors.Is(err, asset.ErrInsufficientBalance) || errors.Is(err, asset.ErrInsufficientAllowance) {
				res.Failed++
				c.log.Warn("campaign: pledge pull failed", "pledger", p.String(), "amount", amt, "error", err)
				continue
			}
			if err != nil {
				return abort("pledge transfer failed", err)
			}
			if err := e.creditCollected(rec, p, amt); err != nil {
				return err
			}
			res.Collected += amt
			res.Count++
		}
		if cur >= uint64(len(pledgers)) || rec.TotalPledged == 0 {
			rec.PledgesCollected = true
			res.Complete = true
			cur = 0
		}
		if err := e.setCursor(keyCollectCursor, cur); err != nil {
			return err
		}
		if err := e.save(rec); err != nil {
			return err
		}
		res.Outstanding = rec.TotalPledged
		e.emit(events.TopicPledgesCollected, map[string]any{
			"collected":    res.Collected,
			"count":        res.Count,
			"failed":       res.Failed,
			"outstanding":  res.Outstanding,
			"complete":     res.Complete,
			"total_raised": rec.TotalRaised,
		})
		failed, collected := res.Failed, res.Collected
		e.onCommit(func(context.Context) {
			metrics.PledgeCollectionFailuresTotal.Add(float64(failed))
			metrics.TransferredAmountTotal.WithLabelValues("in", FnCollectPledges).Add(float64(collected))
		})
		return nil
	})
	if err != nil {
		return CollectResult{}, err
	}
	return res, nil
}

// creditCollected turns a pulled pledge into a contribution.
func (e *env) creditCollected(rec *record, p solana.PublicKey, amt uint64) error {
	prev, err := e.amount(roleContribution, p)
	if err != nil {
		return err
	}
	balance, err := checkedAdd(prev, amt)
	if err != nil {
		return err
	}
	raised, err := checkedAdd(rec.TotalRaised, amt)
	if err != nil {
		return err
	}
	pledged, ok := checkedSub(rec.TotalPledged, amt)
	if !ok {
		return abortf("pledge total underflow: %d < %d", rec.TotalPledged, amt)
	}
	if err := e.setAmount(rolePledge, p, 0); err != nil {
		return err
	}
	if err := e.setAmount(roleContribution, p, balance); err != nil {
		return err
	}
	if prev == 0 {
		if err := e.appendPrincipal(keyContributors, p); err != nil {
			return err
		}
	}
	rec.TotalRaised = raised
	rec.TotalPledged = pledged
	return nil
}

// Withdraw pays out a successful campaign to its creator, less the platform
// fee. The campaign is marked successful before any asset leaves custody.
func (c *Contract) Withdraw(ctx context.Context, authz auth.Authorizer) (WithdrawResult, error) {
	var res WithdrawResult
	inv := invocation{function: FnWithdraw, authz: authz, writable: true}
	err := c.invoke(ctx, inv, func(e *env) error {
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
		if e.now <= rec.Deadline {
			return ErrCampaignStillActive
		}
		if rec.TotalRaised < rec.Goal {
			return ErrGoalNotReached
		}

		var feeBps uint16
		if rec.Platform != nil {
			feeBps = rec.Platform.FeeBps
		}
		total := rec.TotalRaised
		fee, payout, err := SplitFee(total, feeBps)
		if err != nil {
			return err
		}

		rec.TotalRaised = 0
		rec.Status = StatusSuccessful
		if err := e.save(rec); err != nil {
			return err
		}

		if fee > 0 {
			if err := c.cfg.Assets.Transfer(ctx, e.tx, rec.Asset, c.cfg.Address, rec.Platform.Recipient, fee); err != nil {
				return abort("fee transfer failed", err)
			}
			e.emit(events.TopicFeeTransferred, map[string]any{
				"recipient": rec.Platform.Recipient.String(),
				"fee":       fee,
				"fee_bps":   feeBps,
			})
		}
		if payout > 0 {
			if err := c.cfg.Assets.Transfer(ctx, e.tx, rec.Asset, c.cfg.Address, rec.Creator, payout); err != nil {
				return abort("payout transfer failed", err)
			}
		}
		e.emit(events.TopicWithdrawn, map[string]any{
			"creator": rec.Creator.String(),
			"total":   total,
			"fee":     fee,
			"payout":  payout,
		})

		if rec.RewardCollection != nil && c.cfg.Minter != nil {
			backers, err := e.backers()
			if err != nil {
				return err
			}
			target := *rec.RewardCollection
			e.onCommit(func(ctx context.Context) {
				c.mintRewards(ctx, target, backers, e.now)
			})
		}
		e.onCommit(func(context.Context) {
			metrics.TransferredAmountTotal.WithLabelValues("out", "payout").Add(float64(payout))
			metrics.TransferredAmountTotal.WithLabelValues("out", "fee").Add(float64(fee))
		})
		res = WithdrawResult{Total: total, Fee: fee, Payout: payout}
		c.log.Info("campaign: withdrawn", "total", total, "fee", fee, "payout", payout)
		return nil
	})
	if err != nil {
		return WithdrawResult{}, err
	}
	return res, nil
}

// backers lists contributors with a non-zero recorded contribution.
func (e *env) backers() ([]solana.PublicKey, error) {
	list, err := e.principals(keyContributors)
	if err != nil {
		return nil, err
	}
	out := make([]solana.PublicKey, 0, len(list))
	for _, p := range list {
		amt, err := e.amount(roleContribution, p)
		if err != nil {
			return nil, err
		}
		if amt > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// mintRewards is best-effort: a failed mint is logged and counted, and the
// committed payout stands.
func (c *Contract) mintRewards(ctx context.Context, target solana.PublicKey, backers []solana.PublicKey, ledger uint64) {
	minted := make([]events.Event, 0, len(backers))
	for _, p := range backers {
		id, err := c.cfg.Minter.Mint(ctx, target, p)
		if err != nil {
			metrics.RewardMintsTotal.WithLabelValues("error").Inc()
			c.log.Warn("campaign: reward mint failed", "collection", target.String(), "owner", p.String(), "error", err)
			continue
		}
		metrics.RewardMintsTotal.WithLabelValues("ok").Inc()
		minted = append(minted, events.New(c.cfg.Address, events.TopicNFTMinted, ledger, map[string]any{
			"collection": target.String(),
			"owner":      p.String(),
			"token_id":   id,
		}))
	}
	if len(minted) > 0 {
		c.cfg.Events.Publish(ctx, minted...)
	}
}

// checkRefundable gates both refund paths. done is true when the campaign is
// already fully refunded and the call should be a no-op.
func (e *env) checkRefundable(rec *record) (done bool, err error) {
	switch rec.Status {
	case StatusRefunded:
		return true, nil
	case StatusSuccessful:
		return false, ErrGoalReached
	case StatusCancelled:
		return false, nil
	}
	if e.now <= rec.Deadline {
		return false, ErrCampaignStillActive
	}
	if rec.TotalRaised >= rec.Goal {
		return false, ErrGoalReached
	}
	if !rec.PledgesCollected {
		sum, err := checkedAdd(rec.TotalRaised, rec.TotalPledged)
		if err != nil {
			return false, err
		}
		if sum >= rec.Goal {
			return false, ErrGoalReached
		}
	}
	return false, nil
}

// refundOne zeroes p's entry before returning bal to p.
func (e *env) refundOne(rec *record, p solana.PublicKey, bal uint64) error {
	remaining, ok := checkedSub(rec.TotalRaised, bal)
	if !ok {
		return abortf("refund underflow: total %d < balance %d", rec.TotalRaised, bal)
	}
	if err := e.setAmount(roleContribution, p, 0); err != nil {
		return err
	}
	rec.TotalRaised = remaining
	if rec.Status == StatusActive {
		rec.Refunding = true
		if remaining == 0 {
			rec.Status = StatusRefunded
		}
	}
	if err := e.c.cfg.Assets.Transfer(e.ctx, e.tx, rec.Asset, e.c.cfg.Address, p, bal); err != nil {
		return abort("refund transfer failed", err)
	}
	e.emit(events.TopicRefunded, map[string]any{
		"contributor": p.String(),
		"amount":      bal,
		"remaining":   remaining,
	})
	return nil
}

// Refund returns contributions to backers of a failed or cancelled campaign,
// visiting at most limit contributor entries per call. Repeated calls resume
// where the previous one stopped. The campaign becomes refunded once the last
// outstanding contribution is returned.
func (c *Contract) Refund(ctx context.Context, limit int) (RefundResult, error) {
	limit = c.batchLimit(limit)
	var res RefundResult
	inv := invocation{function: FnRefund, args: []any{limit}, writable: true}
	err := c.invoke(ctx, inv, func(e *env) error {
		res = RefundResult{}
		rec, err := e.load()
		if err != nil {
			return err
		}
		done, err := e.checkRefundable(rec)
		if err != nil {
			return err
		}
		if done {
			res.Status = rec.Status
			return nil
		}

		contributors, err := e.principals(keyContributors)
		if err != nil {
			return err
		}
		if len(contributors) == 0 && rec.TotalRaised > 0 {
			return abortf("contributor list lapsed with %d still in custody", rec.TotalRaised)
		}
		cur, err := e.cursor(keyRefundCursor)
		if err != nil {
			return err
		}
		for visited := 0; cur < uint64(len(contributors)) && visited < limit; visited++ {
			p := contributors[cur]
			cur++
			bal, err := e.refundableBalance(rec, p, true)
			if err != nil {
				return err
			}
			if bal == 0 {
				continue
			}
			if err := e.refundOne(rec, p, bal); err != nil {
				return err
			}
			res.Refunded += bal
			res.Count++
		}
		if rec.Status == StatusActive && rec.TotalRaised == 0 {
			rec.Status = StatusRefunded
		}
		if err := e.setCursor(keyRefundCursor, cur); err != nil {
			return err
		}
		if err := e.save(rec); err != nil {
			return err
		}
		res.Remaining = rec.TotalRaised
		res.Status = rec.Status
		refunded := res.Refunded
		e.onCommit(func(context.Context) {
			metrics.TransferredAmountTotal.WithLabelValues("out", FnRefund).Add(float64(refunded))
		})
		c.log.Info("campaign: refund batch", "count", res.Count, "refunded", res.Refunded, "remaining", res.Remaining)
		return nil
	})
	if err != nil {
		return RefundResult{}, err
	}
	return res, nil
}

// RefundSingle returns the caller's own contribution. It is a no-op when
// nothing is recorded for contributor.
func (c *Contract) RefundSingle(ctx context.Context, authz auth.Authorizer, contributor solana.PublicKey) (uint64, error) {
	var refunded uint64
	inv := invocation{function: FnRefundSingle, args: []any{contributor}, authz: authz, writable: true}
	err := c.invoke(ctx, inv, func(e *env) error {
		refunded = 0
		rec, err := e.load()
		if err != nil {
			return err
		}
		if err := e.requireAuth(contributor); err != nil {
			return err
		}
		done, err := e.checkRefundable(rec)
		if err != nil || done {
			return err
		}
		bal, err := e.refundableBalance(rec, contributor, false)
		if err != nil {
			return err
		}
		if bal == 0 {
			return nil
		}
		if err := e.refundOne(rec, contributor, bal); err != nil {
			return err
		}
		if err := e.save(rec); err != nil {
			return err
		}
		refunded = bal
		e.onCommit(func(context.Context) {
			metrics.TransferredAmountTotal.WithLabelValues("out", FnRefundSingle).Add(float64(bal))
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return refunded, nil
}

// ExtendLeases renews the leases of the contributor ledger so that entries
// survive past the default refund window. Anyone may call it. At most limit
// principals are visited per call, contributors first and then pledgers,
// resuming where the previous call stopped. An entry that already lapsed
// aborts the call; it cannot be restored.
func (c *Contract) ExtendLeases(ctx context.Context, limit int) (ExtendResult, error) {
	limit = c.batchLimit(limit)
	var res ExtendResult
	inv := invocation{function: FnExtendLeases, args: []any{limit}, writable: true}
	err := c.invoke(ctx, inv, func(e *env) error {
		res = ExtendResult{}
		if _, err := e.load(); err != nil {
			return err
		}
		contributors, err := e.principals(keyContributors)
		if err != nil {
			return err
		}
		pledgers, err := e.principals(keyPledgers)
		if err != nil {
			return err
		}
		total := uint64(len(contributors) + len(pledgers))
		cur, err := e.cursor(keyLeaseCursor)
		if err != nil {
			return err
		}
		if cur > total {
			cur = 0
		}
		for visited := 0; cur < total && visited < limit; visited++ {
			r, p := roleContribution, solana.PublicKey{}
			if cur < uint64(len(contributors)) {
				p = contributors[cur]
			} else {
				r, p = rolePledge, pledgers[cur-uint64(len(contributors))]
			}
			cur++
			if _, ok, err := e.lookupAmount(r, p); err != nil {
				return err
			} else if ok {
				res.Extended++
			}
		}
		if cur >= total {
			res.Complete = true
			cur = 0
		}
		if err := e.setCursor(keyLeaseCursor, cur); err != nil {
			return err
		}
		c.log.Debug("campaign: leases extended", "count", res.Extended, "complete", res.Complete)
		return nil
	})
	if err != nil {
		return ExtendResult{}, err
	}
	return res, nil
}
