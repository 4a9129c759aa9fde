package campaign

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

// view runs a read-only invocation. Nothing it touches is committed.
func (c *Contract) view(ctx context.Context, body func(e *env) error) error {
	return c.invoke(ctx, invocation{function: FnView}, body)
}

func (c *Contract) viewRecord(ctx context.Context) (*record, error) {
	var rec *record
	err := c.view(ctx, func(e *env) error {
		var err error
		rec, err = e.load()
		return err
	})
	return rec, err
}

func (c *Contract) TotalRaised(ctx context.Context) (uint64, error) {
	rec, err := c.viewRecord(ctx)
	if err != nil {
		return 0, err
	}
	return rec.TotalRaised, nil
}

func (c *Contract) TotalPledged(ctx context.Context) (uint64, error) {
	rec, err := c.viewRecord(ctx)
	if err != nil {
		return 0, err
	}
	return rec.TotalPledged, nil
}

func (c *Contract) Goal(ctx context.Context) (uint64, error) {
	rec, err := c.viewRecord(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Goal, nil
}

func (c *Contract) HardCap(ctx context.Context) (uint64, error) {
	rec, err := c.viewRecord(ctx)
	if err != nil {
		return 0, err
	}
	return rec.HardCap, nil
}

func (c *Contract) Deadline(ctx context.Context) (uint64, error) {
	rec, err := c.viewRecord(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Deadline, nil
}

func (c *Contract) MinContribution(ctx context.Context) (uint64, error) {
	rec, err := c.viewRecord(ctx)
	if err != nil {
		return 0, err
	}
	return rec.MinContribution, nil
}

func (c *Contract) Creator(ctx context.Context) (solana.PublicKey, error) {
	rec, err := c.viewRecord(ctx)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return rec.Creator, nil
}

func (c *Contract) Status(ctx context.Context) (Status, error) {
	rec, err := c.viewRecord(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Status, nil
}

func (c *Contract) principalAmount(ctx context.Context, r role, p solana.PublicKey) (uint64, error) {
	var v uint64
	err := c.view(ctx, func(e *env) error {
		if _, err := e.load(); err != nil {
			return err
		}
		var err error
		v, err = e.amount(r, p)
		return err
	})
	return v, err
}

// Contribution returns the amount currently recorded for contributor.
func (c *Contract) Contribution(ctx context.Context, contributor solana.PublicKey) (uint64, error) {
	return c.principalAmount(ctx, roleContribution, contributor)
}

// PledgeOf returns pledger's outstanding pledge.
func (c *Contract) PledgeOf(ctx context.Context, pledger solana.PublicKey) (uint64, error) {
	return c.principalAmount(ctx, rolePledge, pledger)
}

// ReferralTally returns the total contributed under referrer.
func (c *Contract) ReferralTally(ctx context.Context, referrer solana.PublicKey) (uint64, error) {
	return c.principalAmount(ctx, roleReferral, referrer)
}

func (c *Contract) IsWhitelisted(ctx context.Context, p solana.PublicKey) (bool, error) {
	var ok bool
	err := c.view(ctx, func(e *env) error {
		if _, err := e.load(); err != nil {
			return err
		}
		var err error
		ok, err = e.flag(roleWhitelist, p)
		return err
	})
	return ok, err
}

func (c *Contract) Contributors(ctx context.Context) ([]solana.PublicKey, error) {
	return c.principalList(ctx, keyContributors)
}

func (c *Contract) Pledgers(ctx context.Context) ([]solana.PublicKey, error) {
	return c.principalList(ctx, keyPledgers)
}

func (c *Contract) principalList(ctx context.Context, key string) ([]solana.PublicKey, error) {
	var list solana.PublicKeySlice
	err := c.view(ctx, func(e *env) error {
		if _, err := e.load(); err != nil {
			return err
		}
		var err error
		list, err = e.principals(key)
		return err
	})
	return list, err
}

func (c *Contract) Roadmap(ctx context.Context) ([]RoadmapItem, error) {
	var items []RoadmapItem
	err := c.view(ctx, func(e *env) error {
		if _, err := e.load(); err != nil {
			return err
		}
		_, err := e.getJSON(state.Instance, keyRoadmap, &items)
		return err
	})
	if items == nil {
		items = []RoadmapItem{}
	}
	return items, err
}

func (c *Contract) Metadata(ctx context.Context) (Metadata, error) {
	var m Metadata
	err := c.view(ctx, func(e *env) error {
		if _, err := e.load(); err != nil {
			return err
		}
		_, err := e.getJSON(state.Instance, keyMetadata, &m)
		return err
	})
	return m, err
}

// Info returns the configuration, totals and metadata in one snapshot.
func (c *Contract) Info(ctx context.Context) (Info, error) {
	var info Info
	err := c.view(ctx, func(e *env) error {
		rec, err := e.load()
		if err != nil {
			return err
		}
		var m Metadata
		if _, err := e.getJSON(state.Instance, keyMetadata, &m); err != nil {
			return err
		}
		info = Info{
			Address:              c.cfg.Address,
			Creator:              rec.Creator,
			Asset:                rec.Asset,
			Goal:                 rec.Goal,
			HardCap:              rec.HardCap,
			Deadline:             rec.Deadline,
			MinContribution:      rec.MinContribution,
			Status:               rec.Status,
			TotalRaised:          rec.TotalRaised,
			TotalPledged:         rec.TotalPledged,
			Platform:             rec.Platform,
			RewardCollection:     rec.RewardCollection,
			ContributionCooldown: rec.ContributionCooldown,
			WhitelistEnabled:     rec.WhitelistEnabled,
			Title:                m.Title,
			Description:          m.Description,
			SocialLinks:          m.SocialLinks,
		}
		return nil
	})
	return info, err
}

// Stats derives progress and contribution figures from current state.
func (c *Contract) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.view(ctx, func(e *env) error {
		rec, err := e.load()
		if err != nil {
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
		// Refunded backers keep their list slot but hold a zero entry; they
		// no longer count as contributors.
		var largest, backers uint64
		for _, p := range contributors {
			amt, err := e.amount(roleContribution, p)
			if err != nil {
				return err
			}
			if amt > 0 {
				backers++
			}
			largest = max(largest, amt)
		}
		st = Stats{
			TotalRaised:         rec.TotalRaised,
			TotalPledged:        rec.TotalPledged,
			Goal:                rec.Goal,
			ProgressBps:         progressBps(rec.TotalRaised, rec.Goal),
			ContributorCount:    backers,
			PledgerCount:        uint64(len(pledgers)),
			LargestContribution: largest,
		}
		if st.ContributorCount > 0 {
			st.AverageContribution = rec.TotalRaised / st.ContributorCount
		}
		return nil
	})
	return st, err
}

// progressBps is raised/goal in basis points, capped at 100%.
func progressBps(raised, goal uint64) uint64 {
	if goal == 0 {
		return 0
	}
	bps, ok := mulDiv(raised, MaxFeeBps, goal)
	if !ok || bps > MaxFeeBps {
		return MaxFeeBps
	}
	return bps
}

func (c *Contract) Version() string {
	return Version
}
