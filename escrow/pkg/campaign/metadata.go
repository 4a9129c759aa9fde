package campaign

import (
	"context"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

// creatorOnly loads the record and requires an active campaign authorized by
// its creator.
func (e *env) creatorOnly() (*record, error) {
	rec, err := e.load()
	if err != nil {
		return nil, err
	}
	if err := e.requireAuth(rec.Creator); err != nil {
		return nil, err
	}
	if rec.Status != StatusActive {
		return nil, ErrCampaignNotActive
	}
	return rec, nil
}

func (c *Contract) UpdateMetadata(ctx context.Context, authz auth.Authorizer, m Metadata) error {
	inv := invocation{
		function: FnUpdateMetadata,
		args:     m.InvocationArgs(),
		authz:    authz,
		writable: true,
	}
	return c.invoke(ctx, inv, func(e *env) error {
		if _, err := e.creatorOnly(); err != nil {
			return err
		}
		if err := m.validate(); err != nil {
			return err
		}
		if err := e.putJSON(state.Instance, keyMetadata, m); err != nil {
			return err
		}
		e.emit(events.TopicMetadataUpdated, map[string]any{
			"title": m.Title,
		})
		return nil
	})
}

// AddRoadmapItem appends a milestone dated strictly in the future.
func (c *Contract) AddRoadmapItem(ctx context.Context, authz auth.Authorizer, date uint64, description string) error {
	inv := invocation{
		function: FnAddRoadmapItem,
		args:     []any{date, description},
		authz:    authz,
		writable: true,
	}
	return c.invoke(ctx, inv, func(e *env) error {
		if _, err := e.creatorOnly(); err != nil {
			return err
		}
		if date <= e.now || strings.TrimSpace(description) == "" || len(description) > maxDescriptionLen {
			return ErrInvalidRoadmapItem
		}
		var items []RoadmapItem
		if _, err := e.getJSON(state.Instance, keyRoadmap, &items); err != nil {
			return err
		}
		items = append(items, RoadmapItem{Date: date, Description: description})
		if err := e.putJSON(state.Instance, keyRoadmap, items); err != nil {
			return err
		}
		e.emit(events.TopicRoadmapItemAdded, map[string]any{
			"date":        date,
			"description": description,
			"count":       len(items),
		})
		return nil
	})
}

// AddToWhitelist admits principals to a whitelisted campaign. Adding an
// existing member is a no-op for that member.
func (c *Contract) AddToWhitelist(ctx context.Context, authz auth.Authorizer, principals []solana.PublicKey) error {
	args := make([]any, len(principals))
	for i, p := range principals {
		args[i] = p
	}
	inv := invocation{function: FnAddToWhitelist, args: args, authz: authz, writable: true}
	return c.invoke(ctx, inv, func(e *env) error {
		if _, err := e.creatorOnly(); err != nil {
			return err
		}
		if len(principals) == 0 {
			return ErrEmptyWhitelist
		}
		for _, p := range principals {
			if err := e.setFlag(roleWhitelist, p); err != nil {
				return err
			}
		}
		e.emit(events.TopicWhitelistUpdated, map[string]any{
			"added": len(principals),
		})
		return nil
	})
}
