package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/campaign"
	"github.com/malbeclabs/crowdfund/escrow/pkg/factory"
)

const maxBodyBytes = 1 << 20

// FnApprove names the asset approval a holder signs.
const FnApprove = "approve"

// AuthBody carries signed authorization proofs for one request.
type AuthBody struct {
	Nonce  uint64       `json:"nonce"`
	Proofs []auth.Proof `json:"proofs"`
}

func (s *Server) authorizer(a *AuthBody) (auth.Authorizer, error) {
	if s.cfg.InsecureSkipAuth {
		return auth.AllowAll{}, nil
	}
	if a == nil || len(a.Proofs) == 0 {
		return nil, nil
	}
	return auth.ParseSigned(a.Nonce, a.Proofs)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func pathKey(r *http.Request, name string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(chi.URLParam(r, name))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return pk, nil
}

// lookup resolves the {address} path parameter to a registered campaign.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*campaign.Contract, bool) {
	addr, err := pathKey(r, "address")
	if err != nil {
		s.badRequest(w, err.Error())
		return nil, false
	}
	c, ok := s.cfg.Factory.Campaign(addr)
	if !ok {
		s.notFound(w, "campaign "+addr.String()+" not found")
		return nil, false
	}
	return c, true
}

// trace wraps one contract call in a sentry span.
func trace(r *http.Request, op string, fn func(ctx context.Context) error) error {
	span := sentry.StartSpan(r.Context(), "escrow.invoke", sentry.WithDescription(op))
	defer span.Finish()
	span.SetTag("path", r.URL.Path)
	err := fn(span.Context())
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
	} else {
		span.Status = sentry.SpanStatusOK
	}
	return err
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"campaigns": s.cfg.Factory.Campaigns()})
}

type createCampaignsRequest struct {
	Campaigns []factory.CampaignConfig `json:"campaigns"`
	Auth      *AuthBody                `json:"auth"`
}

func (s *Server) handleCreateCampaigns(w http.ResponseWriter, r *http.Request) {
	var req createCampaignsRequest
	if err := decode(w, r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	authz, err := s.authorizer(req.Auth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var addrs []solana.PublicKey
	err = trace(r, factory.FnCreateCampaigns, func(ctx context.Context) error {
		var err error
		addrs, err = s.cfg.Factory.CreateCampaigns(ctx, authz, req.Campaigns)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"addresses": addrs})
}

func (s *Server) handleCampaignInfo(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	info, err := c.Info(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	st, err := c.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRoadmap(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	items, err := c.Roadmap(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleContributors(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	contributors, err := c.Contributors(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pledgers, err := c.Pledgers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"contributors": contributors, "pledgers": pledgers})
}

// PrincipalView is everything a campaign records about one principal.
type PrincipalView struct {
	Principal    solana.PublicKey `json:"principal"`
	Contribution uint64           `json:"contribution"`
	Pledge       uint64           `json:"pledge"`
	Referral     uint64           `json:"referral"`
	Whitelisted  bool             `json:"whitelisted"`
}

func (s *Server) handlePrincipal(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	p, err := pathKey(r, "principal")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	ctx := r.Context()
	view := PrincipalView{Principal: p}
	if view.Contribution, err = c.Contribution(ctx, p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if view.Pledge, err = c.PledgeOf(ctx, p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if view.Referral, err = c.ReferralTally(ctx, p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if view.Whitelisted, err = c.IsWhitelisted(ctx, p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// invocation decodes req, resolves the campaign and authorizer, and runs fn.
// A nil result replies 204.
func invocation[T any](s *Server, w http.ResponseWriter, r *http.Request, op string, authOf func(*T) *AuthBody,
	fn func(ctx context.Context, c *campaign.Contract, authz auth.Authorizer, req *T) (any, error)) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req T
	if err := decode(w, r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	authz, err := s.authorizer(authOf(&req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var res any
	err = trace(r, op, func(ctx context.Context) error {
		var err error
		res, err = fn(ctx, c, authz, &req)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type contributeRequest struct {
	Contributor solana.PublicKey  `json:"contributor"`
	Amount      uint64            `json:"amount"`
	Referrer    *solana.PublicKey `json:"referrer,omitempty"`
	Auth        *AuthBody         `json:"auth"`
}

func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnContribute, func(req *contributeRequest) *AuthBody { return req.Auth },
		func(ctx context.Context, c *campaign.Contract, authz auth.Authorizer, req *contributeRequest) (any, error) {
			return nil, c.Contribute(ctx, authz, req.Contributor, req.Amount, req.Referrer)
		})
}

type pledgeRequest struct {
	Pledger solana.PublicKey `json:"pledger"`
	Amount  uint64           `json:"amount"`
	Auth    *AuthBody        `json:"auth"`
}

func (s *Server) handlePledge(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnPledge, func(req *pledgeRequest) *AuthBody { return req.Auth },
		func(ctx context.Context, c *campaign.Contract, authz auth.Authorizer, req *pledgeRequest) (any, error) {
			return nil, c.Pledge(ctx, authz, req.Pledger, req.Amount)
		})
}

type batchRequest struct {
	Limit int `json:"limit"`
}

func noAuth[T any](*T) *AuthBody { return nil }

func (s *Server) handleCollectPledges(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnCollectPledges, noAuth[batchRequest],
		func(ctx context.Context, c *campaign.Contract, _ auth.Authorizer, req *batchRequest) (any, error) {
			return c.CollectPledges(ctx, req.Limit)
		})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnRefund, noAuth[batchRequest],
		func(ctx context.Context, c *campaign.Contract, _ auth.Authorizer, req *batchRequest) (any, error) {
			return c.Refund(ctx, req.Limit)
		})
}

func (s *Server) handleExtendLeases(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnExtendLeases, noAuth[batchRequest],
		func(ctx context.Context, c *campaign.Contract, _ auth.Authorizer, req *batchRequest) (any, error) {
			return c.ExtendLeases(ctx, req.Limit)
		})
}

type creatorRequest struct {
	Auth *AuthBody `json:"auth"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnWithdraw, func(req *creatorRequest) *AuthBody { return req.Auth },
		func(ctx context.Context, c *campaign.Contract, authz auth.Authorizer, _ *creatorRequest) (any, error) {
			return c.Withdraw(ctx, authz)
		})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnCancel, func(req *creatorRequest) *AuthBody { return req.Auth },
		func(ctx context.Context, c *campaign.Contract, authz auth.Authorizer, _ *creatorRequest) (any, error) {
			return nil, c.Cancel(ctx, authz)
		})
}

type refundSingleRequest struct {
	Contributor solana.PublicKey `json:"contributor"`
	Auth        *AuthBody        `json:"auth"`
}

func (s *Server) handleRefundSingle(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnRefundSingle, func(req *refundSingleRequest) *AuthBody { return req.Auth },
		func(ctx context.Context, c *campaign.Contract, authz auth.Authorizer, req *refundSingleRequest) (any, error) {
			amt, err := c.RefundSingle(ctx, authz, req.Contributor)
			if err != nil {
				return nil, err
			}
			return map[string]uint64{"refunded": amt}, nil
		})
}

type metadataRequest struct {
	campaign.Metadata
	Auth *AuthBody `json:"auth"`
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnUpdateMetadata, func(req *metadataRequest) *AuthBody { return req.Auth },
		func(ctx context.Context, c *campaign.Contract, authz auth.Authorizer, req *metadataRequest) (any, error) {
			return nil, c.UpdateMetadata(ctx, authz, req.Metadata)
		})
}

type roadmapRequest struct {
	Date        uint64    `json:"date"`
	Description string    `json:"description"`
	Auth        *AuthBody `json:"auth"`
}

func (s *Server) handleAddRoadmapItem(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnAddRoadmapItem, func(req *roadmapRequest) *AuthBody { return req.Auth },
		func(ctx context.Context, c *campaign.Contract, authz auth.Authorizer, req *roadmapRequest) (any, error) {
			return nil, c.AddRoadmapItem(ctx, authz, req.Date, req.Description)
		})
}

type whitelistRequest struct {
	Principals []solana.PublicKey `json:"principals"`
	Auth       *AuthBody          `json:"auth"`
}

func (s *Server) handleAddToWhitelist(w http.ResponseWriter, r *http.Request) {
	invocation(s, w, r, campaign.FnAddToWhitelist, func(req *whitelistRequest) *AuthBody { return req.Auth },
		func(ctx context.Context, c *campaign.Contract, authz auth.Authorizer, req *whitelistRequest) (any, error) {
			return nil, c.AddToWhitelist(ctx, authz, req.Principals)
		})
}
