package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/campaign"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

// inTx runs fn in one backend transaction against the asset ledger.
func (s *Server) inTx(ctx context.Context, commit bool, fn func(tx state.Tx) error) error {
	tx, err := s.cfg.Backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if !commit {
		return tx.Rollback(ctx)
	}
	return tx.Commit(ctx)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathKey(r, "asset")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	holder, err := pathKey(r, "holder")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var bal uint64
	err = s.inTx(r.Context(), false, func(tx state.Tx) error {
		var err error
		bal, err = s.cfg.Assets.Balance(r.Context(), tx, id, holder)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"asset": id, "holder": holder, "balance": bal})
}

type approveRequest struct {
	Owner   solana.PublicKey `json:"owner"`
	Spender solana.PublicKey `json:"spender"`
	Amount  uint64           `json:"amount"`
	Auth    *AuthBody        `json:"auth"`
}

// ApproveInvocation is what an owner signs to set an allowance.
func ApproveInvocation(id, owner, spender solana.PublicKey, amount uint64) auth.Invocation {
	return auth.NewInvocation(id, FnApprove, owner, spender, amount)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathKey(r, "asset")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req approveRequest
	if err := decode(w, r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	authz, err := s.authorizer(req.Auth)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if authz == nil {
		s.writeError(w, r, &campaign.AbortError{Reason: "authorization required", Err: auth.ErrUnauthorized})
		return
	}
	ctx := r.Context()
	if err := authz.RequireAuth(ctx, req.Owner, ApproveInvocation(id, req.Owner, req.Spender, req.Amount)); err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.inTx(ctx, true, func(tx state.Tx) error {
		return s.cfg.Assets.Approve(ctx, tx, id, req.Owner, req.Spender, req.Amount)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mintRequest struct {
	To     solana.PublicKey `json:"to"`
	Amount uint64           `json:"amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	id, err := pathKey(r, "asset")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req mintRequest
	if err := decode(w, r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	ctx := r.Context()
	err = s.inTx(ctx, true, func(tx state.Tx) error {
		return s.cfg.Assets.Mint(ctx, tx, id, req.To, req.Amount)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("server: faucet mint", "asset", id.String(), "to", req.To.String(), "amount", req.Amount)
	w.WriteHeader(http.StatusNoContent)
}
