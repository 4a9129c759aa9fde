package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/asset"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/campaign"
	"github.com/malbeclabs/crowdfund/escrow/pkg/factory"
)

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    uint32 `json:"code,omitempty"`
	Message string `json:"message"`
}

func campaignStatus(e campaign.Error) int {
	switch e {
	case campaign.ErrInvalidGoal, campaign.ErrInvalidDeadline, campaign.ErrInvalidAmount,
		campaign.ErrInvalidHardCap, campaign.ErrInvalidRoadmapItem, campaign.ErrInvalidMetadata,
		campaign.ErrEmptyWhitelist, campaign.ErrOverflow:
		return http.StatusBadRequest
	case campaign.ErrNotWhitelisted:
		return http.StatusForbidden
	case campaign.ErrRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusConflict
	}
}

// writeError maps contract outcomes to HTTP. Unexpected failures are
// reported to sentry.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ce     campaign.Error
		fe     factory.Error
		ae     *campaign.AbortError
		status int
		body   ErrorResponse
	)
	switch {
	case errors.As(err, &ce):
		status = campaignStatus(ce)
		body = ErrorResponse{Error: ce.Name(), Code: ce.Code(), Message: ce.Error()}
	case errors.As(err, &fe):
		status = http.StatusBadRequest
		body = ErrorResponse{Error: "factory_error", Code: fe.Code(), Message: fe.Error()}
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrNonceNotFresh), errors.Is(err, auth.ErrInvalidProof):
		status = http.StatusForbidden
		body = ErrorResponse{Error: "unauthorized", Message: err.Error()}
	case errors.Is(err, asset.ErrInvalidAmount), errors.Is(err, asset.ErrBalanceOverflow):
		status = http.StatusBadRequest
		body = ErrorResponse{Error: "invalid_amount", Message: err.Error()}
	case errors.Is(err, asset.ErrInsufficientBalance), errors.Is(err, asset.ErrInsufficientAllowance):
		status = http.StatusUnprocessableEntity
		body = ErrorResponse{Error: "insufficient_funds", Message: err.Error()}
	case errors.As(err, &ae):
		status = http.StatusUnprocessableEntity
		body = ErrorResponse{Error: "aborted", Message: err.Error()}
	default:
		status = http.StatusInternalServerError
		body = ErrorResponse{Error: "internal", Message: "internal error"}
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		} else {
			sentry.CaptureException(err)
		}
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, body)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: msg})
}

func (s *Server) notFound(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found", Message: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
