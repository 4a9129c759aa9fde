package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/crowdfund/escrow/pkg/asset"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/campaign"
	"github.com/malbeclabs/crowdfund/escrow/pkg/factory"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
	laketesting "github.com/malbeclabs/crowdfund/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testStart = 1_700_000_000

type fixture struct {
	t       *testing.T
	clock   *clockwork.FakeClock
	factory *factory.Factory
	srv     *httptest.Server
	token   solana.PublicKey
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	log := laketesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Unix(testStart, 0))
	backend, err := state.NewMemoryBackend(state.MemoryConfig{Logger: log, Clock: clock})
	require.NoError(t, err)
	assets, err := asset.NewLedger(asset.Config{Logger: log})
	require.NoError(t, err)
	f, err := factory.New(factory.Config{
		Logger:  log,
		Clock:   clock,
		Backend: backend,
		Assets:  assets,
		Address: solana.NewWallet().PublicKey(),
	})
	require.NoError(t, err)

	cfg := Config{
		Logger:       log,
		ListenAddr:   "127.0.0.1:0",
		VersionInfo:  VersionInfo{Version: "1.0.0", Commit: "abc123", Date: "2026-01-01"},
		Factory:      f,
		Assets:       assets,
		Backend:      backend,
		RateLimit:    rate.Inf,
		EnableFaucet: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{t: t, clock: clock, factory: f, srv: srv, token: solana.NewWallet().PublicKey()}
}

func (fx *fixture) do(method, path string, body any) (*http.Response, map[string]any) {
	fx.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(fx.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, fx.srv.URL+path, &buf)
	require.NoError(fx.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(fx.t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func signed(t *testing.T, inv auth.Invocation, nonce uint64, keys ...solana.PrivateKey) *AuthBody {
	t.Helper()
	s, err := auth.Sign(inv, nonce, keys...)
	require.NoError(t, err)
	return &AuthBody{Nonce: nonce, Proofs: s.Proofs()}
}

// createCampaign deploys one campaign created by creator and returns it.
func (fx *fixture) createCampaign(creator solana.Wallet, goal uint64) *campaign.Contract {
	fx.t.Helper()
	configs := []factory.CampaignConfig{{
		InitParams: campaign.InitParams{
			Creator:  creator.PublicKey(),
			Asset:    fx.token,
			Goal:     goal,
			Deadline: testStart + 3600,
		},
		Title:       "Community garden",
		Description: "Raised beds for the block",
	}}
	resp, body := fx.do(http.MethodPost, "/v1/campaigns", createCampaignsRequest{
		Campaigns: configs,
		Auth:      signed(fx.t, fx.factory.Invocation(configs), 1, creator.PrivateKey),
	})
	require.Equal(fx.t, http.StatusCreated, resp.StatusCode, body)
	addrs := body["addresses"].([]any)
	require.Len(fx.t, addrs, 1)
	c, ok := fx.factory.Campaign(solana.MustPublicKeyFromBase58(addrs[0].(string)))
	require.True(fx.t, ok)
	return c
}

func (fx *fixture) mint(to solana.PublicKey, amount uint64) {
	fx.t.Helper()
	resp, body := fx.do(http.MethodPost, "/v1/assets/"+fx.token.String()+"/mint", mintRequest{To: to, Amount: amount})
	require.Equal(fx.t, http.StatusNoContent, resp.StatusCode, body)
}

func TestEscrow_Server_Probes(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	resp, _ := fx.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = fx.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := fx.do(http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "abc123", body["commit"])

	resp, _ = fx.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEscrow_Server_CampaignFlow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	creator := *solana.NewWallet()
	alice := *solana.NewWallet()
	c := fx.createCampaign(creator, 1_000)
	base := "/v1/campaigns/" + c.Address().String()
	fx.mint(alice.PublicKey(), 1_500)

	resp, body := fx.do(http.MethodGet, "/v1/campaigns", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["campaigns"], 1)

	contribute := func(amount uint64, nonce uint64) (*http.Response, map[string]any) {
		inv := c.Invocation(campaign.FnContribute, alice.PublicKey(), amount, "")
		return fx.do(http.MethodPost, base+"/contribute", contributeRequest{
			Contributor: alice.PublicKey(),
			Amount:      amount,
			Auth:        signed(t, inv, nonce, alice.PrivateKey),
		})
	}

	resp, body = contribute(1_200, 1)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, body)

	t.Run("replayed proof is forbidden", func(t *testing.T) {
		resp, body := contribute(1_200, 1)
		require.Equal(t, http.StatusForbidden, resp.StatusCode, body)
	})

	t.Run("missing proof is forbidden", func(t *testing.T) {
		resp, body := fx.do(http.MethodPost, base+"/contribute", contributeRequest{Contributor: alice.PublicKey(), Amount: 1})
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		require.Equal(t, "unauthorized", body["error"])
	})

	t.Run("contract errors carry their code", func(t *testing.T) {
		resp, body := contribute(0, 2)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "InvalidAmount", body["error"])
		require.Equal(t, float64(campaign.ErrInvalidAmount.Code()), body["code"])
	})

	t.Run("views", func(t *testing.T) {
		resp, body := fx.do(http.MethodGet, base, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "Community garden", body["title"])
		require.Equal(t, float64(1_200), body["total_raised"])
		require.Equal(t, "active", body["status"])

		resp, body = fx.do(http.MethodGet, base+"/stats", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, float64(10_000), body["progress_bps"])

		resp, body = fx.do(http.MethodGet, base+"/principals/"+alice.PublicKey().String(), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, float64(1_200), body["contribution"])

		resp, body = fx.do(http.MethodGet, "/v1/assets/"+fx.token.String()+"/balances/"+alice.PublicKey().String(), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, float64(300), body["balance"])
	})

	t.Run("withdraw after deadline", func(t *testing.T) {
		inv := c.Invocation(campaign.FnWithdraw)
		resp, body := fx.do(http.MethodPost, base+"/withdraw", creatorRequest{Auth: signed(t, inv, 1, creator.PrivateKey)})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		require.Equal(t, "CampaignStillActive", body["error"])

		fx.clock.Advance(2 * time.Hour)
		resp, body = fx.do(http.MethodPost, base+"/withdraw", creatorRequest{Auth: signed(t, inv, 2, creator.PrivateKey)})
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		require.Equal(t, float64(1_200), body["payout"])

		resp, body = fx.do(http.MethodPost, base+"/refund", nil)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		require.Equal(t, "GoalReached", body["error"])
	})
}

func TestEscrow_Server_Errors(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	resp, _ := fx.do(http.MethodGet, "/v1/campaigns/not-a-key", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := fx.do(http.MethodGet, "/v1/campaigns/"+solana.NewWallet().PublicKey().String(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", body["error"])

	resp, body = fx.do(http.MethodPost, "/v1/campaigns", createCampaignsRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, float64(factory.ErrEmptyBatch.Code()), body["code"])

	resp, _ = fx.do(http.MethodPost, "/v1/campaigns", map[string]any{"unknown": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.do(http.MethodPost, "/v1/assets/"+fx.token.String()+"/mint", mintRequest{To: solana.NewWallet().PublicKey()})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEscrow_Server_ApproveAndCollect(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(cfg *Config) { cfg.InsecureSkipAuth = true })
	creator := *solana.NewWallet()
	dave := solana.NewWallet().PublicKey()
	c := fx.createCampaign(creator, 500)
	base := "/v1/campaigns/" + c.Address().String()
	fx.mint(dave, 500)

	resp, body := fx.do(http.MethodPost, base+"/pledge", pledgeRequest{Pledger: dave, Amount: 500})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, body)
	resp, body = fx.do(http.MethodPost, "/v1/assets/"+fx.token.String()+"/approve", approveRequest{
		Owner: dave, Spender: c.Address(), Amount: 500,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, body)

	fx.clock.Advance(2 * time.Hour)
	resp, body = fx.do(http.MethodPost, base+"/collect-pledges", batchRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, float64(500), body["collected"])
	require.Equal(t, true, body["complete"])

	raised, err := c.TotalRaised(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(500), raised)

	resp, body = fx.do(http.MethodPost, base+"/extend-leases", batchRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, float64(2), body["extended"])
	require.Equal(t, true, body["complete"])
}

func TestEscrow_Server_Approve_RequiresOwner(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	owner := *solana.NewWallet()
	spender := solana.NewWallet().PublicKey()
	path := "/v1/assets/" + fx.token.String() + "/approve"

	other := *solana.NewWallet()
	inv := ApproveInvocation(fx.token, owner.PublicKey(), spender, 10)
	resp, _ := fx.do(http.MethodPost, path, approveRequest{
		Owner: owner.PublicKey(), Spender: spender, Amount: 10,
		Auth: signed(t, inv, 1, other.PrivateKey),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = fx.do(http.MethodPost, path, approveRequest{
		Owner: owner.PublicKey(), Spender: spender, Amount: 10,
		Auth: signed(t, inv, 1, owner.PrivateKey),
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestEscrow_Server_RateLimit(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(cfg *Config) {
		cfg.RateLimit = rate.Every(time.Hour)
		cfg.RateBurst = 1
	})
	resp, _ := fx.do(http.MethodPost, "/v1/campaigns", createCampaignsRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body := fx.do(http.MethodPost, "/v1/campaigns", createCampaignsRequest{})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate_limit_exceeded", body["error"])
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Reads are not limited.
	resp, _ = fx.do(http.MethodGet, "/v1/campaigns", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEscrow_Server_RateLimiter(t *testing.T) {
	t.Parallel()

	t.Run("per client budget", func(t *testing.T) {
		t.Parallel()
		limiter := NewRateLimiter(rate.Limit(5), 5)
		for i := 0; i < 5; i++ {
			require.True(t, limiter.Allow("192.168.1.1"), "request %d should be allowed", i+1)
		}
		require.False(t, limiter.Allow("192.168.1.1"))
		require.True(t, limiter.Allow("192.168.1.2"))
	})

	t.Run("prunes idle clients", func(t *testing.T) {
		t.Parallel()
		limiter := NewRateLimiter(rate.Limit(5), 5)
		limiter.Allow("10.0.0.1")
		require.Equal(t, 1, limiter.Len())
		limiter.prune(time.Now().Add(time.Minute))
		require.Zero(t, limiter.Len())
	})
}
