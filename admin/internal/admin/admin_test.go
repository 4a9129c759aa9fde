package admin

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/asset"
	"github.com/malbeclabs/crowdfund/escrow/pkg/auth"
	"github.com/malbeclabs/crowdfund/escrow/pkg/campaign"
	"github.com/malbeclabs/crowdfund/escrow/pkg/factory"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
	laketesting "github.com/malbeclabs/crowdfund/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestEscrow_Admin_PgConfig_ConnString(t *testing.T) {
	t.Parallel()

	t.Run("defaults sslmode", func(t *testing.T) {
		t.Parallel()
		cfg := PgConfig{Host: "db", Port: "5432", Database: "crowdfund", Username: "escrow", Password: "secret"}
		require.Equal(t, "postgres://escrow:secret@db:5432/crowdfund?sslmode=disable", cfg.ConnString())
	})

	t.Run("escapes credentials", func(t *testing.T) {
		t.Parallel()
		cfg := PgConfig{Host: "db", Port: "5432", Database: "crowdfund", Username: "escrow", Password: "p@ss/word", SSLMode: "require"}
		require.Equal(t, "postgres://escrow:p%40ss%2Fword@db:5432/crowdfund?sslmode=require", cfg.ConnString())
	})
}

func TestEscrow_Admin_Confirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{"YES\n", true},
		{"  yes  \n", true},
		{"y\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		ok, err := confirm(strings.NewReader(tt.input), &out, "drop everything")
		require.NoError(t, err)
		require.Equal(t, tt.want, ok, "input %q", tt.input)
		require.Contains(t, out.String(), "drop everything")
	}
}

func TestEscrow_Admin_Inspect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := laketesting.NewLogger()

	backend, err := state.NewMemoryBackend(state.MemoryConfig{Logger: log})
	require.NoError(t, err)
	assets, err := asset.NewLedger(asset.Config{Logger: log})
	require.NoError(t, err)
	factoryAddr := solana.NewWallet().PublicKey()
	f, err := factory.New(factory.Config{Logger: log, Backend: backend, Assets: assets, Address: factoryAddr})
	require.NoError(t, err)

	creator := solana.NewWallet().PublicKey()
	addrs, err := f.CreateCampaigns(ctx, auth.AllowAll{}, []factory.CampaignConfig{{
		InitParams: campaign.InitParams{
			Creator:  creator,
			Asset:    solana.NewWallet().PublicKey(),
			Goal:     5_000,
			Deadline: uint64(time.Now().Add(time.Hour).Unix()),
		},
		Title:       "Solar co-op",
		Description: "Panels on the library roof",
	}})
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	t.Run("list", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, ListCampaigns(ctx, log, &out, backend, factoryAddr))
		require.Contains(t, out.String(), addrs[0].String())
		require.Contains(t, out.String(), "Solar co-op")
		require.Contains(t, out.String(), "active")
	})

	t.Run("show", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, ShowCampaign(ctx, log, &out, backend, factoryAddr, addrs[0]))
		require.Contains(t, out.String(), creator.String())
		require.Contains(t, out.String(), "5000")
	})

	t.Run("unknown campaign", func(t *testing.T) {
		var out bytes.Buffer
		err := ShowCampaign(ctx, log, &out, backend, factoryAddr, solana.NewWallet().PublicKey())
		require.ErrorContains(t, err, "not registered")
	})
}
