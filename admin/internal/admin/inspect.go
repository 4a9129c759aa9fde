package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/crowdfund/escrow/pkg/asset"
	"github.com/malbeclabs/crowdfund/escrow/pkg/factory"
	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

func openFactory(ctx context.Context, log *slog.Logger, backend state.Backend, address solana.PublicKey) (*factory.Factory, error) {
	assets, err := asset.NewLedger(asset.Config{Logger: log})
	if err != nil {
		return nil, err
	}
	f, err := factory.New(factory.Config{Logger: log, Backend: backend, Assets: assets, Address: address})
	if err != nil {
		return nil, err
	}
	if err := f.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open factory %s: %w", address, err)
	}
	return f, nil
}

// ListCampaigns prints one line per campaign registered with the factory.
func ListCampaigns(ctx context.Context, log *slog.Logger, out io.Writer, backend state.Backend, factoryAddr solana.PublicKey) error {
	f, err := openFactory(ctx, log, backend, factoryAddr)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tSTATUS\tRAISED\tPLEDGED\tGOAL\tDEADLINE\tTITLE")
	for _, addr := range f.Campaigns() {
		c, _ := f.Campaign(addr)
		info, err := c.Info(ctx)
		if err != nil {
			return fmt.Errorf("failed to read campaign %s: %w", addr, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			addr, info.Status, info.TotalRaised, info.TotalPledged, info.Goal,
			time.Unix(int64(info.Deadline), 0).UTC().Format(time.RFC3339), info.Title)
	}
	return w.Flush()
}

// ShowCampaign prints one campaign in detail, backers included.
func ShowCampaign(ctx context.Context, log *slog.Logger, out io.Writer, backend state.Backend, factoryAddr, addr solana.PublicKey) error {
	f, err := openFactory(ctx, log, backend, factoryAddr)
	if err != nil {
		return err
	}
	c, ok := f.Campaign(addr)
	if !ok {
		return fmt.Errorf("campaign %s is not registered with factory %s", addr, factoryAddr)
	}
	info, err := c.Info(ctx)
	if err != nil {
		return err
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	roadmap, err := c.Roadmap(ctx)
	if err != nil {
		return err
	}
	contributors, err := c.Contributors(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Address:\t%s\n", info.Address)
	fmt.Fprintf(w, "Title:\t%s\n", info.Title)
	fmt.Fprintf(w, "Creator:\t%s\n", info.Creator)
	fmt.Fprintf(w, "Asset:\t%s\n", info.Asset)
	fmt.Fprintf(w, "Status:\t%s\n", info.Status)
	fmt.Fprintf(w, "Deadline:\t%s\n", time.Unix(int64(info.Deadline), 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Goal:\t%d\n", info.Goal)
	if info.HardCap > 0 {
		fmt.Fprintf(w, "Hard cap:\t%d\n", info.HardCap)
	}
	fmt.Fprintf(w, "Raised:\t%d (%d.%02d%%)\n", stats.TotalRaised, stats.ProgressBps/100, stats.ProgressBps%100)
	fmt.Fprintf(w, "Pledged:\t%d\n", stats.TotalPledged)
	fmt.Fprintf(w, "Contributors:\t%d (avg %d, max %d)\n", stats.ContributorCount, stats.AverageContribution, stats.LargestContribution)
	fmt.Fprintf(w, "Pledgers:\t%d\n", stats.PledgerCount)
	if info.Platform != nil {
		fmt.Fprintf(w, "Platform fee:\t%d bps to %s\n", info.Platform.FeeBps, info.Platform.Recipient)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(roadmap) > 0 {
		fmt.Fprintln(out, "\nRoadmap:")
		for _, item := range roadmap {
			fmt.Fprintf(out, "  - %s  %s\n", time.Unix(int64(item.Date), 0).UTC().Format(time.DateOnly), item.Description)
		}
	}
	if len(contributors) > 0 {
		fmt.Fprintln(out, "\nContributors:")
		for _, p := range contributors {
			amt, err := c.Contribution(ctx, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  - %s  %d\n", p, amt)
		}
	}
	return nil
}
