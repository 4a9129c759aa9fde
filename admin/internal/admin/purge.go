package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/malbeclabs/crowdfund/escrow/pkg/state"
)

// PurgeExpired deletes persistent ledger entries whose lease lapsed. Expired
// entries are already unreadable; purging only reclaims space.
func PurgeExpired(ctx context.Context, log *slog.Logger, in io.Reader, out io.Writer, cfg PgConfig, dryRun, skipConfirm bool) error {
	pool, err := state.ConnectPostgres(ctx, cfg.ConnString())
	if err != nil {
		return err
	}
	b, err := state.NewPostgresBackend(state.PostgresConfig{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return err
	}
	defer b.Close()

	n, err := b.CountExpired(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(out, "No expired entries")
		return nil
	}
	fmt.Fprintf(out, "%d expired persistent entr(y/ies) in %s\n", n, cfg.Database)
	if dryRun {
		fmt.Fprintln(out, "\n[DRY RUN] Would delete the above entries")
		return nil
	}
	if !skipConfirm {
		ok, err := confirm(in, out, "Expired contributions and pledges cannot be restored once purged.")
		if err != nil || !ok {
			return err
		}
	}

	purged, err := b.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	log.Info("purged expired entries", "count", purged)
	return nil
}
