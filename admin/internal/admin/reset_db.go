package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/malbeclabs/crowdfund/escrow/pkg/events"
)

// confirm asks the operator to type "yes" on in. Any other answer declines.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "\n⚠️  %s\n", prompt)
	fmt.Fprint(out, "Type 'yes' to confirm: ")
	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	if strings.TrimSpace(strings.ToLower(response)) != "yes" {
		fmt.Fprintln(out, "\nConfirmation failed. Operation cancelled.")
		return false, nil
	}
	return true, nil
}

// ClickHouseConfig locates the event sink database.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

// ResetEvents drops the escrow event table so the sink recreates it empty
// on next start.
func ResetEvents(ctx context.Context, log *slog.Logger, in io.Reader, out io.Writer, cfg ClickHouseConfig, dryRun, skipConfirm bool) error {
	conn, err := events.DialClickHouse(ctx, log, cfg.Addr, cfg.Database, cfg.Username, cfg.Password, cfg.Secure)
	if err != nil {
		return err
	}
	defer conn.Close()

	var rows uint64
	err = conn.QueryRow(ctx,
		`SELECT total_rows FROM system.tables WHERE database = ? AND name = ?`,
		cfg.Database, events.EventsTable).Scan(&rows)
	if err != nil {
		fmt.Fprintf(out, "Table %s.%s not found\n", cfg.Database, events.EventsTable)
		return nil
	}

	fmt.Fprintf(out, "⚠️  WARNING: This will DROP %s.%s holding %d event(s)\n", cfg.Database, events.EventsTable, rows)
	if dryRun {
		fmt.Fprintln(out, "\n[DRY RUN] Would drop the above table")
		return nil
	}
	if !skipConfirm {
		ok, err := confirm(in, out, "This is a DESTRUCTIVE operation that cannot be undone!")
		if err != nil || !ok {
			return err
		}
	}

	if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+events.EventsTable); err != nil {
		return fmt.Errorf("failed to drop %s: %w", events.EventsTable, err)
	}
	log.Info("dropped event table", "table", events.EventsTable, "rows", rows)
	return nil
}
