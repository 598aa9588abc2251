package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/iudanet/ledgerkeeper/internal/client/sync"
)

func newSyncCommand(app *App) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange changes with the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, _, err := app.manager(ctx)
			if err != nil {
				return err
			}

			if watch {
				app.io.Printf("Syncing every %s, press Ctrl+C to stop\n", app.cfg.Sync.Interval)
				err := mgr.Run(ctx, app.cfg.Sync.Interval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			app.io.Println("=== Synchronization ===")
			res, err := mgr.Sync(ctx)
			if err != nil {
				return err
			}
			app.io.Println("✓ Synchronization completed")
			app.io.Printf("Pushed to relay:   %d change(s)\n", res.Pushed)
			app.io.Printf("Pulled from relay: %d change(s)\n", res.Pulled)
			if res.Duplicates > 0 {
				app.io.Printf("Already applied:   %d change(s)\n", res.Duplicates)
			}
			if res.Conflicts > 0 {
				app.io.Printf("Conflicts:         %d (see 'ledgerkeeper conflicts list')\n", res.Conflicts)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing periodically until interrupted")
	return cmd
}

func newCompactCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop change log records every device has received",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, err := app.local(ctx)
			if err != nil {
				return err
			}
			// compaction не требует сети: хватает сохраненных подтверждений relay
			mgr := sync.NewManager(app.store, l.log, l.engine, l.detector, nil, nil, nil, app.cfg.Sync.Manager(), app.logger)
			n, err := mgr.CompactAcknowledged(ctx)
			if err != nil {
				return err
			}
			app.io.Printf("✓ Compacted %d change record(s)\n", n)
			return nil
		},
	}
}
