package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/ledgerkeeper/internal/client/sync"
)

func newStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and synchronization status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app.io.Println("=== Status ===")

			stored, err := app.authStore.GetAuthEncryptData(ctx)
			if err != nil {
				app.io.Println("Not logged in. Run 'ledgerkeeper register' or 'ledgerkeeper login'.")
				return nil
			}
			ok, err := app.auth.IsAuthenticated(ctx)
			if err != nil {
				return err
			}
			app.io.Printf("Company:   %s (%s)\n", stored.Company, stored.CompanyID)
			app.io.Printf("Device ID: %s\n", stored.DeviceID)
			if ok {
				app.io.Printf("Session:   active until %s\n", time.Unix(stored.ExpiresAt, 0).Format(time.RFC3339))
			} else {
				app.io.Println("Session:   expired (refreshed on next sync)")
			}

			l, err := app.local(ctx)
			if err != nil {
				return err
			}
			report, err := sync.ReadStatus(ctx, app.store, l.dev, sync.DefaultEndpoint)
			if err != nil {
				return err
			}
			app.io.Printf("Pending changes:      %d\n", report.Pending)
			app.io.Printf("Unresolved conflicts: %d\n", report.UnresolvedConflicts)
			app.io.Printf("Relay cursor:         %d\n", report.Cursor)
			if !report.LastSyncAt.IsZero() {
				app.io.Printf("Last sync:            %s\n", report.LastSyncAt.Format(time.RFC3339))
			}
			if report.UnresolvedConflicts > 0 {
				app.io.Println("Run 'ledgerkeeper conflicts list' to review conflicts.")
			}
			return nil
		},
	}
}
