package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/ledgerkeeper/internal/models"
)

func newConflictsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conflicts",
		Aliases: []string{"conflict"},
		Short:   "Review and resolve sync conflicts",
	}
	cmd.AddCommand(
		newConflictsListCommand(app),
		newConflictsResolveFieldCommand(app),
		newConflictsResolveEntityCommand(app),
		newConflictsDeferCommand(app),
		newConflictsPurgeCommand(app),
	)
	return cmd
}

func newConflictsListCommand(app *App) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			var status models.ConflictStatus
			if !all {
				status = models.StatusUnresolved
			}
			list, err := l.bridge.List(cmd.Context(), l.dev.CompanyID, status)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				app.io.Println("No conflicts.")
				return nil
			}

			app.io.Printf("Found %d conflict(s):\n\n", len(list))
			for i, c := range list {
				printConflict(app, i+1, c)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func newConflictsResolveFieldCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-field <conflict-id> <field> <value>",
		Short: "Choose the value of one contended field",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := l.bridge.ResolveField(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			app.io.Printf("✓ Field %s resolved (change %s). Sync to share the decision.\n", args[1], rec.ID)
			return nil
		},
	}
}

func newConflictsResolveEntityCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:       "resolve-entity <conflict-id> <local|remote>",
		Short:     "Keep one side for every contended field",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(models.SideLocal), string(models.SideRemote)},
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := l.bridge.ResolveEntity(cmd.Context(), args[0], models.Side(args[1]))
			if err != nil {
				return err
			}
			app.io.Printf("✓ Kept %s side (change %s). Sync to share the decision.\n", args[1], rec.ID)
			return nil
		},
	}
}

func newConflictsDeferCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "defer <conflict-id>",
		Short: "Postpone a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			if err := l.bridge.Defer(cmd.Context(), args[0]); err != nil {
				return err
			}
			app.io.Printf("✓ Conflict %s deferred\n", args[0])
			return nil
		},
	}
}

func newConflictsPurgeCommand(app *App) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove resolved conflict records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			n, err := l.bridge.Purge(cmd.Context(), l.dev.CompanyID, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			app.io.Printf("✓ Removed %d resolved conflict record(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "keep records resolved more recently than this")
	return cmd
}

func printConflict(app *App, n int, c *models.ConflictRecord) {
	flags := ""
	if c.Deferred {
		flags = " [deferred]"
	}
	app.io.Printf("%d. %s%s\n", n, c.ID, flags)
	app.io.Printf("   Record:   %s %s\n", c.EntityType, c.EntityID)
	app.io.Printf("   Status:   %s (%s, %s)\n", c.Status, c.Classification, c.Reason)
	app.io.Printf("   Detected: %s\n", c.CreatedAt.Format(time.RFC3339))
	for _, f := range c.Fields {
		line := fmt.Sprintf("   %s:", f)
		for _, side := range []models.Side{models.SideLocal, models.SideRemote} {
			if cand, ok := c.Candidate(f, side); ok {
				line += fmt.Sprintf(" %s=%q (device %s)", side, cand.Value, cand.DeviceID)
			} else {
				line += fmt.Sprintf(" %s=<unset>", side)
			}
		}
		if v, ok := c.Resolutions[f]; ok {
			line += fmt.Sprintf(" -> %q", v)
		}
		app.io.Println(line)
	}
	app.io.Println()
}
