package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iudanet/ledgerkeeper/internal/models"
)

func newEntityCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "entity",
		Aliases: []string{"entities"},
		Short:   "Create, edit and inspect bookkeeping records",
	}
	cmd.AddCommand(
		newEntityAddCommand(app),
		newEntitySetCommand(app),
		newEntityDeleteCommand(app),
		newEntityRestoreCommand(app),
		newEntityGetCommand(app),
		newEntityListCommand(app),
	)
	return cmd
}

func newEntityAddCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "add <type> field=value...",
		Short:   "Create a record",
		Example: "  ledgerkeeper entity add account name=Cash kind=asset",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			e, err := l.ledger.Create(cmd.Context(), args[0], values)
			if err != nil {
				return err
			}
			app.io.Printf("✓ Created %s %s\n", e.Type, e.ID)
			return nil
		},
	}
}

func newEntitySetCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> field=value...",
		Short: "Change fields of a record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			e, err := l.ledger.Update(cmd.Context(), args[0], values)
			if err != nil {
				return err
			}
			app.io.Printf("✓ Updated %s %s\n", e.Type, e.ID)
			return nil
		},
	}
}

func newEntityDeleteCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record (it can be restored later)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			if err := l.ledger.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			app.io.Printf("✓ Deleted %s\n", args[0])
			return nil
		},
	}
}

func newEntityRestoreCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a deleted record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			e, err := l.ledger.Restore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			app.io.Printf("✓ Restored %s %s\n", e.Type, e.ID)
			return nil
		},
	}
}

func newEntityGetCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a record with field provenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			e, err := l.ledger.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printEntity(app, e)
			return nil
		},
	}
}

func newEntityListCommand(app *App) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list [type]",
		Short: "List records, optionally of one type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType := ""
			if len(args) > 0 {
				entityType = args[0]
			}
			l, err := app.local(cmd.Context())
			if err != nil {
				return err
			}
			list, err := l.ledger.List(cmd.Context(), entityType, all)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				app.io.Println("No records found.")
				return nil
			}

			app.io.Printf("Found %d record(s):\n\n", len(list))
			for i, e := range list {
				state := ""
				if e.IsDeleted() {
					state = " [deleted]"
				}
				app.io.Printf("%d. %s %s%s\n", i+1, e.Type, e.ID, state)
				app.io.Printf("   %s\n", summary(e.Values()))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deleted records")
	return cmd
}

// parseAssignments разбирает аргументы вида field=value
func parseAssignments(args []string) (map[string]string, error) {
	values := make(map[string]string, len(args))
	for _, arg := range args {
		field, value, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid assignment %q, expected field=value", arg)
		}
		values[field] = value
	}
	return values, nil
}

func printEntity(app *App, e *models.Entity) {
	app.io.Printf("ID:      %s\n", e.ID)
	app.io.Printf("Type:    %s\n", e.Type)
	app.io.Printf("Deleted: %t\n", e.IsDeleted())
	app.io.Printf("Version: %s\n", formatVector(e.Vector))
	app.io.Println("Fields:")
	for _, name := range sortedKeys(e.Values()) {
		f := e.Fields[name]
		app.io.Printf("  %s = %s  (device %s, seq %d)\n", name, f.Value, f.DeviceID, f.Seq)
	}
}

func summary(values map[string]string) string {
	parts := make([]string, 0, len(values))
	for _, k := range sortedKeys(values) {
		parts = append(parts, k+"="+values[k])
	}
	return strings.Join(parts, " ")
}

func formatVector(v models.VersionVector) string {
	parts := make([]string, 0, len(v))
	for _, device := range sortedKeys(v) {
		parts = append(parts, fmt.Sprintf("%s:%d", device, v[device]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
