package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/ledgerkeeper/internal/client/auth"
)

func newRegisterCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "register [company]",
		Short: "Register a new company on the relay and log in this device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.io.Println("=== Register company ===")
			company, err := app.company(args)
			if err != nil {
				return err
			}
			passphrase, err := app.passphrase()
			if err != nil {
				return err
			}
			if app.interactive() {
				confirm, err := app.io.ReadPassword("Confirm passphrase: ")
				if err != nil {
					return fmt.Errorf("failed to read passphrase: %w", err)
				}
				if confirm != passphrase {
					return fmt.Errorf("passphrases do not match")
				}
			}

			sess, err := app.auth.Register(cmd.Context(), company, passphrase)
			if err != nil {
				return err
			}
			app.io.Println()
			app.io.Println("✓ Company registered!")
			printSession(app, sess)
			app.io.Println("Share the company name and passphrase with other devices to let them log in.")
			return nil
		},
	}
}

func newLoginCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "login [company]",
		Short: "Log this device in to an existing company",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app.io.Println("=== Login ===")
			company, err := app.company(args)
			if err != nil {
				return err
			}
			passphrase, err := app.passphrase()
			if err != nil {
				return err
			}

			sess, err := app.auth.Login(cmd.Context(), company, passphrase)
			if err != nil {
				return err
			}
			app.io.Println()
			app.io.Println("✓ Login successful!")
			printSession(app, sess)
			return nil
		},
	}
}

func newLogoutCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and remove it from this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// без парольной фразы токены не расшифровать: выходим только локально
			sess, err := app.session(cmd.Context())
			if err != nil {
				app.logger.WarnContext(cmd.Context(), "logging out locally only", "error", err)
				sess = nil
			}
			if err := app.auth.Logout(cmd.Context(), sess); err != nil {
				return err
			}
			app.io.Println("✓ Logged out. Local books and the device identity are kept.")
			return nil
		},
	}
}

func (a *App) company(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	company, err := a.io.ReadInput("Company: ")
	if err != nil {
		return "", fmt.Errorf("failed to read company: %w", err)
	}
	return company, nil
}

func printSession(app *App, sess *auth.Session) {
	app.io.Printf("Company:   %s (%s)\n", sess.Company, sess.CompanyID)
	app.io.Printf("Device ID: %s\n", sess.DeviceID)
	app.io.Printf("Access token expires in: %s\n", time.Until(sess.ExpiresAt).Round(time.Second))
}
