package commands

import (
	"errors"
	"fmt"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keystore"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/spf13/cobra"
)

func saveAccount(resp *models.AuthResponse) error {
	return keys.SetAccount(keystore.Account{
		Server:   api.Base,
		UserID:   resp.User.ID.String(),
		Username: resp.User.Username,
		Token:    resp.Token,
	})
}

// register <username>: create an account and upload fresh keys.
func registerCmd() *cobra.Command {
	var (
		password string
		prekeys  int
	)
	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account and upload a key bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("password required (--password)")
			}
			ctx := cmd.Context()

			resp, err := api.Register(ctx, args[0], password)
			if err != nil {
				return err
			}
			if err := saveAccount(resp); err != nil {
				return err
			}
			if err := messenger.Setup(ctx, prekeys); err != nil {
				return err
			}

			fmt.Printf("registered %s (%s)\n", resp.User.Username, resp.User.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().IntVar(&prekeys, "prekeys", 100, "one-time prekeys to upload")
	return cmd
}

func loginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and save the session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("password required (--password)")
			}

			resp, err := api.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			if err := saveAccount(resp); err != nil {
				return err
			}

			fmt.Printf("logged in as %s\n", resp.User.Username)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

// logout revokes the token. The server drops every queued message to or
// from this account.
func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and purge queued messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLogin(); err != nil {
				return err
			}

			purged, err := api.Logout(cmd.Context())
			if err != nil {
				return err
			}
			account := keys.Account()
			account.Token = ""
			if err := keys.SetAccount(account); err != nil {
				return err
			}

			fmt.Printf("logged out, %d queued messages purged\n", purged)
			return nil
		},
	}
}
