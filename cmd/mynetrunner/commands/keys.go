package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage prekeys",
	}
	cmd.AddCommand(keysUploadCmd(), keysReplenishCmd(), keysStatusCmd(), keysResetCmd())
	return cmd
}

func keysUploadCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Rotate the signed prekey and upload one-time prekeys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLogin(); err != nil {
				return err
			}
			if err := messenger.Setup(cmd.Context(), count); err != nil {
				return err
			}
			fmt.Println("bundle uploaded")
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 100, "one-time prekeys to upload")
	return cmd
}

func keysReplenishCmd() *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "replenish",
		Short: "Top the server's one-time prekey pool back up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLogin(); err != nil {
				return err
			}
			added, err := messenger.TopUp(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Printf("uploaded %d one-time prekeys\n", added)
			return nil
		},
	}
	cmd.Flags().IntVar(&target, "target", 100, "desired pool size")
	return cmd
}

func keysStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server and local prekey counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLogin(); err != nil {
				return err
			}
			count, err := api.PreKeyCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("server pool: %d\nlocal private keys: %d\n", count, keys.OneTimeCount())
			return nil
		},
	}
}

func keysResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete all key material locally and on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLogin(); err != nil {
				return err
			}
			if err := api.ResetKeys(cmd.Context()); err != nil {
				return err
			}
			if err := keys.Reset(); err != nil {
				return err
			}
			fmt.Println("keys reset. run 'keys upload' to publish new ones")
			return nil
		},
	}
}
