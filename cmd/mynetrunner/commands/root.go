// Package commands implements the mynetrunner CLI.
package commands

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/client"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/keystore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultServer = "http://127.0.0.1:8080"

var (
	serverURL  string
	storePath  string
	passphrase string
	verbose    bool

	keys      *keystore.Store
	api       *client.Client
	messenger *client.Messenger
)

func Execute() error {
	root := &cobra.Command{
		Use:          "mynetrunner",
		Short:        "End-to-end encrypted messaging over an ephemeral relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}

			if storePath == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				storePath = filepath.Join(dir, ".mynetrunner", "keystore")
			}
			if err := os.MkdirAll(filepath.Dir(storePath), 0o700); err != nil {
				return err
			}

			if passphrase == "" {
				passphrase = os.Getenv("MYNETRUNNER_PASSPHRASE")
			}
			if passphrase == "" {
				return errors.New("passphrase required (--passphrase or MYNETRUNNER_PASSPHRASE)")
			}

			var err error
			if keys, err = keystore.Open(storePath, passphrase); err != nil {
				return err
			}

			account := keys.Account()
			base := serverURL
			if base == "" {
				base = account.Server
			}
			if base == "" {
				base = defaultServer
			}
			api = client.New(base)
			if account.Server == base {
				api.Token = account.Token
			}
			messenger = client.NewMessenger(api, keys)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "", "relay base URL (default: saved account server, then "+defaultServer+")")
	root.PersistentFlags().StringVar(&storePath, "store", "", "keystore path (default ~/.mynetrunner/keystore)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "keystore passphrase (env MYNETRUNNER_PASSPHRASE)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		registerCmd(),
		loginCmd(),
		logoutCmd(),
		keysCmd(),
		sendCmd(),
		recvCmd(),
		listenCmd(),
		fingerprintCmd(),
	)
	return root.Execute()
}

func requireLogin() error {
	if api.Token == "" {
		return errors.New("not logged in. use register or login")
	}
	return nil
}
