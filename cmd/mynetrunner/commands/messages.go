package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/client"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/models"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var (
		ttl        time.Duration
		unverified bool
		session    bool
	)
	cmd := &cobra.Command{
		Use:   "send <username> <message>",
		Short: "Encrypt and send a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLogin(); err != nil {
				return err
			}
			messenger.AllowUnverifiedPreKeys = unverified

			send := messenger.Send
			if session {
				send = messenger.SendOnSession
			}
			resp, err := send(cmd.Context(), args[0], args[1], ttl)
			if err != nil {
				return err
			}
			if resp.Delivered {
				fmt.Println("delivered")
			} else {
				fmt.Printf("queued until %s\n", resp.ExpiresAt.Local().Format(time.Kitchen))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "how long the server may hold the message (server default when 0)")
	cmd.Flags().BoolVar(&unverified, "allow-unverified", false, "send even if the recipient's signed prekey does not verify")
	cmd.Flags().BoolVar(&session, "session", false, "reuse the cached session instead of a fresh key exchange")
	return cmd
}

func printMessage(d client.Decrypted) {
	from := d.Message.SenderUsername
	if from == "" {
		from = d.Message.SenderID.String()
	}
	if d.Message.GroupID != nil {
		from += "@" + d.Message.GroupID.String()[:8]
	}
	fmt.Printf("%s: %s\n", from, d.Text)
}

func recvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt queued messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLogin(); err != nil {
				return err
			}

			msgs, err := messenger.Receive(cmd.Context())
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("no messages")
				return nil
			}
			for _, d := range msgs {
				printMessage(d)
			}
			return nil
		},
	}
}

type frame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// listen keeps the push socket open, printing messages as they arrive and
// topping up prekeys when the server asks.
func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print messages as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireLogin(); err != nil {
				return err
			}
			ctx := cmd.Context()

			conn, err := api.Dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			fmt.Println("listening...")
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				}
				handleFrame(ctx, data)
			}
		},
	}
}

func handleFrame(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		logrus.Warnf("Ignoring malformed frame: %v", err)
		return
	}

	switch f.Type {
	case models.WSTypeMessage:
		var msg models.Message
		if err := json.Unmarshal(f.Content, &msg); err != nil {
			logrus.Warnf("Ignoring malformed message: %v", err)
			return
		}
		printMessage(messenger.DecryptAll([]*models.Message{&msg})[0])

	case models.WSTypeLowPreKeys:
		var notice models.LowPreKeysNotice
		if err := json.Unmarshal(f.Content, &notice); err != nil {
			return
		}
		added, err := messenger.TopUp(ctx, notice.Recommended)
		if err != nil {
			logrus.Warnf("Failed to replenish prekeys: %v", err)
			return
		}
		logrus.Infof("Uploaded %d one-time prekeys (%d were left)", added, notice.RemainingCount)
	}
}
