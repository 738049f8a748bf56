package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/crypto"
	"github.com/spf13/cobra"
)

// fingerprint prints this identity's fingerprint, or the safety number with
// a peer. The peer's key comes from --peer-key or, failing that, from the
// server's key directory after its proof checks out.
func fingerprintCmd() *cobra.Command {
	var (
		peer                 string
		peerKey              string
		directoryFingerprint string
	)
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint or a safety number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := keys.Identity()
			if err != nil {
				return err
			}
			fmt.Printf("Identity key: %s\n", base64.StdEncoding.EncodeToString(id.PublicKey()))
			fmt.Printf("Fingerprint: %s\n", crypto.KeyFingerprint(id.PublicKey()))

			if peer == "" {
				return nil
			}

			var theirs []byte
			if peerKey != "" {
				theirs, err = base64.StdEncoding.DecodeString(peerKey)
				if err != nil {
					return fmt.Errorf("invalid --peer-key: %w", err)
				}
			} else {
				if err := requireLogin(); err != nil {
					return err
				}
				messenger.DirectoryFingerprint = directoryFingerprint
				lookup, err := messenger.VerifiedIdentity(cmd.Context(), peer)
				if err != nil {
					return fmt.Errorf("directory lookup for %s: %w", peer, err)
				}
				theirs = lookup.IdentityKey
				fmt.Printf("Directory: %s key version %d, epoch %d, signed by %s\n",
					peer, lookup.Proof.Leaf.KeyVersion, lookup.Head.Epoch, lookup.Head.SigningKeyFingerprint)
			}

			me := keys.Account().Username
			number, err := crypto.SafetyNumber(me, id.PublicKey(), peer, theirs)
			if err != nil {
				return err
			}
			fmt.Printf("Safety number with %s:\n%s\n", peer, number)
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "peer username")
	cmd.Flags().StringVar(&peerKey, "peer-key", "", "peer identity key (base64); skips the directory lookup")
	cmd.Flags().StringVar(&directoryFingerprint, "directory-fingerprint", "", "expected directory signing key fingerprint")
	return cmd
}
