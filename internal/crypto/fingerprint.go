package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/xof"
)

const fingerprintVersion = 1

// KeyFingerprint is a short, human-comparable digest of a public key, shown
// as eight groups of four hex characters.
func KeyFingerprint(publicKey []byte) string {
	h := xof.SHAKE256.New()
	h.Write([]byte("MyNetRunner-key-fingerprint"))
	h.Write(publicKey)

	out := make([]byte, 16)
	h.Read(out)

	enc := hex.EncodeToString(out)
	groups := make([]string, 0, len(enc)/4)
	for i := 0; i < len(enc); i += 4 {
		groups = append(groups, enc[i:i+4])
	}
	return strings.Join(groups, " ")
}

// SafetyNumber derives the 60-digit number two users compare out of band.
// Both sides get the same digits regardless of argument order.
func SafetyNumber(ourID string, ourIdentityKey []byte, theirID string, theirIdentityKey []byte) (string, error) {
	if _, err := ParsePublicKey(ourIdentityKey); err != nil {
		return "", err
	}
	if _, err := ParsePublicKey(theirIdentityKey); err != nil {
		return "", err
	}

	ours := displayDigits(ourID, ourIdentityKey)
	theirs := displayDigits(theirID, theirIdentityKey)

	if ourID > theirID || (ourID == theirID && bytes.Compare(ourIdentityKey, theirIdentityKey) > 0) {
		ours, theirs = theirs, ours
	}
	return ours + theirs, nil
}

// displayDigits renders 30 digits for one party: six chunks of five bytes,
// each reduced mod 100000.
func displayDigits(id string, identityKey []byte) string {
	h := xof.SHAKE256.New()
	var version [2]byte
	binary.BigEndian.PutUint16(version[:], fingerprintVersion)
	h.Write(version[:])
	h.Write(identityKey)
	h.Write([]byte(id))

	out := make([]byte, 30)
	h.Read(out)

	var b strings.Builder
	for i := 0; i < len(out); i += 5 {
		chunk := uint64(out[i])<<32 | uint64(out[i+1])<<24 | uint64(out[i+2])<<16 | uint64(out[i+3])<<8 | uint64(out[i+4])
		fmt.Fprintf(&b, "%05d", chunk%100000)
	}
	return b.String()
}
