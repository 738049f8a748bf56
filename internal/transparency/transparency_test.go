package transparency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandro-garf/MyNetRunner-sub000/internal/crypto"
	"github.com/alejandro-garf/MyNetRunner-sub000/internal/db"
	"github.com/google/uuid"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	database, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error = %v", err)
	}
	return NewService(database, signer)
}

func identityKey(t *testing.T) []byte {
	t.Helper()
	identity, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("GenerateIdentityKeyPair() error = %v", err)
	}
	return identity.PublicKey()
}

func TestEmptyTreeRoot(t *testing.T) {
	tr := buildTree(nil)
	if string(tr.root) != string(GetDefaultHash(0)) {
		t.Error("Empty tree root should be the default hash at depth 0")
	}
	if tr.prove(uuid.New()) != nil {
		t.Error("Empty tree should not prove anything")
	}
}

func TestInclusionProofs(t *testing.T) {
	var leaves []*Leaf
	for i := 0; i < 20; i++ {
		leaves = append(leaves, &Leaf{
			UserID:                 uuid.New(),
			IdentityKeyFingerprint: ComputeKeyFingerprint([]byte{byte(i)}),
			KeyVersion:             1 + i%3,
		})
	}
	tr := buildTree(leaves)

	for _, leaf := range leaves {
		proof := tr.prove(leaf.UserID)
		if proof == nil {
			t.Fatalf("prove(%s) returned nil", leaf.UserID)
		}
		if !VerifyInclusionProof(proof) {
			t.Errorf("Proof for %s did not verify", leaf.UserID)
		}
	}

	if tr.prove(uuid.New()) != nil {
		t.Error("Expected no proof for an absent user")
	}
}

func TestInclusionProofRejectsTampering(t *testing.T) {
	leaves := []*Leaf{
		{UserID: uuid.New(), IdentityKeyFingerprint: "aa", KeyVersion: 1},
		{UserID: uuid.New(), IdentityKeyFingerprint: "bb", KeyVersion: 1},
	}
	tr := buildTree(leaves)

	tests := []struct {
		name   string
		tamper func(p *InclusionProof)
	}{
		{"version", func(p *InclusionProof) { p.Leaf.KeyVersion = 2 }},
		{"fingerprint", func(p *InclusionProof) { p.Leaf.IdentityKeyFingerprint = "cc" }},
		{"sibling", func(p *InclusionProof) { p.SiblingPath[255] = GetDefaultHash(0) }},
		{"path", func(p *InclusionProof) { p.PathBits = ComputeUserPath(uuid.New()) }},
		{"short path", func(p *InclusionProof) { p.SiblingPath = p.SiblingPath[:10] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof := tr.prove(leaves[0].UserID)
			leafCopy := *proof.Leaf
			proof.Leaf = &leafCopy
			proof.SiblingPath = append([][]byte(nil), proof.SiblingPath...)

			tt.tamper(proof)
			if VerifyInclusionProof(proof) {
				t.Error("Tampered proof verified")
			}
		})
	}
}

func TestSignerPEMRoundTrip(t *testing.T) {
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error = %v", err)
	}
	encoded, err := signer.MarshalPEM()
	if err != nil {
		t.Fatalf("MarshalPEM() error = %v", err)
	}

	loaded, err := LoadSigner(string(encoded))
	if err != nil {
		t.Fatalf("LoadSigner() error = %v", err)
	}
	if loaded.Fingerprint() != signer.Fingerprint() {
		t.Errorf("Fingerprint = %s, want %s", loaded.Fingerprint(), signer.Fingerprint())
	}

	if _, err := NewSigner([]byte("not pem")); err == nil {
		t.Error("Expected error for garbage PEM")
	}
}

func TestVerifyTreeHead(t *testing.T) {
	signer, _ := GenerateSigner()
	other, _ := GenerateSigner()

	sth := signer.CreateSignedTreeHead(3, 2, GetDefaultHash(0), time.Now())
	if err := VerifyTreeHead(signer.PublicKey(), sth); err != nil {
		t.Fatalf("VerifyTreeHead() error = %v", err)
	}
	if err := VerifyTreeHead(other.PublicKey(), sth); !errors.Is(err, ErrTreeHeadInvalid) {
		t.Errorf("Wrong key: error = %v, want ErrTreeHeadInvalid", err)
	}

	sth.Epoch = 4
	if err := VerifyTreeHead(signer.PublicKey(), sth); !errors.Is(err, ErrTreeHeadInvalid) {
		t.Errorf("Modified epoch: error = %v, want ErrTreeHeadInvalid", err)
	}
}

func TestRecordVersions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	alice := uuid.New()

	first := identityKey(t)
	changed, err := svc.Record(ctx, alice, first)
	if err != nil || !changed {
		t.Fatalf("Record() = %v, %v; want true, nil", changed, err)
	}

	changed, err = svc.Record(ctx, alice, first)
	if err != nil || changed {
		t.Fatalf("Record() same key = %v, %v; want false, nil", changed, err)
	}

	head, err := svc.Head(ctx)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head.Epoch != 1 || head.TreeSize != 1 {
		t.Errorf("Head = epoch %d size %d, want 1 and 1", head.Epoch, head.TreeSize)
	}

	second := identityKey(t)
	if _, err := svc.Record(ctx, alice, second); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	lookup, err := svc.Lookup(ctx, alice)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if lookup.Proof.Leaf.KeyVersion != 2 {
		t.Errorf("KeyVersion = %d, want 2", lookup.Proof.Leaf.KeyVersion)
	}
	if string(lookup.IdentityKey) != string(second) {
		t.Error("Lookup returned the replaced identity key")
	}
	if lookup.Head.Epoch != 2 {
		t.Errorf("Epoch = %d, want 2", lookup.Head.Epoch)
	}
}

func TestLookupVerifies(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, u := range users {
		if _, err := svc.Record(ctx, u, identityKey(t)); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	pub := svc.SigningKey().PublicKey
	for _, u := range users {
		lookup, err := svc.Lookup(ctx, u)
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if err := lookup.Verify(pub); err != nil {
			t.Errorf("Verify() error = %v", err)
		}
	}

	if _, err := svc.Lookup(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup() unknown user error = %v, want ErrNotFound", err)
	}

	// A substituted identity key must not pass.
	lookup, _ := svc.Lookup(ctx, users[0])
	lookup.IdentityKey = identityKey(t)
	if err := lookup.Verify(pub); !errors.Is(err, ErrProofInvalid) {
		t.Errorf("Verify() substituted key error = %v, want ErrProofInvalid", err)
	}

	// A proof for another user must not pass either.
	lookup, _ = svc.Lookup(ctx, users[0])
	other, _ := svc.Lookup(ctx, users[1])
	lookup.Proof = other.Proof
	if err := lookup.Verify(pub); !errors.Is(err, ErrProofInvalid) {
		t.Errorf("Verify() swapped proof error = %v, want ErrProofInvalid", err)
	}
}

func TestHeadTracksChanges(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	empty, err := svc.Head(ctx)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if empty.TreeSize != 0 {
		t.Errorf("TreeSize = %d, want 0", empty.TreeSize)
	}

	if _, err := svc.Record(ctx, uuid.New(), identityKey(t)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	head, _ := svc.Head(ctx)
	if string(head.RootHash) == string(empty.RootHash) {
		t.Error("Root did not change after a new entry")
	}
	if err := VerifyTreeHead(svc.SigningKey().PublicKey, head); err != nil {
		t.Errorf("VerifyTreeHead() error = %v", err)
	}
}
