/*
Package transparency keeps a signed directory of identity keys.

Every user who uploads a bundle gets a leaf in a 256-bit Sparse Merkle Tree
keyed by SHA-256(user_id). The leaf commits to the identity key fingerprint
and a version that increases each time the key changes. The root is signed
with the server's Ed25519 directory key, so a client can check the identity
key it was handed against the same tree every other client sees.

TREE STRUCTURE:
  - Path is SHA-256(user_id), read most significant bit first
  - Empty subtrees hash to precomputed defaults
  - Leaves are never removed; a reset only bumps the version on re-upload
*/
package transparency

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/google/uuid"
)

const (
	// TreeDepth is the depth of the Sparse Merkle Tree (SHA-256 = 256 bits)
	TreeDepth = 256

	// HashSize is the size of SHA-256 output in bytes
	HashSize = 32
)

var leafPrefix = []byte("MyNetRunner-leaf-v1")

// Leaf is the data committed at a user's position in the tree.
type Leaf struct {
	UserID                 uuid.UUID `json:"userId"`
	IdentityKeyFingerprint string    `json:"identityKeyFingerprint"`
	KeyVersion             int       `json:"keyVersion"`
}

// InclusionProof proves a leaf sits at its user's path under RootHash.
// SiblingPath[d] is the hash of the sibling subtree hanging off depth d.
type InclusionProof struct {
	Leaf        *Leaf    `json:"leaf"`
	LeafHash    []byte   `json:"leafHash"`
	SiblingPath [][]byte `json:"siblingPath"`
	PathBits    []byte   `json:"pathBits"`
	RootHash    []byte   `json:"rootHash"`
}

// defaultHashes[i] is the hash of an empty subtree whose root is at depth i
var defaultHashes [TreeDepth + 1][]byte

func init() {
	emptyLeaf := sha256.Sum256(nil)
	defaultHashes[TreeDepth] = emptyLeaf[:]
	for i := TreeDepth - 1; i >= 0; i-- {
		defaultHashes[i] = HashInternal(defaultHashes[i+1], defaultHashes[i+1])
	}
}

// GetDefaultHash returns the precomputed hash for an empty subtree at the given depth
func GetDefaultHash(depth int) []byte {
	if depth < 0 || depth > TreeDepth {
		return nil
	}
	result := make([]byte, HashSize)
	copy(result, defaultHashes[depth])
	return result
}

// HashLeaf computes SHA256(prefix || user_id || fingerprint || version).
func HashLeaf(leaf *Leaf) []byte {
	if leaf == nil {
		return GetDefaultHash(TreeDepth)
	}

	var version [8]byte
	binary.BigEndian.PutUint64(version[:], uint64(leaf.KeyVersion))

	h := sha256.New()
	h.Write(leafPrefix)
	h.Write(leaf.UserID[:])
	h.Write([]byte(leaf.IdentityKeyFingerprint))
	h.Write(version[:])
	return h.Sum(nil)
}

// HashInternal computes SHA256(left || right)
func HashInternal(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// ComputeUserPath returns the SMT path for a user ID
func ComputeUserPath(userID uuid.UUID) []byte {
	hash := sha256.Sum256(userID[:])
	return hash[:]
}

// GetBit returns the bit at the given index in the byte slice
// Index 0 is the most significant bit of the first byte
func GetBit(data []byte, index int) int {
	if index < 0 || index >= len(data)*8 {
		return 0
	}
	return int((data[index/8] >> (7 - index%8)) & 1)
}

// ComputeKeyFingerprint computes SHA-256 fingerprint of a public key
func ComputeKeyFingerprint(publicKey []byte) string {
	hash := sha256.Sum256(publicKey)
	return hex.EncodeToString(hash[:16])
}

// VerifyInclusionProof folds the sibling path from the leaf up and compares
// the result with the proof's root.
func VerifyInclusionProof(proof *InclusionProof) bool {
	if proof == nil || proof.Leaf == nil || len(proof.SiblingPath) != TreeDepth {
		return false
	}
	if !bytes.Equal(proof.PathBits, ComputeUserPath(proof.Leaf.UserID)) {
		return false
	}

	current := HashLeaf(proof.Leaf)
	if !bytes.Equal(current, proof.LeafHash) {
		return false
	}

	for depth := TreeDepth - 1; depth >= 0; depth-- {
		sibling := proof.SiblingPath[depth]
		if len(sibling) != HashSize {
			return false
		}
		if GetBit(proof.PathBits, depth) == 0 {
			current = HashInternal(current, sibling)
		} else {
			current = HashInternal(sibling, current)
		}
	}

	return bytes.Equal(current, proof.RootHash)
}

type node struct {
	path []byte
	hash []byte
	leaf *Leaf
}

// tree is an in-memory snapshot of the directory. Nodes are sorted by path so
// every subtree is a contiguous run.
type tree struct {
	nodes []node
	root  []byte
}

func buildTree(leaves []*Leaf) *tree {
	nodes := make([]node, 0, len(leaves))
	for _, leaf := range leaves {
		nodes = append(nodes, node{
			path: ComputeUserPath(leaf.UserID),
			hash: HashLeaf(leaf),
			leaf: leaf,
		})
	}
	sort.Slice(nodes, func(i, j int) bool {
		return bytes.Compare(nodes[i].path, nodes[j].path) < 0
	})

	t := &tree{nodes: nodes}
	t.root = subtreeHash(nodes, 0)
	return t
}

// split divides a run sharing the first depth bits by the bit at depth.
func split(nodes []node, depth int) (left, right []node) {
	i := sort.Search(len(nodes), func(i int) bool {
		return GetBit(nodes[i].path, depth) == 1
	})
	return nodes[:i], nodes[i:]
}

func subtreeHash(nodes []node, depth int) []byte {
	if len(nodes) == 0 {
		return defaultHashes[depth]
	}
	if depth == TreeDepth {
		return nodes[0].hash
	}
	left, right := split(nodes, depth)
	return HashInternal(subtreeHash(left, depth+1), subtreeHash(right, depth+1))
}

func (t *tree) size() int {
	return len(t.nodes)
}

// prove returns the inclusion proof for userID, or nil when it has no leaf.
func (t *tree) prove(userID uuid.UUID) *InclusionProof {
	path := ComputeUserPath(userID)
	i := sort.Search(len(t.nodes), func(i int) bool {
		return bytes.Compare(t.nodes[i].path, path) >= 0
	})
	if i == len(t.nodes) || !bytes.Equal(t.nodes[i].path, path) {
		return nil
	}
	target := t.nodes[i]

	siblings := make([][]byte, TreeDepth)
	run := t.nodes
	for depth := 0; depth < TreeDepth; depth++ {
		left, right := split(run, depth)
		if GetBit(path, depth) == 0 {
			siblings[depth] = subtreeHash(right, depth+1)
			run = left
		} else {
			siblings[depth] = subtreeHash(left, depth+1)
			run = right
		}
	}

	return &InclusionProof{
		Leaf:        target.leaf,
		LeafHash:    target.hash,
		SiblingPath: siblings,
		PathBits:    path,
		RootHash:    t.root,
	}
}
