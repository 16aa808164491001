// Package integrity provides the canonical encodings and hashing for the
// proof-of-judgment chain. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/arbiter-ai/arbiter/internal/model"
)

// BlockHash produces the SHA-256 hex digest of a block's canonical
// encoding. The encoding is length-prefixed: each field is written as a
// 4-byte big-endian length followed by the field bytes, which avoids
// delimiter collisions regardless of field content. Field order:
// slot, prevHash, merkleRoot, each judgment ID in block order, createdAt.
func BlockHash(slot int64, prevHash, merkleRoot string, judgmentIDs []uuid.UUID, createdAt time.Time) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(strconv.FormatInt(slot, 10))
	writeField(prevHash)
	writeField(merkleRoot)
	for _, id := range judgmentIDs {
		writeField(id.String())
	}
	writeField(createdAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// HashOf recomputes a block's hash from its other fields.
func HashOf(b model.Block) string {
	return BlockHash(b.Slot, b.PrevHash, b.MerkleRoot, b.JudgmentIDs, b.CreatedAt)
}

// LeafHash produces the Merkle leaf for one judgment ID: SHA-256 of the
// canonical string form, hex-encoded.
func LeafHash(id uuid.UUID) string {
	sum := sha256.Sum256([]byte(id.String()))
	return hex.EncodeToString(sum[:])
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01
// prefix is a domain separator for internal Merkle nodes (per RFC 6962),
// so internal hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// MerkleRoot computes the root over the ordered judgment IDs of a block.
// Leaves are LeafHash(id) in block order. Odd-length levels hash the last
// node with itself for structural binding. An empty set yields the zero
// hash (the genesis convention).
func MerkleRoot(judgmentIDs []uuid.UUID) string {
	if len(judgmentIDs) == 0 {
		return model.ZeroHash
	}

	level := make([]string, len(judgmentIDs))
	for i, id := range judgmentIDs {
		level[i] = LeafHash(id)
	}

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// VerifyBlock recomputes a block's Merkle root and hash and checks them
// against the stored values. prevHash linkage is the chain manager's
// concern; this checks only the block-local invariants.
func VerifyBlock(b model.Block) (merkleOK, hashOK bool) {
	merkleOK = MerkleRoot(b.JudgmentIDs) == b.MerkleRoot
	hashOK = HashOf(b) == b.Hash
	return merkleOK, hashOK
}
