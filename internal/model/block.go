package model

import (
	"time"

	"github.com/google/uuid"
)

// ZeroHash is the 64-hex-zero hash used for the genesis block's PrevHash
// and for the Merkle root of an empty judgment set.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Block is one sealed entry of the proof-of-judgment chain. Blocks are
// immutable once stored; Slot is strictly monotonic with slot 0 reserved
// for genesis.
type Block struct {
	Slot        int64       `json:"slot"`
	PrevHash    string      `json:"prev_hash"`
	MerkleRoot  string      `json:"merkle_root"`
	JudgmentIDs []uuid.UUID `json:"judgment_ids"`
	Hash        string      `json:"hash"`
	CreatedAt   time.Time   `json:"created_at"`
}

// IsGenesis reports whether the block is the chain's genesis block.
func (b Block) IsGenesis() bool {
	return b.Slot == 0
}
