package postgres

import (
	"time"
)

// Block statuses
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusDuplicate = "duplicate"
)

// FoundBlock is a block whose header met the network target.
type FoundBlock struct {
	ID           int64      `db:"id"`
	Hash         string     `db:"hash"`
	Height       int64      `db:"height"`
	PrevHash     string     `db:"prev_hash"`
	MerkleRoot   string     `db:"merkle_root"`
	Timestamp    time.Time  `db:"timestamp"`
	Bits         string     `db:"bits"`
	Nonce        int64      `db:"nonce"`
	Extranonce   int64      `db:"extranonce"`
	Backend      string     `db:"backend"`
	Difficulty   float64    `db:"difficulty"`
	BlockHex     string     `db:"block_hex"`
	Status       string     `db:"status"` // pending, accepted, rejected, duplicate
	RejectReason *string    `db:"reject_reason"`
	FoundAt      time.Time  `db:"found_at"`
	SubmittedAt  *time.Time `db:"submitted_at"`
}

// SearchPass summarizes one search over a template.
type SearchPass struct {
	ID             int64     `db:"id"`
	Backend        string    `db:"backend"`
	PrevHash       string    `db:"prev_hash"`
	Height         int64     `db:"height"`
	Reason         string    `db:"reason"`
	Trials         int64     `db:"trials"`
	ElapsedMs      int64     `db:"elapsed_ms"`
	HashRate       float64   `db:"hash_rate"`
	LastExtranonce int64     `db:"last_extranonce"`
	Discarded      int       `db:"discarded"`
	ReportedAt     time.Time `db:"reported_at"`
}
