package messaging

import "time"

// Event is a message the miner publishes. Fields feeds the protobuf
// encoding; the JSON encoding uses the struct tags.
type Event interface {
	Topic() string
	Key() string
	Fields() map[string]interface{}
}

// BlockFoundEvent is published when a solution passes validation
type BlockFoundEvent struct {
	BlockHash  string    `json:"block_hash"`
	PrevHash   string    `json:"prev_hash"`
	Height     int64     `json:"height"`
	Extranonce uint32    `json:"extranonce"`
	Nonce      uint32    `json:"nonce"`
	Backend    string    `json:"backend"`
	Difficulty float64   `json:"difficulty"`
	BlockHex   string    `json:"block_hex"`
	FoundAt    time.Time `json:"found_at"`
}

func (e *BlockFoundEvent) Topic() string { return TopicBlocksFound }
func (e *BlockFoundEvent) Key() string   { return e.BlockHash }

func (e *BlockFoundEvent) Fields() map[string]interface{} {
	return map[string]interface{}{
		"block_hash": e.BlockHash,
		"prev_hash":  e.PrevHash,
		"height":     e.Height,
		"extranonce": e.Extranonce,
		"nonce":      e.Nonce,
		"backend":    e.Backend,
		"difficulty": e.Difficulty,
		"block_hex":  e.BlockHex,
		"found_at":   e.FoundAt.UTC().Format(time.RFC3339Nano),
	}
}

// SubmissionResultEvent reports whether the node accepted a block
type SubmissionResultEvent struct {
	BlockHash   string    `json:"block_hash"`
	Height      int64     `json:"height"`
	Accepted    bool      `json:"accepted"`
	Duplicate   bool      `json:"duplicate"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (e *SubmissionResultEvent) Topic() string { return TopicSubmissionResults }
func (e *SubmissionResultEvent) Key() string   { return e.BlockHash }

func (e *SubmissionResultEvent) Fields() map[string]interface{} {
	return map[string]interface{}{
		"block_hash":   e.BlockHash,
		"height":       e.Height,
		"accepted":     e.Accepted,
		"duplicate":    e.Duplicate,
		"error":        e.Error,
		"submitted_at": e.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
}

// SearchReportEvent summarizes one search pass
type SearchReportEvent struct {
	Backend        string    `json:"backend"`
	PrevHash       string    `json:"prev_hash"`
	Height         int64     `json:"height"`
	Reason         string    `json:"reason"`
	Trials         uint64    `json:"trials"`
	ElapsedMs      int64     `json:"elapsed_ms"`
	HashRate       float64   `json:"hash_rate"`
	LastExtranonce uint32    `json:"last_extranonce"`
	Discarded      int       `json:"discarded"`
	ReportedAt     time.Time `json:"reported_at"`
}

func (e *SearchReportEvent) Topic() string { return TopicSearchReports }
func (e *SearchReportEvent) Key() string   { return e.PrevHash }

func (e *SearchReportEvent) Fields() map[string]interface{} {
	return map[string]interface{}{
		"backend":         e.Backend,
		"prev_hash":       e.PrevHash,
		"height":          e.Height,
		"reason":          e.Reason,
		"trials":          e.Trials,
		"elapsed_ms":      e.ElapsedMs,
		"hash_rate":       e.HashRate,
		"last_extranonce": e.LastExtranonce,
		"discarded":       e.Discarded,
		"reported_at":     e.ReportedAt.UTC().Format(time.RFC3339Nano),
	}
}
