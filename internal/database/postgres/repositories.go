package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// BlockRepository handles found block records
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock inserts a found block. It reports false, without error, when
// a block with the same hash is already stored.
func (r *BlockRepository) CreateBlock(ctx context.Context, block *FoundBlock) (bool, error) {
	query := `
		INSERT INTO found_blocks (hash, height, prev_hash, merkle_root, timestamp, bits, nonce,
		                          extranonce, backend, difficulty, block_hex, status, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (hash) DO NOTHING
		RETURNING id`

	if block.Status == "" {
		block.Status = StatusPending
	}
	err := r.db.QueryRowContext(ctx, query,
		block.Hash, block.Height, block.PrevHash, block.MerkleRoot, block.Timestamp,
		block.Bits, block.Nonce, block.Extranonce, block.Backend, block.Difficulty,
		block.BlockHex, block.Status, block.FoundAt,
	).Scan(&block.ID)

	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to create block: %w", err)
	}

	return true, nil
}

// UpdateBlockStatus records the node's verdict on a submitted block.
func (r *BlockRepository) UpdateBlockStatus(ctx context.Context, hash, status, reason string) error {
	var rejectReason *string
	if reason != "" {
		rejectReason = &reason
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE found_blocks SET status = $1, reject_reason = $2, submitted_at = $3 WHERE hash = $4`,
		status, rejectReason, time.Now(), hash)
	if err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("block %s: %w", hash, ErrNotFound)
	}

	return nil
}

const blockColumns = `id, hash, height, prev_hash, merkle_root, timestamp, bits, nonce, extranonce,
		       backend, difficulty, block_hex, status, reject_reason, found_at, submitted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(s scanner) (*FoundBlock, error) {
	block := &FoundBlock{}
	err := s.Scan(
		&block.ID, &block.Hash, &block.Height, &block.PrevHash, &block.MerkleRoot,
		&block.Timestamp, &block.Bits, &block.Nonce, &block.Extranonce,
		&block.Backend, &block.Difficulty, &block.BlockHex, &block.Status,
		&block.RejectReason, &block.FoundAt, &block.SubmittedAt,
	)
	return block, err
}

// GetBlockByHash retrieves a block by its display-order hash.
func (r *BlockRepository) GetBlockByHash(ctx context.Context, hash string) (*FoundBlock, error) {
	block, err := scanBlock(r.db.QueryRowContext(ctx,
		`SELECT `+blockColumns+` FROM found_blocks WHERE hash = $1`, hash))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("block %s: %w", hash, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return block, nil
}

// GetRecentBlocks retrieves recent blocks with pagination
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*FoundBlock, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM found_blocks
		ORDER BY found_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*FoundBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}

// GetBlocksByStatus retrieves up to limit blocks with the given status,
// oldest first.
func (r *BlockRepository) GetBlocksByStatus(ctx context.Context, status string, limit int) ([]*FoundBlock, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM found_blocks
		WHERE status = $1
		ORDER BY found_at ASC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*FoundBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

// PassRepository handles search pass records
type PassRepository struct {
	db *sql.DB
}

// NewPassRepository creates a new search pass repository
func NewPassRepository(db *sql.DB) *PassRepository {
	return &PassRepository{db: db}
}

// CreatePass records a search pass summary.
func (r *PassRepository) CreatePass(ctx context.Context, pass *SearchPass) error {
	query := `
		INSERT INTO search_passes (backend, prev_hash, height, reason, trials, elapsed_ms,
		                           hash_rate, last_extranonce, discarded, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		pass.Backend, pass.PrevHash, pass.Height, pass.Reason, pass.Trials, pass.ElapsedMs,
		pass.HashRate, pass.LastExtranonce, pass.Discarded, pass.ReportedAt,
	).Scan(&pass.ID)
	if err != nil {
		return fmt.Errorf("failed to create search pass: %w", err)
	}
	return nil
}

// TrialsForTip sums the trials spent on prevHash across all passes.
func (r *PassRepository) TrialsForTip(ctx context.Context, prevHash string) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(trials) FROM search_passes WHERE prev_hash = $1`, prevHash).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum trials: %w", err)
	}
	return total.Int64, nil
}
