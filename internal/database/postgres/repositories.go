package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShareRepository handles the share log
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a share. Replays of the same id are ignored.
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (id, pool_id, pool_url, username, job_id, extra_nonce2, ntime, nonce,
		                    difficulty, share_difficulty, result, reason, is_block, latency_ms, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		share.ID, share.PoolID, share.PoolURL, share.Username, share.JobID,
		share.ExtraNonce2, share.Ntime, share.Nonce, share.Difficulty, share.ShareDiff,
		share.Result, share.Reason, share.IsBlock, share.LatencyMs, share.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// GetPoolStats aggregates shares of one pool submitted after since
func (r *ShareRepository) GetPoolStats(ctx context.Context, poolID int, since time.Time) (*PoolShareStats, error) {
	query := `
		SELECT pool_id,
		       COUNT(*) FILTER (WHERE result = 'accepted'),
		       COUNT(*) FILTER (WHERE result = 'rejected'),
		       COUNT(*) FILTER (WHERE result = 'stale'),
		       COUNT(*) FILTER (WHERE result = 'lost'),
		       COALESCE(SUM(difficulty) FILTER (WHERE result = 'accepted'), 0),
		       MAX(submitted_at)
		FROM shares
		WHERE pool_id = $1 AND submitted_at >= $2
		GROUP BY pool_id`

	stats := &PoolShareStats{PoolID: poolID}
	err := r.db.QueryRowContext(ctx, query, poolID, since).Scan(
		&stats.PoolID, &stats.Accepted, &stats.Rejected, &stats.Stale, &stats.Lost,
		&stats.DiffAccepted, &stats.LastShareAt,
	)
	if err == sql.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool stats: %w", err)
	}
	return stats, nil
}

// BlockRepository handles observed chain tips
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock records a block the first time it is seen
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (hash, pool_id, generation, seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, block.Hash, block.PoolID, block.Generation, block.SeenAt); err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	return nil
}

// GetRecentBlocks retrieves recent blocks with pagination
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*Block, error) {
	query := `
		SELECT hash, pool_id, generation, seen_at
		FROM blocks
		ORDER BY seen_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		if err := rows.Scan(&block.Hash, &block.PoolID, &block.Generation, &block.SeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}
	return blocks, nil
}

// SwitchRepository handles the pool switch history
type SwitchRepository struct {
	db *sql.DB
}

// NewSwitchRepository creates a new switch repository
func NewSwitchRepository(db *sql.DB) *SwitchRepository {
	return &SwitchRepository{db: db}
}

// CreateSwitch records a pool switch
func (r *SwitchRepository) CreateSwitch(ctx context.Context, sw *PoolSwitch) error {
	query := `
		INSERT INTO pool_switches (from_pool, to_pool, strategy, switched_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query, sw.FromPool, sw.ToPool, sw.Strategy, sw.SwitchedAt).Scan(&sw.ID)
	if err != nil {
		return fmt.Errorf("failed to create pool switch: %w", err)
	}
	return nil
}
