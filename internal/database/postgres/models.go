package postgres

import (
	"time"

	"github.com/bardlex/gominer/internal/tracker"
)

// Share is one row of the share log
type Share struct {
	ID          string    `db:"id"`
	PoolID      int       `db:"pool_id"`
	PoolURL     string    `db:"pool_url"`
	Username    string    `db:"username"`
	JobID       string    `db:"job_id"`
	ExtraNonce2 string    `db:"extra_nonce2"`
	Ntime       string    `db:"ntime"`
	Nonce       string    `db:"nonce"`
	Difficulty  float64   `db:"difficulty"`
	ShareDiff   float64   `db:"share_difficulty"`
	Result      string    `db:"result"`
	Reason      string    `db:"reason"`
	IsBlock     bool      `db:"is_block"`
	LatencyMs   int64     `db:"latency_ms"`
	SubmittedAt time.Time `db:"submitted_at"`
}

// Block is a chain tip the miner observed
type Block struct {
	Hash       string    `db:"hash"`
	PoolID     *int      `db:"pool_id"` // nil when the local node reported it
	Generation int64     `db:"generation"`
	SeenAt     time.Time `db:"seen_at"`
}

// PoolSwitch records a change of the current pool
type PoolSwitch struct {
	ID         int64     `db:"id"`
	FromPool   int       `db:"from_pool"`
	ToPool     int       `db:"to_pool"`
	Strategy   string    `db:"strategy"`
	SwitchedAt time.Time `db:"switched_at"`
}

// PoolShareStats aggregates the share log of one pool
type PoolShareStats struct {
	PoolID       int        `db:"pool_id"`
	Accepted     int64      `db:"accepted"`
	Rejected     int64      `db:"rejected"`
	Stale        int64      `db:"stale"`
	Lost         int64      `db:"lost"`
	DiffAccepted float64    `db:"diff_accepted"`
	LastShareAt  *time.Time `db:"last_share_at"`
}

func shareFromEvent(ev tracker.ShareEvent) *Share {
	return &Share{
		ID:          ev.ID,
		PoolID:      ev.PoolID,
		PoolURL:     ev.PoolURL,
		Username:    ev.User,
		JobID:       ev.JobID,
		ExtraNonce2: ev.Extranonce2,
		Ntime:       ev.NTime,
		Nonce:       ev.Nonce,
		Difficulty:  ev.Difficulty,
		ShareDiff:   ev.ShareDiff,
		Result:      string(ev.Result),
		Reason:      ev.Reason,
		IsBlock:     ev.Block,
		LatencyMs:   ev.Latency.Milliseconds(),
		SubmittedAt: ev.Time,
	}
}

func blockFromEvent(ev tracker.BlockEvent) *Block {
	b := &Block{
		Hash:       ev.Hash,
		Generation: int64(ev.Generation),
		SeenAt:     ev.Time,
	}
	if ev.PoolID >= 0 {
		id := ev.PoolID
		b.PoolID = &id
	}
	return b
}

func switchFromEvent(ev tracker.SwitchEvent) *PoolSwitch {
	return &PoolSwitch{
		FromPool:   ev.From,
		ToPool:     ev.To,
		Strategy:   ev.Strategy,
		SwitchedAt: ev.Time,
	}
}
