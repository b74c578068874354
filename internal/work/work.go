// Package work builds units of work from pool state and stages them for
// hashing workers.
package work

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/pkg/errors"
)

// RollMode is how a master work item is made unique again after rolling.
type RollMode int

const (
	// RollNTime advances the header timestamp.
	RollNTime RollMode = iota
	// RollExtranonce takes the next extranonce2 and rebuilds the merkle root.
	RollExtranonce
)

func (m RollMode) String() string {
	if m == RollExtranonce {
		return "extranonce"
	}
	return "ntime"
}

// Sequence hands out work ids. One Sequence is shared by everything that
// creates work so ids never repeat.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next id, starting at 1.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Work is one header and target handed to a hashing worker.
type Work struct {
	ID   uint64
	Pool *pool.Pool
	// Protocol is how the work was fetched. Shares go back the same way even
	// if the pool has since switched protocols.
	Protocol pool.Protocol

	// Header is the 80-byte serialized block header. Workers write the nonce
	// into their own copy.
	Header []byte
	// Data is the raw 128-byte getwork buffer, nil for other protocols.
	Data []byte

	Target       target.Target
	Network      target.Target
	Difficulty   float64
	DeviceDiff   float64
	DeviceTarget target.Target
	DeviceValue  uint64

	Clone      bool
	Stale      bool
	Mandatory  bool
	BlockFound bool
	LongPoll   bool

	Staged  time.Time
	Started time.Time

	Rolls      int
	RollWindow time.Duration
	RollMode   RollMode
	Generation uint64

	JobID       string
	Extranonce2 string
	NTime       string
	SessionID   string
	JobGen      uint64
	Nonce2      uint64
	Job         *pool.Job

	Template     *bitcoin.Template
	Coinbase     *wire.MsgTx
	Transactions []*wire.MsgTx
	WorkID       string

	Algorithm string
	Hash      [32]byte
}

// Rollable reports whether w may be rolled into a new item.
func (w *Work) Rollable() bool {
	return !w.Clone && w.RollWindow > 0
}

// CanRoll reports whether w is rollable and still below maxRolls.
func (w *Work) CanRoll(maxRolls int) bool {
	return w.Rollable() && (maxRolls <= 0 || w.Rolls < maxRolls)
}

// Copy returns a deep copy of w with a new id. Slices and the coinbase are
// copied; the decoded template and its transactions are immutable and shared.
func (w *Work) Copy(id uint64) *Work {
	c := *w
	c.ID = id
	c.Header = append([]byte(nil), w.Header...)
	if w.Data != nil {
		c.Data = append([]byte(nil), w.Data...)
	}
	c.Job = w.Job.Clone()
	if w.Coinbase != nil {
		c.Coinbase = w.Coinbase.Copy()
	}
	if w.Transactions != nil {
		c.Transactions = append([]*wire.MsgTx(nil), w.Transactions...)
	}
	return &c
}

// Roll makes w unique again under a new id. Only work that is not staged may
// be rolled.
func (w *Work) Roll(id uint64) error {
	switch w.RollMode {
	case RollExtranonce:
		if err := w.rollExtranonce(); err != nil {
			return err
		}
	default:
		ntime := bitcoin.HeaderNTime(w.Header) + 1
		bitcoin.SetHeaderNTime(w.Header, ntime)
		w.NTime = bitcoin.FormatUint32BE(ntime)
	}
	w.Rolls++
	w.ID = id
	return nil
}

func (w *Work) rollExtranonce() error {
	w.Nonce2 = w.Pool.NextExtranonce2()
	switch {
	case w.Job != nil:
		en2 := bitcoin.EncodeExtranonce2(w.Nonce2, w.Job.Extranonce2Size)
		cb := bitcoin.BuildCoinbase(w.Job.Coinb1, w.Job.Extranonce1, en2, w.Job.Coinb2)
		root := bitcoin.MerkleRootFromBranch(cb, w.Job.MerkleBranch)
		copy(w.Header[36:68], root[:])
		w.Extranonce2 = hex.EncodeToString(en2)
	case w.Template != nil:
		w.Coinbase = w.Template.CoinbaseWithNonce(bitcoin.EncodeExtranonce2(w.Nonce2, 8))
		root := w.Template.MerkleRoot(w.Coinbase)
		copy(w.Header[36:68], root[:])
	default:
		return errors.New(errors.ErrorTypeInternal, "work", "extranonce roll without job or template")
	}
	return nil
}

// SubmitData returns the getwork data field with the solved header written
// back in.
func (w *Work) SubmitData() string {
	return bitcoin.EncodeGetworkData(w.Data, w.Header)
}
