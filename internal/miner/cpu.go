package miner

import (
	"context"
	stderrors "errors"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

// CPUWorkers hashes on goroutines with the Hasher registered for each
// work's algorithm. Device drivers implement WorkerPool the same way.
type CPUWorkers struct {
	Threads    int
	Algorithms *work.Algorithms
	// Batch is how many nonces are tried between restart checks.
	Batch  uint32
	Logger *log.Logger
}

// Run starts Threads workers and waits for them.
func (c *CPUWorkers) Run(ctx context.Context, src WorkSource) error {
	threads := c.Threads
	if threads <= 0 {
		threads = 1
	}
	algos := c.Algorithms
	if algos == nil {
		algos = work.NewAlgorithms(work.SHA256d{})
	}
	batch := c.Batch
	if batch == 0 {
		batch = 1 << 16
	}
	logger := c.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent("cpu")

	g, gctx := errgroup.WithContext(ctx)
	for i := range threads {
		g.Go(func() error {
			return cpuWorker(gctx, i, src, algos, batch, logger)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func cpuWorker(ctx context.Context, id int, src WorkSource, algos *work.Algorithms, batch uint32, logger *log.Logger) error {
	for {
		restart := src.Restart().C()
		w, err := src.GetWork(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, work.ErrFrozen) {
				return nil
			}
			return err
		}
		h, err := algos.Get(w.Algorithm)
		if err != nil {
			logger.WithError(err).Error("no hasher for work", "worker", id, "algorithm", w.Algorithm)
			continue
		}
		scanNonces(ctx, w, h, src, restart, batch)
	}
}

// scanNonces tries every nonce of w until the range is exhausted, the work
// goes stale or a restart is broadcast.
func scanNonces(ctx context.Context, w *work.Work, h work.Hasher, src WorkSource, restart <-chan struct{}, batch uint32) {
	hw := w.Copy(w.ID)
	for n := uint64(0); n <= math.MaxUint32; n++ {
		if n%uint64(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-restart:
				return
			default:
			}
			if src.IsStale(w) {
				return
			}
		}
		nonce := uint32(n)
		bitcoin.SetHeaderNonce(hw.Header, nonce)
		h.Regenhash(hw)
		if target.HashMeetsTarget(hw.Hash[:], w.DeviceTarget) {
			_ = src.SubmitNonce(ctx, w, nonce)
		}
	}
}
