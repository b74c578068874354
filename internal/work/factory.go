package work

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"slices"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// ErrUpgraded is returned instead of RPC work when the reply moved the pool
// onto stratum.
var ErrUpgraded = errors.New(errors.ErrorTypeStale, "build_work", "pool moved to stratum")

// RPC is the subset of bitcoin.RPCClient the factory needs.
type RPC interface {
	GetWork(ctx context.Context, ep bitcoin.Endpoint) (*bitcoin.GetworkResult, *bitcoin.Reply, error)
	GetBlockTemplate(ctx context.Context, ep bitcoin.Endpoint) (*btcjson.GetBlockTemplateResult, *bitcoin.Reply, error)
}

// FactoryOptions configure a Factory.
type FactoryOptions struct {
	Algorithms *Algorithms
	RPC        RPC
	Sequence   *Sequence
	// MaxDeviceDiff caps the difficulty handed to workers. Zero means no cap.
	MaxDeviceDiff float64
	// OnStratum is called when an RPC pool advertises a stratum endpoint.
	OnStratum func(p *pool.Pool, url string)
	Logger    *log.Logger
	Now       func() time.Time
}

// Factory turns pool state into Work.
type Factory struct {
	algos     *Algorithms
	rpc       RPC
	seq       *Sequence
	maxDiff   float64
	onStratum func(p *pool.Pool, url string)
	logger    *log.Logger
	now       func() time.Time
}

// NewFactory creates a factory.
func NewFactory(opts FactoryOptions) *Factory {
	if opts.Algorithms == nil {
		opts.Algorithms = NewAlgorithms(SHA256d{})
	}
	if opts.Sequence == nil {
		opts.Sequence = &Sequence{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Factory{
		algos:     opts.Algorithms,
		rpc:       opts.RPC,
		seq:       opts.Sequence,
		maxDiff:   opts.MaxDeviceDiff,
		onStratum: opts.OnStratum,
		logger:    opts.Logger.WithComponent("factory"),
		now:       opts.Now,
	}
}

// Sequence returns the id source shared with the queue.
func (f *Factory) Sequence() *Sequence {
	return f.seq
}

// Algorithms returns the hasher registry.
func (f *Factory) Algorithms() *Algorithms {
	return f.algos
}

// Endpoint returns the RPC endpoint for p.
func Endpoint(p *pool.Pool) bitcoin.Endpoint {
	return bitcoin.Endpoint{ID: p.ID, URL: p.URL(), User: p.User, Pass: p.Pass}
}

// Build produces one Work for p using whatever protocol p speaks. Pools of
// unknown protocol are probed with getblocktemplate first, then getwork.
func (f *Factory) Build(ctx context.Context, p *pool.Pool) (*Work, error) {
	switch p.Protocol() {
	case pool.ProtocolStratum:
		return f.FromStratum(p)
	case pool.ProtocolGetwork:
		return f.fetchGetwork(ctx, p)
	case pool.ProtocolGBT:
		return f.fetchTemplate(ctx, p)
	}

	w, err := f.fetchTemplate(ctx, p)
	if err == nil {
		p.SetProtocol(pool.ProtocolGBT)
		return w, nil
	}
	if !errors.IsType(err, errors.ErrorTypeProtocol) {
		return nil, err
	}
	f.logger.Debug("getblocktemplate unsupported, trying getwork", "pool", p.ID, "error", err)
	w, err = f.fetchGetwork(ctx, p)
	if err != nil {
		return nil, err
	}
	p.SetProtocol(pool.ProtocolGetwork)
	return w, nil
}

// FromStratum builds work from the pool's current job with a fresh
// extranonce2.
func (f *Factory) FromStratum(p *pool.Pool) (*Work, error) {
	job := p.Job()
	if job == nil {
		return nil, errors.New(errors.ErrorTypeNetwork, "build_work", "pool has no job").
			WithContext("pool", p.ID)
	}
	h, err := f.algos.Get(p.Algorithm)
	if err != nil {
		return nil, err
	}
	params := h.Params()

	prev, err := bitcoin.ParsePrevHash(job.PrevHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "build_work", "invalid prevhash")
	}
	version, err := bitcoin.ParseUint32BE(job.Version)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "build_work", "invalid version")
	}
	nbits, err := bitcoin.ParseUint32BE(job.NBits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "build_work", "invalid nbits")
	}
	ntime, err := bitcoin.ParseUint32BE(job.NTime)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "build_work", "invalid ntime")
	}

	n2 := p.NextExtranonce2()
	en2 := bitcoin.EncodeExtranonce2(n2, job.Extranonce2Size)
	coinbase := bitcoin.BuildCoinbase(job.Coinb1, job.Extranonce1, en2, job.Coinb2)
	root := bitcoin.MerkleRootFromBranch(coinbase, job.MerkleBranch)
	header, err := bitcoin.SerializeHeader(int32(version), prev, root, ntime, nbits, 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeResource, "build_work", "failed to assemble header")
	}

	w := &Work{
		ID:          f.seq.Next(),
		Pool:        p,
		Protocol:    pool.ProtocolStratum,
		Header:      header,
		Network:     target.FromCompact(nbits),
		RollMode:    params.RollMode,
		JobID:       job.JobID,
		Extranonce2: hex.EncodeToString(en2),
		NTime:       job.NTime,
		SessionID:   job.SessionID,
		JobGen:      job.Generation,
		Nonce2:      n2,
		Job:         job,
		Algorithm:   params.Name,
	}
	f.setDifficulty(w, job.Difficulty/multiplier(params), params.Encoding)
	if err := h.PrepareWork(w); err != nil {
		return nil, err
	}
	p.RecordWork()
	return w, nil
}

// FromGetwork builds work from a getwork result. Long-poll replies take the
// same path.
func (f *Factory) FromGetwork(p *pool.Pool, res *bitcoin.GetworkResult, reply *bitcoin.Reply) (*Work, error) {
	h, err := f.algos.Get(p.Algorithm)
	if err != nil {
		return nil, err
	}
	params := h.Params()

	header, data, err := bitcoin.DecodeGetworkData(res.Data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getwork", "invalid data")
	}
	tgt, err := target.ParseHexLE(res.Target)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getwork", "invalid target")
	}
	nbits := binary.LittleEndian.Uint32(header[bitcoin.NBitsOffset:])

	w := &Work{
		ID:        f.seq.Next(),
		Pool:      p,
		Protocol:  pool.ProtocolGetwork,
		Header:    header,
		Data:      data,
		Network:   target.FromCompact(nbits),
		RollMode:  RollNTime,
		NTime:     bitcoin.FormatUint32BE(bitcoin.HeaderNTime(header)),
		Algorithm: params.Name,
	}
	if params.RollMode == RollNTime && reply != nil {
		w.RollWindow = reply.RollWindow
	}
	f.setTarget(w, tgt, params.Encoding)
	if err := h.PrepareWork(w); err != nil {
		return nil, err
	}
	if f.applyReply(p, reply) {
		return nil, ErrUpgraded
	}
	p.RecordWork()
	return w, nil
}

// FromTemplate builds work from a block template.
func (f *Factory) FromTemplate(p *pool.Pool, tmpl *btcjson.GetBlockTemplateResult, reply *bitcoin.Reply) (*Work, error) {
	h, err := f.algos.Get(p.Algorithm)
	if err != nil {
		return nil, err
	}
	params := h.Params()

	t, err := bitcoin.DecodeTemplate(tmpl)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getblocktemplate", "invalid template")
	}
	tgt, err := target.ParseHex(tmpl.Target)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getblocktemplate", "invalid target")
	}

	n2 := p.NextExtranonce2()
	coinbase := t.CoinbaseWithNonce(bitcoin.EncodeExtranonce2(n2, 8))
	root := t.MerkleRoot(coinbase)
	header, err := bitcoin.SerializeHeader(t.Version, t.PrevHash, root, t.CurTime, t.Bits, 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeResource, "getblocktemplate", "failed to assemble header")
	}

	w := &Work{
		ID:           f.seq.Next(),
		Pool:         p,
		Protocol:     pool.ProtocolGBT,
		Header:       header,
		Network:      target.FromCompact(t.Bits),
		NTime:        bitcoin.FormatUint32BE(t.CurTime),
		Nonce2:       n2,
		Template:     t,
		Coinbase:     coinbase,
		Transactions: t.Transactions,
		WorkID:       t.WorkID,
		Algorithm:    params.Name,
	}
	w.RollMode, w.RollWindow = templateRolling(tmpl.Mutable, params.RollMode, reply)
	f.setTarget(w, tgt, params.Encoding)
	if err := h.PrepareWork(w); err != nil {
		return nil, err
	}
	if f.applyReply(p, reply) {
		return nil, ErrUpgraded
	}
	p.RecordWork()
	return w, nil
}

// templateRolling picks how GBT work may be rolled from the fields the
// template marks mutable.
func templateRolling(mutable []string, mode RollMode, reply *bitcoin.Reply) (RollMode, time.Duration) {
	window := bitcoin.DefaultRollWindow
	if reply != nil && reply.RollWindow > 0 {
		window = reply.RollWindow
	}
	canTime := slices.Contains(mutable, "time") || slices.Contains(mutable, "time/increment")
	canAppend := slices.Contains(mutable, "coinbase/append")
	switch {
	case mode == RollNTime && canTime:
		return RollNTime, window
	case canAppend:
		return RollExtranonce, window
	default:
		return mode, 0
	}
}

func (f *Factory) fetchGetwork(ctx context.Context, p *pool.Pool) (*Work, error) {
	if f.rpc == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "getwork", "no rpc transport")
	}
	res, reply, err := f.rpc.GetWork(ctx, Endpoint(p))
	if err != nil {
		return nil, err
	}
	return f.FromGetwork(p, res, reply)
}

func (f *Factory) fetchTemplate(ctx context.Context, p *pool.Pool) (*Work, error) {
	if f.rpc == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "getblocktemplate", "no rpc transport")
	}
	tmpl, reply, err := f.rpc.GetBlockTemplate(ctx, Endpoint(p))
	if err != nil {
		return nil, err
	}
	return f.FromTemplate(p, tmpl, reply)
}

// applyReply records what the RPC response headers advertise. It reports
// whether the pool now speaks stratum, in which case the RPC work must not
// be staged.
func (f *Factory) applyReply(p *pool.Pool, reply *bitcoin.Reply) bool {
	if reply == nil {
		return false
	}
	p.RecordLatency(reply.Latency)
	if reply.LongPoll != "" && p.LongPollURL() == "" {
		lp, err := bitcoin.ResolveLongPollURL(p.URL(), reply.LongPoll)
		if err != nil {
			f.logger.Error("invalid long-poll url", "pool", p.ID, "url", reply.LongPoll, "error", err)
		} else {
			f.logger.Info("pool supports long polling", "pool", p.ID, "url", lp)
			p.SetLongPollURL(lp)
		}
	}
	if reply.Stratum != "" {
		f.logger.Info("pool advertises stratum", "pool", p.ID, "url", reply.Stratum)
		if f.onStratum != nil {
			f.onStratum(p, reply.Stratum)
		}
	}
	return p.Protocol() == pool.ProtocolStratum
}

func multiplier(p Params) float64 {
	if p.DiffMultiplier <= 0 {
		return 1
	}
	return p.DiffMultiplier
}

// setDifficulty derives the share and device targets from diff.
func (f *Factory) setDifficulty(w *Work, diff float64, enc target.Encoding) {
	if diff <= 0 {
		f.logger.Warn("non-positive difficulty, using 1", "pool", w.Pool.ID, "difficulty", diff)
		diff = 1
	}
	w.Difficulty = diff
	w.Target = target.FromDifficultyWith(diff, enc)
	f.setDevice(w, enc)
}

// setTarget is setDifficulty for protocols that hand out the target itself.
func (f *Factory) setTarget(w *Work, t target.Target, enc target.Encoding) {
	w.Target = t
	w.Difficulty = target.ToDifficulty(t)
	f.setDevice(w, enc)
}

func (f *Factory) setDevice(w *Work, enc target.Encoding) {
	w.DeviceDiff = w.Difficulty
	w.DeviceTarget = w.Target
	if f.maxDiff > 0 && w.DeviceDiff > f.maxDiff {
		w.DeviceDiff = f.maxDiff
		w.DeviceTarget = target.FromDifficultyWith(f.maxDiff, enc)
	}
	w.DeviceValue = target.DeviceValue(w.DeviceTarget)
}
