package search

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gomine/internal/target"
	"github.com/bardlex/gomine/internal/work"
	"github.com/bardlex/gomine/pkg/log"
)

// DefaultSampleInterval is the number of trials between cancellation and
// deadline checks.
const DefaultSampleInterval = 1 << 20

// StopReason says why a search returned.
type StopReason int

const (
	Found StopReason = iota
	Timeout
	Exhausted
	Canceled
)

func (r StopReason) String() string {
	switch r {
	case Found:
		return "found"
	case Timeout:
		return "timeout"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// UnitBuilder produces the unit for an extranonce. *work.Builder implements it.
type UnitBuilder interface {
	Build(extranonce uint32) (*work.Unit, error)
}

// Options bounds a search. Ranges are inclusive. NonceStart applies to
// the first extranonce only; later extranonces start at nonce 0. The time
// budget comes from the first unit's Timeout.
type Options struct {
	ExtranonceStart uint32
	ExtranonceEnd   uint32
	NonceStart      uint32
	NonceEnd        uint32
}

// FullRange covers every extranonce and nonce.
func FullRange() Options {
	return Options{ExtranonceEnd: ^uint32(0), NonceEnd: ^uint32(0)}
}

// Result is the outcome of a search. Solution is set only when Reason is Found.
type Result struct {
	Solution       *work.Solution
	Reason         StopReason
	Trials         uint64
	Elapsed        time.Duration
	HashRate       float64
	LastExtranonce uint32
	// Discarded counts reported solutions that failed re-verification.
	Discarded int
}

// Found reports whether a solution was found.
func (r *Result) Found() bool { return r.Reason == Found && r.Solution != nil }

// Finish stamps the elapsed time since start and derives the hash rate.
func (r *Result) Finish(start time.Time) *Result {
	r.Elapsed = time.Since(start)
	if secs := r.Elapsed.Seconds(); secs > 0 {
		r.HashRate = float64(r.Trials) / secs
	}
	return r
}

// Config tunes the local engine.
type Config struct {
	// Workers defaults to runtime.NumCPU().
	Workers int
	// SampleInterval defaults to DefaultSampleInterval.
	SampleInterval uint32
}

// Engine searches on local CPU workers.
type Engine struct {
	workers int
	sample  uint32
	logger  *log.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg Config, logger *log.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		workers: cfg.Workers,
		sample:  cfg.SampleInterval,
		logger:  logger.WithComponent("search"),
	}
}

// Name identifies the backend in logs and metrics.
func (e *Engine) Name() string { return "cpu" }

// Search iterates extranonces from opts.ExtranonceStart, scanning the
// nonce range of each unit in parallel, until a solution is found, the
// ranges are exhausted, the deadline passes or ctx is canceled. Only unit
// construction failures are errors.
func (e *Engine) Search(ctx context.Context, b UnitBuilder, opts Options) (*Result, error) {
	start := time.Now()
	res := &Result{LastExtranonce: opts.ExtranonceStart}

	if ctx.Err() != nil {
		res.Reason = Canceled
		return res.Finish(start), nil
	}

	extranonce := opts.ExtranonceStart
	nonceStart := opts.NonceStart
	var passCtx context.Context
	var cancel context.CancelFunc

	for {
		u, err := b.Build(extranonce)
		if err != nil {
			return nil, err
		}
		if passCtx == nil {
			passCtx, cancel = withUnitDeadline(ctx, start, u.Timeout())
			defer cancel()
		}
		res.LastExtranonce = extranonce

		sol, trials := e.scanUnit(passCtx, u, nonceStart, opts.NonceEnd)
		res.Trials += trials
		if sol != nil {
			res.Solution = sol
			res.Reason = Found
			return res.Finish(start), nil
		}
		if err := passCtx.Err(); err != nil {
			res.Reason = Timeout
			if ctx.Err() != nil {
				res.Reason = Canceled
			}
			return res.Finish(start), nil
		}
		if extranonce == opts.ExtranonceEnd {
			res.Reason = Exhausted
			return res.Finish(start), nil
		}

		e.logger.Debug("nonce range exhausted", "extranonce", extranonce, "trials", res.Trials)
		extranonce++
		nonceStart = 0
	}
}

func withUnitDeadline(ctx context.Context, start time.Time, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, start.Add(timeout))
}

// scanUnit splits [from, to] into one contiguous slice per worker. The first
// worker to find a solution stores it and cancels the others.
func (e *Engine) scanUnit(ctx context.Context, u *work.Unit, from, to uint32) (*work.Solution, uint64) {
	if from > to || ctx.Err() != nil {
		return nil, 0
	}

	span := uint64(to) - uint64(from) + 1
	workers := uint64(e.workers)
	if workers > span {
		workers = span
	}
	per := span / workers

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		winner atomic.Pointer[work.Solution]
		trials atomic.Uint64
	)
	t := u.Target()

	swg := sizedwaitgroup.New(int(workers))
	for i := uint64(0); i < workers; i++ {
		lo := uint32(uint64(from) + i*per)
		hi := lo + uint32(per) - 1
		if i == workers-1 {
			hi = to
		}

		swg.Add()
		go func(lo, hi uint32) {
			defer swg.Done()
			r := ScanRange(ctx, NewHasher(u), &t, lo, hi, e.sample)
			trials.Add(r.Trials)
			if r.Found && winner.CompareAndSwap(nil, u.Solve(r.Nonce, r.Hash)) {
				cancel()
			}
		}(lo, hi)
	}
	swg.Wait()

	return winner.Load(), trials.Load()
}

// ScanResult is the outcome of ScanRange.
type ScanResult struct {
	Nonce  uint32
	Hash   chainhash.Hash
	Found  bool
	Trials uint64
}

// ScanRange tries nonces from..to inclusive and stops at the first hash
// meeting t. ctx is checked before every chunk of sample trials, so a done
// ctx stops the scan before the first trial.
func ScanRange(ctx context.Context, h *Hasher, t *target.Target, from, to, sample uint32) ScanResult {
	var res ScanResult
	if from > to {
		return res
	}
	if sample == 0 {
		sample = DefaultSampleInterval
	}

	nonce := from
	for {
		if ctx.Err() != nil {
			return res
		}

		end := to
		if to-nonce >= sample {
			end = nonce + sample - 1
		}
		for {
			hash := h.Hash(nonce)
			res.Trials++
			if t.HashMeets(&hash) {
				res.Nonce, res.Hash, res.Found = nonce, hash, true
				return res
			}
			if nonce == end {
				break
			}
			nonce++
		}

		if end == to {
			return res
		}
		nonce = end + 1
	}
}
