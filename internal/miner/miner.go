// Package miner drives the mining loop: it fetches templates from the node,
// runs a search backend over them, and validates, records and submits the
// blocks it finds.
package miner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/database"
	"github.com/bardlex/gomine/internal/database/postgres"
	"github.com/bardlex/gomine/internal/messaging"
	"github.com/bardlex/gomine/internal/offload"
	"github.com/bardlex/gomine/internal/search"
	"github.com/bardlex/gomine/internal/submit"
	"github.com/bardlex/gomine/internal/validation"
	"github.com/bardlex/gomine/internal/work"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
)

const (
	templateTimeout = 10 * time.Second
	submitTimeout   = 30 * time.Second
	sinkTimeout     = 5 * time.Second
)

// Backend runs a search over the units of one template. *search.Engine and
// *offload.Runner implement it.
type Backend interface {
	Name() string
	Search(ctx context.Context, b search.UnitBuilder, opts search.Options) (*search.Result, error)
}

// Store keeps extranonce cursors, submission de-duplication and mining
// history. *database.Manager implements it.
type Store interface {
	LoadCursor(ctx context.Context, prevHash string) (uint32, bool)
	SaveCursor(ctx context.Context, prevHash string, next uint32)
	ForgetTip(prevHash string)
	MarkSubmitted(ctx context.Context, blockHash string) bool
	RecordBlock(ctx context.Context, block *postgres.FoundBlock) error
	RecordSubmission(ctx context.Context, e *messaging.SubmissionResultEvent, backend string, difficulty float64) error
	RecordSearch(ctx context.Context, e *messaging.SearchReportEvent)
}

// Compile-time interface compliance checks
var (
	_ Backend = (*search.Engine)(nil)
	_ Backend = (*offload.Runner)(nil)
	_ Store   = (*database.Manager)(nil)
)

// Config tunes the miner.
type Config struct {
	// Builder configures coinbase construction and the per-pass timeout.
	Builder work.BuilderOptions
	// Params is the network blocks are validated against. Defaults to
	// Builder.Params.
	Params *chaincfg.Params
	// PollInterval is how often the chain tip is polled during a pass and
	// how long Run waits after a failed template fetch. Zero disables
	// polling; ZMQ notifications still cancel the pass.
	PollInterval time.Duration
	// MaxTimeSkew bounds how far in the future a block time may be.
	MaxTimeSkew time.Duration
	// DryRun validates and records solutions without submitting them.
	DryRun bool
}

// Miner owns the mining loop.
type Miner struct {
	cfg       Config
	node      bitcoin.NodeInterface
	backend   Backend
	fallback  Backend
	store     Store
	publisher messaging.Publisher
	validator *validation.BlockValidator
	logger    *log.Logger

	tips   chan string
	passID atomic.Uint64
}

// Option configures optional collaborators.
type Option func(*Miner)

// WithFallback sets the backend used when the primary fails with an
// offload transport error.
func WithFallback(b Backend) Option {
	return func(m *Miner) { m.fallback = b }
}

// WithStore replaces the in-memory store.
func WithStore(s Store) Option {
	return func(m *Miner) { m.store = s }
}

// WithPublisher sets the event publisher.
func WithPublisher(p messaging.Publisher) Option {
	return func(m *Miner) { m.publisher = p }
}

// New creates a miner searching with backend.
func New(cfg Config, node bitcoin.NodeInterface, backend Backend, logger *log.Logger, opts ...Option) *Miner {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Builder.Params == nil {
		cfg.Builder.Params = &chaincfg.MainNetParams
	}
	if cfg.Params == nil {
		cfg.Params = cfg.Builder.Params
	}

	m := &Miner{
		cfg:       cfg,
		node:      node,
		backend:   backend,
		validator: validation.NewBlockValidator(cfg.Params, cfg.MaxTimeSkew),
		logger:    logger.WithComponent("miner"),
		tips:      make(chan string, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = database.NewMemoryManager(logger)
	}
	if m.publisher == nil {
		m.publisher = messaging.NopPublisher{}
	}
	return m
}

// NotifyBlock reports a new chain tip, given in display order. It never
// blocks; a pending notification is replaced.
func (m *Miner) NotifyBlock(blockHash string) error {
	for {
		select {
		case m.tips <- blockHash:
			return nil
		default:
		}
		select {
		case <-m.tips:
		default:
		}
	}
}

// Run mines templates until ctx is done. Template and search failures are
// logged and retried after PollInterval; an invalid reward address is
// returned since no template can fix it.
func (m *Miner) Run(ctx context.Context) error {
	m.logger.Info("miner starting",
		"backend", m.backend.Name(),
		"network", m.cfg.Params.Name,
		"dry_run", m.cfg.DryRun)

	for {
		if ctx.Err() != nil {
			m.logger.Info("miner stopped")
			return nil
		}

		tmpl, err := m.FetchTemplate(ctx)
		if err == nil {
			_, err = m.MineTemplate(ctx, tmpl)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, errors.ErrInvalidAddress) {
			return err
		}
		if ctx.Err() != nil {
			continue
		}

		m.logger.WithError(err).Error("mining pass failed")
		m.sleep(ctx, m.retryDelay())
	}
}

func (m *Miner) retryDelay() time.Duration {
	if m.cfg.PollInterval > 0 {
		return m.cfg.PollInterval
	}
	return time.Second
}

func (m *Miner) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// FetchTemplate retrieves and validates a block template from the node.
func (m *Miner) FetchTemplate(ctx context.Context) (*work.Template, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, templateTimeout)
	defer cancel()

	gbt, err := m.node.GetBlockTemplate(fetchCtx)
	if err != nil {
		return nil, err
	}
	return work.ParseTemplate(work.FromGBT(gbt))
}

// Pass is the outcome of MineTemplate.
type Pass struct {
	ID      uint64
	Backend string
	Result  *search.Result
	// Set when a solution was found
	BlockHash string
	BlockHex  string
	Duplicate bool
	Submitted bool
	Accepted  bool
	SubmitErr error
}

// MineTemplate runs one search pass over tmpl. The pass ends on a solution,
// on the unit timeout, when the extranonce space is exhausted, when the
// chain tip moves, or when ctx is done. A node rejection is reported in the
// Pass, not as an error.
func (m *Miner) MineTemplate(ctx context.Context, tmpl *work.Template) (*Pass, error) {
	builder, err := work.NewBuilder(tmpl, m.cfg.Builder)
	if err != nil {
		return nil, err
	}

	pass := &Pass{ID: m.passID.Add(1)}
	prevHash := tmpl.PrevHash.String()
	passCtx, cancel := context.WithCancel(context.WithValue(ctx, log.PassIDKey, pass.ID))
	defer cancel()
	logger := m.logger.WithContext(passCtx).WithFields("prev_hash", prevHash, "height", tmpl.Height)

	opts := search.FullRange()
	if next, ok := m.store.LoadCursor(ctx, prevHash); ok {
		opts.ExtranonceStart = next
		logger.Info("resuming extranonce cursor", "extranonce", next)
	}

	watching := make(chan struct{})
	go func() {
		defer close(watching)
		m.watchTip(passCtx, prevHash, cancel, logger)
	}()

	res, backend, err := m.search(passCtx, builder, opts, logger)
	cancel()
	<-watching
	if err != nil {
		return nil, err
	}
	pass.Backend = backend
	pass.Result = res

	m.saveCursor(ctx, prevHash, res)
	m.report(ctx, tmpl, backend, res, logger)

	if res.Found() {
		if err := m.handleSolution(ctx, pass, res.Solution, logger); err != nil {
			return pass, err
		}
	}
	return pass, nil
}

func (m *Miner) search(ctx context.Context, b search.UnitBuilder, opts search.Options, logger *log.Logger) (*search.Result, string, error) {
	start := time.Now()
	res, err := m.backend.Search(ctx, b, opts)
	if err == nil {
		return res, m.backend.Name(), nil
	}
	if m.fallback == nil || !errors.Is(err, errors.ErrOffloadTransport) {
		return nil, m.backend.Name(), err
	}

	// resume at the unit the device failed on; earlier units are searched
	fallbackOpts := opts
	if res != nil && res.LastExtranonce != opts.ExtranonceStart {
		fallbackOpts.ExtranonceStart = res.LastExtranonce
		fallbackOpts.NonceStart = 0
	}
	logger.WithError(err).Warn("offload backend failed, searching locally",
		"backend", m.backend.Name(),
		"fallback", m.fallback.Name(),
		"extranonce", fallbackOpts.ExtranonceStart)

	local, err := m.fallback.Search(ctx, b, fallbackOpts)
	if err != nil || res == nil {
		return local, m.fallback.Name(), err
	}
	local.Trials += res.Trials
	local.Discarded += res.Discarded
	return local.Finish(start), m.fallback.Name(), nil
}

// watchTip cancels the pass when the tip moves away from prevHash.
func (m *Miner) watchTip(ctx context.Context, prevHash string, cancel context.CancelFunc, logger *log.Logger) {
	var tick <-chan time.Time
	if m.cfg.PollInterval > 0 {
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case hash := <-m.tips:
			if hash != prevHash {
				logger.Info("new block notified, abandoning pass", "tip", hash)
				cancel()
				return
			}
		case <-tick:
			best, err := m.node.GetBestBlockHash(ctx)
			if err != nil {
				logger.WithError(err).Debug("tip poll failed")
				continue
			}
			if best != prevHash {
				logger.Info("chain tip moved, abandoning pass", "tip", best)
				cancel()
				return
			}
		}
	}
}

// saveCursor records where the next pass over prevHash resumes. A pass that
// stopped inside an extranonce resumes at the next one.
func (m *Miner) saveCursor(ctx context.Context, prevHash string, res *search.Result) {
	if res.Reason == search.Exhausted || res.LastExtranonce == ^uint32(0) {
		m.store.ForgetTip(prevHash)
		return
	}
	if res.Reason == search.Canceled && ctx.Err() == nil {
		// the tip moved
		m.store.ForgetTip(prevHash)
		return
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	m.store.SaveCursor(sinkCtx, prevHash, res.LastExtranonce+1)
}

func (m *Miner) report(ctx context.Context, tmpl *work.Template, backend string, res *search.Result, logger *log.Logger) {
	logger.LogSearchReport(backend, res.Reason.String(), res.Trials, res.Elapsed, res.HashRate)
	if res.Discarded > 0 {
		logger.Warn("device solutions failed verification", "discarded", res.Discarded)
	}

	event := &messaging.SearchReportEvent{
		Backend:        backend,
		PrevHash:       tmpl.PrevHash.String(),
		Height:         tmpl.Height,
		Reason:         res.Reason.String(),
		Trials:         res.Trials,
		ElapsedMs:      res.Elapsed.Milliseconds(),
		HashRate:       res.HashRate,
		LastExtranonce: res.LastExtranonce,
		Discarded:      res.Discarded,
		ReportedAt:     time.Now(),
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	m.store.RecordSearch(sinkCtx, event)
	m.publish(sinkCtx, event, logger)
}

func (m *Miner) publish(ctx context.Context, event messaging.Event, logger *log.Logger) {
	if err := m.publisher.Publish(ctx, event); err != nil {
		logger.WithError(err).Warn("event not published", "topic", event.Topic())
	}
}

// handleSolution encodes, validates, records and submits a solution.
// Sinks outlive ctx so a found block is recorded during shutdown.
func (m *Miner) handleSolution(ctx context.Context, pass *Pass, sol *work.Solution, logger *log.Logger) error {
	u := sol.Unit
	blockHex, err := submit.Encode(sol)
	if err != nil {
		return err
	}
	block, err := m.validator.Validate(blockHex, u.Target())
	if err != nil {
		logger.WithError(err).Error("solution failed validation, not submitting",
			"extranonce", u.Extranonce(), "nonce", sol.Nonce)
		return err
	}

	hash := block.BlockHash().String()
	difficulty := u.Target().Difficulty()
	pass.BlockHash = hash
	pass.BlockHex = blockHex
	foundAt := time.Now()
	logger.WithWork(u.PrevHash().String(), u.Height(), u.Extranonce()).
		LogBlockFound(hash, u.Height(), u.Extranonce(), sol.Nonce, difficulty)

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()

	header := block.Header
	if err := m.store.RecordBlock(sinkCtx, &postgres.FoundBlock{
		Hash:       hash,
		Height:     u.Height(),
		PrevHash:   header.PrevBlock.String(),
		MerkleRoot: header.MerkleRoot.String(),
		Timestamp:  header.Timestamp,
		Bits:       fmt.Sprintf("%08x", header.Bits),
		Nonce:      int64(header.Nonce),
		Extranonce: int64(u.Extranonce()),
		Backend:    pass.Backend,
		Difficulty: difficulty,
		BlockHex:   blockHex,
		Status:     postgres.StatusPending,
		FoundAt:    foundAt,
	}); err != nil {
		logger.WithError(err).Error("found block not recorded", "block_hash", hash)
	}
	m.publish(sinkCtx, &messaging.BlockFoundEvent{
		BlockHash:  hash,
		PrevHash:   header.PrevBlock.String(),
		Height:     u.Height(),
		Extranonce: u.Extranonce(),
		Nonce:      sol.Nonce,
		Backend:    pass.Backend,
		Difficulty: difficulty,
		BlockHex:   blockHex,
		FoundAt:    foundAt,
	}, logger)

	if m.cfg.DryRun {
		logger.Info("dry run, block not submitted", "block_hash", hash)
		return nil
	}

	result := &messaging.SubmissionResultEvent{BlockHash: hash, Height: u.Height()}
	if !m.store.MarkSubmitted(sinkCtx, hash) {
		pass.Duplicate = true
		result.Duplicate = true
		logger.Warn("block already submitted", "block_hash", hash)
	} else {
		submitCtx, cancelSubmit := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
		err := m.node.SubmitBlock(submitCtx, blockHex)
		cancelSubmit()

		pass.Submitted = true
		pass.SubmitErr = err
		pass.Accepted = err == nil
		result.Accepted = err == nil
		if err != nil {
			result.Error = err.Error()
			logger.WithError(err).Error("block rejected", "block_hash", hash)
		} else {
			logger.Info("block accepted", "block_hash", hash, "height", u.Height())
		}
	}
	result.SubmittedAt = time.Now()

	if err := m.store.RecordSubmission(sinkCtx, result, pass.Backend, difficulty); err != nil {
		logger.WithError(err).Warn("submission result not recorded", "block_hash", hash)
	}
	m.publish(sinkCtx, result, logger)
	return nil
}
