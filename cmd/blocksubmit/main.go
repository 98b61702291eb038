// Package main implements blocksubmit, which re-sends found blocks stored in
// PostgreSQL to Bitcoin Core. It covers blocks whose first submission never
// got a verdict, for example because the node was down when they were found.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/config"
	"github.com/bardlex/gomine/internal/database"
	"github.com/bardlex/gomine/internal/database/postgres"
	"github.com/bardlex/gomine/internal/messaging"
	"github.com/bardlex/gomine/internal/target"
	"github.com/bardlex/gomine/internal/validation"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
)

const submitTimeout = 30 * time.Second

type options struct {
	ConfigFile string   `short:"C" long:"config" description:"Path to a TOML configuration file"`
	Hashes     []string `long:"hash" description:"Submit the stored block with this hash (repeatable)"`
	Status     string   `long:"status" default:"pending" description:"Submit stored blocks with this status {pending,rejected}"`
	Limit      int      `long:"limit" default:"100" description:"Maximum number of blocks submitted by status"`
	DryRun     bool     `long:"dry-run" description:"Validate the selected blocks without submitting them"`
}

func parseOptions(args []string) (*options, error) {
	var opts options
	rest, err := flags.NewParser(&opts, flags.HelpFlag).ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", rest)
	}
	switch opts.Status {
	case postgres.StatusPending, postgres.StatusRejected:
	default:
		return nil, fmt.Errorf("--status must be %s or %s", postgres.StatusPending, postgres.StatusRejected)
	}
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("--limit must be positive")
	}
	return &opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadFile(opts.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName+"-blocksubmit", cfg.Version, cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := run(ctx, cfg, opts, logger)
	if err != nil {
		logger.WithError(err).Error("blocksubmit failed")
		os.Exit(1)
	}
	logger.Info("blocksubmit finished",
		"selected", stats.Selected,
		"invalid", stats.Invalid,
		"accepted", stats.Accepted,
		"rejected", stats.Rejected,
		"inconclusive", stats.Inconclusive,
	)
}

func run(ctx context.Context, cfg *config.Config, opts *options, logger *log.Logger) (*SubmissionStats, error) {
	params, err := bitcoin.ParamsForNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}

	store, err := database.NewManager(ctx, &database.Config{
		PostgresURL: cfg.PostgresURL,
		RedisURL:    cfg.RedisURL,
		RedisPrefix: cfg.ServiceName,
	}, logger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()
	if store.Blocks == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "blocksubmit", "a PostgreSQL URL is required")
	}

	node, err := bitcoin.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort, cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword)
	if err != nil {
		return nil, err
	}
	defer node.Close()

	publisher := messaging.Publisher(messaging.NopPublisher{})
	if len(cfg.KafkaBrokers) > 0 {
		publisher = messaging.NewKafkaClient(cfg.KafkaBrokers, messaging.Encoding(cfg.EventEncoding), logger)
	}
	defer func() { _ = publisher.Close() }()

	bs := NewBlockSubmitter(node, store.Blocks, store, publisher,
		validation.NewBlockValidator(params, validation.DefaultMaxTimeSkew), logger)
	bs.dryRun = opts.DryRun

	blocks, err := bs.Select(ctx, opts.Hashes, opts.Status, opts.Limit)
	if err != nil {
		return nil, err
	}
	bs.SubmitAll(ctx, blocks)
	return bs.GetStats(), nil
}

// blockSubmitterNode is the part of the node the submitter needs.
type blockSubmitterNode interface {
	SubmitBlock(ctx context.Context, blockHex string) error
}

type blockSource interface {
	GetBlockByHash(ctx context.Context, hash string) (*postgres.FoundBlock, error)
	GetBlocksByStatus(ctx context.Context, status string, limit int) ([]*postgres.FoundBlock, error)
}

type resultRecorder interface {
	RecordSubmission(ctx context.Context, e *messaging.SubmissionResultEvent, backend string, difficulty float64) error
}

var (
	_ blockSubmitterNode = (*bitcoin.RPCClient)(nil)
	_ blockSource        = (*postgres.BlockRepository)(nil)
	_ resultRecorder     = (*database.Manager)(nil)
)

// BlockSubmitter re-validates stored blocks and submits them to the node.
type BlockSubmitter struct {
	node      blockSubmitterNode
	blocks    blockSource
	recorder  resultRecorder
	publisher messaging.Publisher
	validator *validation.BlockValidator
	logger    *log.Logger
	dryRun    bool

	stats SubmissionStats
}

// SubmissionStats counts what a run did with the blocks it selected.
type SubmissionStats struct {
	Selected     int
	Invalid      int
	Accepted     int
	Rejected     int
	Inconclusive int
	// AverageLatencyMs covers blocks that reached the node.
	AverageLatencyMs float64
	LastSubmissionAt time.Time

	totalLatency time.Duration
}

// NewBlockSubmitter creates a block submitter.
func NewBlockSubmitter(node blockSubmitterNode, blocks blockSource, recorder resultRecorder,
	publisher messaging.Publisher, validator *validation.BlockValidator, logger *log.Logger) *BlockSubmitter {
	if logger == nil {
		logger = log.Nop()
	}
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}
	return &BlockSubmitter{
		node:      node,
		blocks:    blocks,
		recorder:  recorder,
		publisher: publisher,
		validator: validator,
		logger:    logger.WithComponent("blocksubmit"),
	}
}

// Select loads the named blocks, or up to limit blocks with status when
// no hashes are given. A named block that is already accepted is skipped.
func (bs *BlockSubmitter) Select(ctx context.Context, hashes []string, status string, limit int) ([]*postgres.FoundBlock, error) {
	if len(hashes) == 0 {
		blocks, err := bs.blocks.GetBlocksByStatus(ctx, status, limit)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "select_blocks",
				"failed to list stored blocks").
				WithContext("status", status)
		}
		return blocks, nil
	}

	blocks := make([]*postgres.FoundBlock, 0, len(hashes))
	for _, hash := range hashes {
		block, err := bs.blocks.GetBlockByHash(ctx, hash)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "select_blocks",
				"failed to load stored block").
				WithContext("block_hash", hash)
		}
		if block.Status == postgres.StatusAccepted {
			bs.logger.Info("block already accepted, skipping", "block_hash", hash)
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// SubmitAll submits blocks in order until ctx is done.
func (bs *BlockSubmitter) SubmitAll(ctx context.Context, blocks []*postgres.FoundBlock) {
	for _, block := range blocks {
		if ctx.Err() != nil {
			return
		}
		bs.submitBlock(ctx, block)
	}
}

// submitBlock validates one stored block and submits it to Bitcoin Core.
func (bs *BlockSubmitter) submitBlock(ctx context.Context, block *postgres.FoundBlock) {
	bs.stats.Selected++
	logger := bs.logger.WithFields(
		"block_hash", block.Hash,
		"block_height", block.Height,
		"backend", block.Backend,
	)

	t, err := target.FromCompactHex(block.Bits)
	if err == nil {
		_, err = bs.validator.Validate(block.BlockHex, t)
	}
	if err != nil {
		bs.stats.Invalid++
		logger.WithError(err).Error("stored block failed validation, not submitting")
		return
	}
	if bs.dryRun {
		logger.Info("dry run, block not submitted")
		return
	}

	logger.Info("submitting block to Bitcoin Core")
	startTime := time.Now()
	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	err = bs.node.SubmitBlock(submitCtx, block.BlockHex)
	cancel()
	submissionDuration := time.Since(startTime)

	bs.stats.totalLatency += submissionDuration
	bs.stats.LastSubmissionAt = time.Now()

	result := &messaging.SubmissionResultEvent{
		BlockHash:   block.Hash,
		Height:      block.Height,
		Accepted:    err == nil,
		SubmittedAt: bs.stats.LastSubmissionAt,
	}

	switch verdict := submitVerdict(err); verdict {
	case "inconclusive":
		bs.stats.Inconclusive++
		logger.Warn("submission inconclusive, block left as is", "reason", err.Error())
		return
	case "duplicate":
		// the node already has this block
		result.Accepted = true
		result.Error = verdict
	case "":
	default:
		result.Error = verdict
	}

	if result.Accepted {
		bs.stats.Accepted++
		logger.Info("block accepted",
			"submission_duration_ms", float64(submissionDuration.Nanoseconds())/1e6)
		logger.LogBlockFound(block.Hash, block.Height, uint32(block.Extranonce), uint32(block.Nonce), block.Difficulty)
	} else {
		bs.stats.Rejected++
		logger.WithError(err).Error("node rejected block")
	}

	// the verdict outlives an interrupted run
	sinkCtx := context.WithoutCancel(ctx)
	if err := bs.recorder.RecordSubmission(sinkCtx, result, block.Backend, block.Difficulty); err != nil {
		logger.WithError(err).Error("failed to record submission result")
	}
	if err := bs.publisher.Publish(sinkCtx, result); err != nil {
		logger.WithError(err).Warn("failed to publish submission result")
	}
}

// submitVerdict reduces a submission error to the node's reason string,
// "" for acceptance.
func submitVerdict(err error) string {
	if err == nil {
		return ""
	}
	var reason string
	var se *errors.ServiceError
	if errors.As(err, &se) && se.Cause != nil {
		reason = se.Cause.Error()
	} else {
		reason = err.Error()
	}
	reason = strings.TrimSpace(reason)
	switch {
	case strings.Contains(reason, "duplicate"):
		return "duplicate"
	case strings.Contains(reason, "inconclusive"):
		return "inconclusive"
	default:
		return reason
	}
}

// GetStats returns submission statistics
func (bs *BlockSubmitter) GetStats() *SubmissionStats {
	stats := bs.stats
	if sent := stats.Accepted + stats.Rejected + stats.Inconclusive; sent > 0 {
		stats.AverageLatencyMs = float64(stats.totalLatency.Nanoseconds()) / 1e6 / float64(sent)
	}
	return &stats
}
