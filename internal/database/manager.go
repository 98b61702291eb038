// Package database coordinates the miner's optional stores: PostgreSQL for
// found blocks and pass history, Redis for the extranonce cursor and
// submission de-duplication, InfluxDB for time series. Any of them may be
// left unconfigured; cursor and de-duplication then fall back to memory.
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/gomine/internal/database/influx"
	"github.com/bardlex/gomine/internal/database/postgres"
	"github.com/bardlex/gomine/internal/database/redis"
	"github.com/bardlex/gomine/internal/messaging"
	"github.com/bardlex/gomine/pkg/circuit"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
	"github.com/bardlex/gomine/pkg/retry"
)

const (
	// DefaultCursorTTL keeps a tip's cursor well past any realistic block interval.
	DefaultCursorTTL = 6 * time.Hour
	// DefaultSubmittedTTL bounds how long a block hash is remembered as submitted.
	DefaultSubmittedTTL = 24 * time.Hour
	// hashrateWindow is the Redis rolling window for pass hash rates.
	hashrateWindow = 10 * time.Minute
)

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Blocks *postgres.BlockRepository
	Passes *postgres.PassRepository

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger

	cursorTTL    time.Duration
	submittedTTL time.Duration

	mu        sync.Mutex
	cursors   map[string]uint32
	submitted map[string]time.Time
}

// Config holds configuration for all database systems. Empty URLs and a nil
// Influx config leave that store disabled.
type Config struct {
	PostgresURL  string
	RedisURL     string
	RedisPrefix  string
	Influx       *influx.Config
	CursorTTL    time.Duration
	SubmittedTTL time.Duration
}

// NewManager connects every configured store. A store that fails to connect
// fails the whole manager, closing the ones already opened.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	m := NewMemoryManager(logger)
	if cfg.CursorTTL > 0 {
		m.cursorTTL = cfg.CursorTTL
	}
	if cfg.SubmittedTTL > 0 {
		m.submittedTTL = cfg.SubmittedTTL
	}

	if cfg.PostgresURL != "" {
		pgClient, err := postgres.NewClient(&postgres.Config{URL: cfg.PostgresURL, MaxOpenConns: 4, MaxIdleConns: 2})
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database"))
		}
		m.Postgres = pgClient
		if err := pgClient.Migrate(ctx); err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migration",
				"failed to create PostgreSQL schema"))
		}
		m.Blocks = postgres.NewBlockRepository(pgClient.DB())
		m.Passes = postgres.NewPassRepository(pgClient.DB())
	}

	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClientFromURL(cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil && cfg.Influx.URL != "" {
		influxClient, err := influx.NewClient(cfg.Influx, logger)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = influxClient
	}

	return m, nil
}

// NewMemoryManager returns a manager with no external stores.
func NewMemoryManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig:  retry.DatabaseConfig(),
		logger:       logger.WithComponent("database"),
		cursorTTL:    DefaultCursorTTL,
		submittedTTL: DefaultSubmittedTTL,
		cursors:      make(map[string]uint32),
		submitted:    make(map[string]time.Time),
	}
}

func (m *Manager) abort(err *errors.ServiceError) error {
	if closeErr := m.Close(); closeErr != nil {
		return err.WithContext("cleanup_error", closeErr.Error())
	}
	return err
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all configured database connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

func (m *Manager) guarded(ctx context.Context, fn func() error) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, fn)
	})
}

// Extranonce cursor

// LoadCursor returns the extranonce to resume from on top of prevHash. Redis
// is consulted first; a miss or failure there falls back to memory.
func (m *Manager) LoadCursor(ctx context.Context, prevHash string) (uint32, bool) {
	if m.Redis != nil {
		next, ok, err := m.Redis.GetCursor(ctx, prevHash)
		if err == nil && ok {
			return next, true
		}
		if err != nil {
			m.logger.WithError(err).Warn("cursor lookup failed", "prev_hash", prevHash)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.cursors[prevHash]
	return next, ok
}

// SaveCursor records next as the extranonce to resume from on top of prevHash.
func (m *Manager) SaveCursor(ctx context.Context, prevHash string, next uint32) {
	m.mu.Lock()
	m.cursors[prevHash] = next
	m.mu.Unlock()

	if m.Redis == nil {
		return
	}
	err := m.guarded(ctx, func() error {
		if err := m.Redis.SetCursor(ctx, prevHash, next, m.cursorTTL); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "save_cursor",
				"failed to store cursor in Redis").
				WithContext("prev_hash", prevHash)
		}
		return nil
	})
	if err != nil {
		m.logger.WithError(err).Warn("cursor not persisted", "prev_hash", prevHash, "next", next)
	}
}

// ForgetTip drops the in-memory cursor of a tip that is no longer current.
func (m *Manager) ForgetTip(prevHash string) {
	m.mu.Lock()
	delete(m.cursors, prevHash)
	m.mu.Unlock()
}

// Submission de-duplication

// MarkSubmitted reports whether blockHash has not been submitted before and
// records it. Redis failures are logged and treated as a first submission.
func (m *Manager) MarkSubmitted(ctx context.Context, blockHash string) bool {
	now := time.Now()

	m.mu.Lock()
	for hash, at := range m.submitted {
		if now.Sub(at) > m.submittedTTL {
			delete(m.submitted, hash)
		}
	}
	_, seen := m.submitted[blockHash]
	m.submitted[blockHash] = now
	m.mu.Unlock()

	if seen {
		return false
	}
	if m.Redis == nil {
		return true
	}

	first, err := m.Redis.MarkSubmitted(ctx, blockHash, m.submittedTTL)
	if err != nil {
		m.logger.WithError(err).Warn("submission dedupe unavailable", "block_hash", blockHash)
		return true
	}
	return first
}

// High-level operations that coordinate across multiple databases

// RecordBlock stores a found block. The PostgreSQL write is retried; the
// InfluxDB point and Redis counter are best effort.
func (m *Manager) RecordBlock(ctx context.Context, block *postgres.FoundBlock) error {
	if m.Influx != nil {
		m.Influx.WriteBlockMetric(block.Height, block.Hash, block.Backend, postgres.StatusPending, block.Difficulty)
	}
	m.bumpCounter(ctx, "blocks_found")

	if m.Blocks == nil {
		return nil
	}
	return m.guarded(ctx, func() error {
		if _, err := m.Blocks.CreateBlock(ctx, block); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block",
				"failed to store block in PostgreSQL").
				WithContext("block_hash", block.Hash).
				WithContext("block_height", block.Height)
		}
		return nil
	})
}

// SubmissionStatus maps a submission result to a stored block status.
func SubmissionStatus(e *messaging.SubmissionResultEvent) string {
	switch {
	case e.Duplicate:
		return postgres.StatusDuplicate
	case e.Accepted:
		return postgres.StatusAccepted
	default:
		return postgres.StatusRejected
	}
}

// RecordSubmission stores the node's verdict on a block.
func (m *Manager) RecordSubmission(ctx context.Context, e *messaging.SubmissionResultEvent, backend string, difficulty float64) error {
	status := SubmissionStatus(e)
	if m.Influx != nil {
		m.Influx.WriteBlockMetric(e.Height, e.BlockHash, backend, status, difficulty)
	}
	m.bumpCounter(ctx, "blocks_"+status)

	if m.Blocks == nil || e.Duplicate {
		return nil
	}
	return m.guarded(ctx, func() error {
		if err := m.Blocks.UpdateBlockStatus(ctx, e.BlockHash, status, e.Error); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_submission",
				"failed to update block status").
				WithContext("block_hash", e.BlockHash).
				WithContext("status", status)
		}
		return nil
	})
}

// RecordSearch stores a pass summary in every configured store. Failures
// are logged; pass history never blocks mining.
func (m *Manager) RecordSearch(ctx context.Context, e *messaging.SearchReportEvent) {
	if m.Influx != nil {
		m.Influx.WriteSearchMetric(influx.SearchPass{
			Backend:    e.Backend,
			Reason:     e.Reason,
			Height:     e.Height,
			Trials:     e.Trials,
			Elapsed:    time.Duration(e.ElapsedMs) * time.Millisecond,
			HashRate:   e.HashRate,
			Discarded:  e.Discarded,
			ReportedAt: e.ReportedAt,
		})
	}

	if m.Redis != nil {
		if err := m.Redis.SetHashrate(ctx, e.Backend, e.HashRate, hashrateWindow); err != nil {
			m.logger.WithError(err).Warn("hashrate sample dropped", "backend", e.Backend)
		}
	}
	m.bumpCounter(ctx, "passes_"+e.Reason)

	if m.Passes == nil {
		return
	}
	err := m.guarded(ctx, func() error {
		return m.Passes.CreatePass(ctx, &postgres.SearchPass{
			Backend:        e.Backend,
			PrevHash:       e.PrevHash,
			Height:         e.Height,
			Reason:         e.Reason,
			Trials:         int64(e.Trials),
			ElapsedMs:      e.ElapsedMs,
			HashRate:       e.HashRate,
			LastExtranonce: int64(e.LastExtranonce),
			Discarded:      e.Discarded,
			ReportedAt:     e.ReportedAt,
		})
	})
	if err != nil {
		m.logger.WithError(err).Warn("pass history not stored", "prev_hash", e.PrevHash)
	}
}

// RecordDispatch writes a device exchange point. It has the signature of
// an offload device observer.
func (m *Manager) RecordDispatch(device, outcome string, latency time.Duration) {
	if m.Influx != nil {
		m.Influx.WriteDispatchMetric(device, outcome, latency)
	}
}

func (m *Manager) bumpCounter(ctx context.Context, name string) {
	if m.Redis == nil {
		return
	}
	if _, err := m.Redis.IncrementCounter(ctx, name, 7*24*time.Hour); err != nil {
		m.logger.WithError(err).Debug("counter not updated", "counter", name)
	}
}

// Stats is a snapshot of what the stores know about recent mining.
type Stats struct {
	HashRate     float64
	BlocksFound  int64
	RecentBlocks []*postgres.FoundBlock
	LastUpdated  time.Time
}

// GetStats gathers a Stats snapshot for backend. Missing stores leave their
// fields zero.
func (m *Manager) GetStats(ctx context.Context, backend string) (*Stats, error) {
	stats := &Stats{LastUpdated: time.Now()}

	if m.Redis != nil {
		if rate, err := m.Redis.GetAverageHashrate(ctx, backend, hashrateWindow); err == nil {
			stats.HashRate = rate
		}
		if n, err := m.Redis.GetCounter(ctx, "blocks_found"); err == nil {
			stats.BlocksFound = n
		}
	}

	if m.Blocks != nil {
		recent, err := m.Blocks.GetRecentBlocks(ctx, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent blocks: %w", err)
		}
		stats.RecentBlocks = recent
	}

	return stats, nil
}

// StartPeriodicTasks flushes InfluxDB writes every 10 seconds and logs a
// stats snapshot every statsEvery for backend. It returns when ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, backend string, statsEvery time.Duration) {
	if m.Influx != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Influx.Flush()
				}
			}
		}()
	}

	if statsEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(statsEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := m.GetStats(ctx, backend)
				if err != nil {
					m.logger.WithError(err).Warn("failed to get stats")
					continue
				}
				m.logger.Info("mining stats",
					"backend", backend,
					"hash_rate", stats.HashRate,
					"blocks_found", stats.BlocksFound,
					"recent_blocks", len(stats.RecentBlocks))
			}
		}
	}()
}
