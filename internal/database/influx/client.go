// Package influx writes the miner's time series: one point per search pass,
// per found block and per device exchange.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gomine/pkg/log"
)

// Measurement names
const (
	MeasurementSearch   = "search_passes"
	MeasurementBlocks   = "blocks"
	MeasurementDispatch = "dispatches"
)

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client. Asynchronous write failures are
// logged through logger.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	if logger == nil {
		logger = log.Nop()
	}
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func(errs <-chan error, logger *log.Logger) {
		for err := range errs {
			logger.WithError(err).Warn("influx write failed")
		}
	}(writeAPI.Errors(), logger.WithComponent("influx"))

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// SearchPass is the metric view of one search pass.
type SearchPass struct {
	Backend    string
	Reason     string
	Height     int64
	Trials     uint64
	Elapsed    time.Duration
	HashRate   float64
	Discarded  int
	ReportedAt time.Time
}

// SearchPoint builds the point for a search pass.
func SearchPoint(p SearchPass) *write.Point {
	return write.NewPoint(MeasurementSearch,
		map[string]string{
			"backend": p.Backend,
			"reason":  p.Reason,
		},
		map[string]interface{}{
			"height":     p.Height,
			"trials":     int64(p.Trials),
			"elapsed_ms": p.Elapsed.Milliseconds(),
			"hashrate":   p.HashRate,
			"discarded":  int64(p.Discarded),
		},
		p.ReportedAt)
}

// BlockPoint builds the point for a found block and its submission status.
func BlockPoint(height int64, hash, backend, status string, difficulty float64, at time.Time) *write.Point {
	return write.NewPoint(MeasurementBlocks,
		map[string]string{
			"backend": backend,
			"status":  status,
			"hash":    hash,
		},
		map[string]interface{}{
			"height":     height,
			"difficulty": difficulty,
			"count":      int64(1),
		},
		at)
}

// DispatchPoint builds the point for one device exchange.
func DispatchPoint(device, outcome string, latency time.Duration, at time.Time) *write.Point {
	return write.NewPoint(MeasurementDispatch,
		map[string]string{
			"device":  device,
			"outcome": outcome,
		},
		map[string]interface{}{
			"latency_us": latency.Microseconds(),
			"count":      int64(1),
		},
		at)
}

// WriteSearchMetric queues a search pass point
func (c *Client) WriteSearchMetric(p SearchPass) {
	c.writeAPI.WritePoint(SearchPoint(p))
}

// WriteBlockMetric queues a found block point
func (c *Client) WriteBlockMetric(height int64, hash, backend, status string, difficulty float64) {
	c.writeAPI.WritePoint(BlockPoint(height, hash, backend, status, difficulty, time.Now()))
}

// WriteDispatchMetric queues a device exchange point
func (c *Client) WriteDispatchMetric(device, outcome string, latency time.Duration) {
	c.writeAPI.WritePoint(DispatchPoint(device, outcome, latency, time.Now()))
}

// Query methods

// HashrateQuery returns the Flux query for a backend's mean hash rate.
func HashrateQuery(bucket, backend string, duration time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: %s)
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.backend == %s)
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
	`, strconv.Quote(bucket), duration.String(), MeasurementSearch, strconv.Quote(backend))
}

// GetHashrateHistory retrieves the hash rate history of a backend
func (c *Client) GetHashrateHistory(ctx context.Context, backend string, duration time.Duration) ([]HashratePoint, error) {
	result, err := c.queryAPI.Query(ctx, HashrateQuery(c.bucket, backend, duration))
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}
