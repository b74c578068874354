// Package influx writes share, block and pool switch points to InfluxDB and
// reads back hashrate and share summaries.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gominer/internal/tracker"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	done     chan struct{}
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Logger *log.Logger
}

// NewClient connects and checks server health.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(hctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "influx_connect", "failed to check InfluxDB health")
	}
	if health.Status != "pass" {
		client.Close()
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, errors.Newf(errors.ErrorTypeStorage, "influx_connect", "InfluxDB health check failed: %s", msg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		done:     make(chan struct{}),
	}
	go c.logWriteErrors(logger.WithComponent("influx"))
	return c, nil
}

// logWriteErrors drains the async write error channel.
func (c *Client) logWriteErrors(logger *log.Logger) {
	errs := c.writeAPI.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.WithError(err).Warn("influx write failed")
		case <-c.done:
			return
		}
	}
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("health check failed: %s", health.Status)
	}
	return nil
}

func poolTag(id int) string {
	if id < 0 {
		return "node"
	}
	return strconv.Itoa(id)
}

func sharePoint(ev tracker.ShareEvent) *write.Point {
	tags := map[string]string{
		"pool_id": poolTag(ev.PoolID),
		"result":  string(ev.Result),
		"block":   strconv.FormatBool(ev.Block),
	}
	fields := map[string]interface{}{
		"difficulty":       ev.Difficulty,
		"share_difficulty": ev.ShareDiff,
		"latency_ms":       ev.Latency.Milliseconds(),
		"count":            1,
	}
	return write.NewPoint("shares", tags, fields, ev.Time)
}

func blockPoint(ev tracker.BlockEvent) *write.Point {
	tags := map[string]string{"pool_id": poolTag(ev.PoolID)}
	fields := map[string]interface{}{
		"hash":       ev.Hash,
		"generation": int64(ev.Generation),
		"count":      1,
	}
	return write.NewPoint("blocks", tags, fields, ev.Time)
}

func switchPoint(ev tracker.SwitchEvent) *write.Point {
	tags := map[string]string{
		"strategy": ev.Strategy,
		"to_pool":  poolTag(ev.To),
	}
	fields := map[string]interface{}{
		"from_pool": ev.From,
		"count":     1,
	}
	return write.NewPoint("pool_switches", tags, fields, ev.Time)
}

// RecordShare implements tracker.Sink. Points are written asynchronously.
func (c *Client) RecordShare(_ context.Context, ev tracker.ShareEvent) error {
	c.writeAPI.WritePoint(sharePoint(ev))
	return nil
}

// RecordBlock implements tracker.Sink.
func (c *Client) RecordBlock(_ context.Context, ev tracker.BlockEvent) error {
	c.writeAPI.WritePoint(blockPoint(ev))
	return nil
}

// RecordSwitch implements tracker.Sink.
func (c *Client) RecordSwitch(_ context.Context, ev tracker.SwitchEvent) error {
	c.writeAPI.WritePoint(switchPoint(ev))
	return nil
}

// GetShareStats sums share counts per result over the last duration.
func (c *Client) GetShareStats(ctx context.Context, poolID int, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r.pool_id == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["result"])
		|> sum()
	`, c.bucket, duration.String(), poolTag(poolID))

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "share_stats", "failed to query share stats")
	}
	defer func() {
		_ = result.Close()
	}()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		count, ok := record.Value().(int64)
		if !ok {
			continue
		}
		stats.add(fmt.Sprint(record.ValueByKey("result")), count)
	}
	if result.Err() != nil {
		return nil, errors.Wrap(result.Err(), errors.ErrorTypeStorage, "share_stats", "error reading query result")
	}
	return stats, nil
}

// ShareStats represents aggregated share statistics
type ShareStats struct {
	Total         int64   `json:"total"`
	Accepted      int64   `json:"accepted"`
	Rejected      int64   `json:"rejected"`
	Stale         int64   `json:"stale"`
	Lost          int64   `json:"lost"`
	AcceptPercent float64 `json:"accept_percent"`
}

func (s *ShareStats) add(result string, count int64) {
	switch tracker.ShareResult(result) {
	case tracker.ShareAccepted:
		s.Accepted += count
	case tracker.ShareRejected:
		s.Rejected += count
	case tracker.ShareStale:
		s.Stale += count
	case tracker.ShareLost:
		s.Lost += count
	}
	s.Total += count
	if s.Total > 0 {
		s.AcceptPercent = float64(s.Accepted) / float64(s.Total) * 100
	}
}
