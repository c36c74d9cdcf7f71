package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/ordermail/internal/job"
)

// JobStatsProvider reports how many jobs are in each state
type JobStatsProvider interface {
	Stats() map[job.Status]int
}

// UploadStatsProvider reports the size of stored uploads
type UploadStatsProvider interface {
	TotalBytes() (int64, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// counterSample is one persisted counter series
type counterSample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Collector persists counters across restarts and updates system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	jobs          JobStatsProvider
	uploads       UploadStatsProvider
	flushInterval time.Duration
	startTime     time.Time
	logger        *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector. A nil db disables counter persistence.
func NewCollector(db *bolt.DB, m *Metrics, jobs JobStatsProvider, uploads UploadStatsProvider, flushInterval time.Duration, logger *slog.Logger) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		jobs:          jobs,
		uploads:       uploads,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		logger:        logger.With("component", "metrics-collector"),
		stopCh:        make(chan struct{}),
	}

	if db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketMetrics)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
		}

		if err := c.loadCounters(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.Collect()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters adds persisted counter values back to the fresh registry
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}

		var saved map[string][]counterSample
		if err := json.Unmarshal(data, &saved); err != nil {
			c.logger.Warn("skipping invalid persisted counters", "error", err)
			return nil
		}

		for name, samples := range saved {
			vec, ok := c.metrics.counters[name]
			if !ok {
				continue
			}
			for _, s := range samples {
				counter, err := vec.GetMetricWith(prometheus.Labels(s.Labels))
				if err != nil {
					continue
				}
				counter.Add(s.Value)
			}
		}
		return nil
	})
}

// snapshotCounters reads the current counter values from the registry
func (c *Collector) snapshotCounters() (map[string][]counterSample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]counterSample)
	for _, mf := range families {
		if _, ok := c.metrics.counters[mf.GetName()]; !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			s := counterSample{Value: metric.GetCounter().GetValue()}
			if len(metric.GetLabel()) > 0 {
				s.Labels = make(map[string]string, len(metric.GetLabel()))
				for _, lp := range metric.GetLabel() {
					s.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			out[mf.GetName()] = append(out[mf.GetName()], s)
		}
	}
	return out, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	if c.db == nil {
		return nil
	}

	counters, err := c.snapshotCounters()
	if err != nil {
		return fmt.Errorf("failed to gather counters: %w", err)
	}

	data, err := json.Marshal(counters)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect()
			if err := c.persistCounters(); err != nil {
				c.logger.Error("failed to persist counters", "error", err)
			}
		}
	}
}

// Collect updates gauges from the current system state
func (c *Collector) Collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.uploads != nil {
		if size, err := c.uploads.TotalBytes(); err == nil {
			c.metrics.UploadsBytes.Set(float64(size))
		}
	}

	if c.jobs != nil {
		for status, n := range c.jobs.Stats() {
			c.metrics.Jobs.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}
