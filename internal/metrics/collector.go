// Package metrics provides in-memory runtime statistics collection
// for a batch run: per-stage timings and throughput counters.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single pipeline stage.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	Failures int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	Failures    int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
}

// Snapshot represents the full run statistics at a point in time.
type Snapshot struct {
	UptimeSeconds  float64
	FilesPerSecond float64
	Annotator      *OperationSnapshot
	XMLParse       *OperationSnapshot
	CSVWrite       *OperationSnapshot
	StatePersist   *OperationSnapshot
}

// Stage names for the collector.
const (
	StageAnnotator    = "annotator"
	StageXMLParse     = "xml_parse"
	StageCSVWrite     = "csv_write"
	StateStagePersist = "state_persist"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	completed int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for a stage.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{
			MinTime: time.Duration(math.MaxInt64),
		}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for a pipeline stage.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordFailure records a failed attempt at a pipeline stage, without
// contributing a timing sample.
func (c *Collector) RecordFailure(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Failures++
}

// RecordFileCompleted increments the run-level completed-file counter,
// used to compute throughput in Snapshot.
func (c *Collector) RecordFileCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
}

// snapshotOp creates a snapshot for a stage, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	return &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	uptime := time.Since(c.startTime).Seconds()
	var rate float64
	if uptime > 0 {
		rate = float64(c.completed) / uptime
	}

	return Snapshot{
		UptimeSeconds:  uptime,
		FilesPerSecond: rate,
		Annotator:      snapshotOp(c.ops[StageAnnotator]),
		XMLParse:       snapshotOp(c.ops[StageXMLParse]),
		CSVWrite:       snapshotOp(c.ops[StageCSVWrite]),
		StatePersist:   snapshotOp(c.ops[StateStagePersist]),
	}
}
