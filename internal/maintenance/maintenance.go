// Package maintenance implements a non-critical observer surfacing
// store stats, health, and growth warnings over the decision graph.
package maintenance

import (
	"context"
	"fmt"

	"github.com/kaigi-labs/kaigi/internal/cache"
	"github.com/kaigi-labs/kaigi/internal/store"
	"github.com/kaigi-labs/kaigi/internal/worker"
)

// Status is the overall health verdict.
type Status string

const (
	StatusHealthy        Status = "healthy"
	StatusNeedsAttention Status = "needs_attention"
)

// DefaultNodeCountWarning is the node-count threshold past which Monitor
// starts reporting a growth warning.
const DefaultNodeCountWarning = 5000

// Stats mirrors get_stats()'s contractual shape, enriched with worker and
// cache counters the spec groups under the same observer.
type Stats struct {
	NodeCount        int     `json:"node_count"`
	EdgeCount        int     `json:"edge_count"`
	AvgSimilarity    float64 `json:"avg_similarity"`
	DBBytes          int64   `json:"db_bytes"`
	WorkerQueueDepth int     `json:"worker_queue_depth"`
	WorkerOverflow   int64   `json:"worker_overflow_count"`
	CombinedHitRate  float64 `json:"combined_cache_hit_rate"`
}

// HealthReport is health_check()'s contractual shape.
type HealthReport struct {
	Status Status   `json:"status"`
	Issues []string `json:"issues"`
}

// Monitor observes the store, worker, and cache without ever blocking or
// failing a deliberation — every method degrades to a reported issue
// rather than an error.
type Monitor struct {
	store            *store.DB
	worker           *worker.Worker
	cache            *cache.Cache
	nodeCountWarning int
}

// New constructs a Monitor. w and c may be nil if those
// subsystems are disabled; their counters are simply omitted.
func New(db *store.DB, w *worker.Worker, c *cache.Cache, nodeCountWarning int) *Monitor {
	if nodeCountWarning == 0 {
		nodeCountWarning = DefaultNodeCountWarning
	}
	return &Monitor{store: db, worker: w, cache: c, nodeCountWarning: nodeCountWarning}
}

// GetStats collects a point-in-time snapshot of store, worker, and cache
// counters.
func (m *Monitor) GetStats(ctx context.Context) (Stats, error) {
	storeStats, err := m.store.GetStats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("maintenance: get_stats: %w", err)
	}

	stats := Stats{
		NodeCount:     storeStats.NodeCount,
		EdgeCount:     storeStats.EdgeCount,
		AvgSimilarity: storeStats.AvgSimilarity,
		DBBytes:       storeStats.DBBytes,
	}
	if m.worker != nil {
		stats.WorkerQueueDepth = m.worker.QueueDepth()
		stats.WorkerOverflow = m.worker.OverflowCount()
	}
	if m.cache != nil {
		stats.CombinedHitRate = m.cache.CombinedHitRate()
	}
	return stats, nil
}

// HealthCheck verifies connectivity, schema presence, and obvious
// corruption, and folds in configurable growth-threshold warnings. It
// never returns an error — failures downgrade status and are
// reported in Issues instead, since maintenance observation must never
// block or fail a deliberation.
func (m *Monitor) HealthCheck(ctx context.Context) HealthReport {
	var issues []string

	if err := m.store.Ping(ctx); err != nil {
		issues = append(issues, fmt.Sprintf("store unreachable: %v", err))
		return HealthReport{Status: StatusNeedsAttention, Issues: issues}
	}

	if err := m.store.SchemaOK(ctx); err != nil {
		issues = append(issues, fmt.Sprintf("schema check failed: %v", err))
	}

	if nodeCount, err := m.store.CountDecisions(ctx); err == nil {
		if nodeCount > m.nodeCountWarning {
			issues = append(issues, fmt.Sprintf("node_count %d exceeds warning threshold %d", nodeCount, m.nodeCountWarning))
		}
	}

	if m.worker != nil && m.worker.OverflowCount() > 0 {
		issues = append(issues, fmt.Sprintf("background worker has dropped %d jobs to overflow", m.worker.OverflowCount()))
	}

	status := StatusHealthy
	if len(issues) > 0 {
		status = StatusNeedsAttention
	}
	return HealthReport{Status: status, Issues: issues}
}
