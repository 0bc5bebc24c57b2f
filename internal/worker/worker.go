// Package worker computes outgoing similarity edges for a newly
// persisted DecisionNode off the request path, via a bounded priority
// queue and a graceful drain.
package worker

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kaigi-labs/kaigi/internal/cache"
	"github.com/kaigi-labs/kaigi/internal/model"
	"github.com/kaigi-labs/kaigi/internal/similarity"
	"github.com/kaigi-labs/kaigi/internal/store"
)

// DefaultCapacity is the bounded queue's default size.
const DefaultCapacity = 1000

// DefaultCandidateWindow is the default number of recent candidates
// scored per job.
const DefaultCandidateWindow = 100

// Job carries one similarity-computation request.
type Job struct {
	SourceID   uuid.UUID
	Priority   int
	EnqueueTime time.Time
}

// CandidateFinder supplies recent decisions to score against, abstracting
// over a plain store scan or an accelerated index — an optional
// Qdrant-backed path lives behind this same interface.
type CandidateFinder interface {
	// Candidates returns up to limit decisions other than exclude to score
	// sourceID against.
	Candidates(ctx context.Context, exclude uuid.UUID, limit int) ([]model.DecisionNode, error)
}

// jobHeap is a max-heap on Priority, tie-broken by oldest EnqueueTime,
// giving a FIFO priority queue.
type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueueTime.Before(h[j].EnqueueTime)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// lowestPriorityIndex finds the job to evict on overflow: the lowest
// priority, and among jobs of that priority the oldest enqueue time.
func (h jobHeap) lowestPriorityIndex() int {
	worst := 0
	for i := 1; i < len(h); i++ {
		if h[i].Priority < h[worst].Priority ||
			(h[i].Priority == h[worst].Priority && h[i].EnqueueTime.Before(h[worst].EnqueueTime)) {
			worst = i
		}
	}
	return worst
}

// Worker computes and persists similarity edges asynchronously.
type Worker struct {
	store     *store.DB
	backend   similarity.Backend
	finder    CandidateFinder
	cache     *cache.Cache
	logger    *slog.Logger
	capacity  int
	candidateWindow int

	mu       sync.Mutex
	queue    jobHeap
	notify   chan struct{}

	overflowCount atomic.Int64

	started atomic.Bool
	drainOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	drainCh   chan context.Context
}

// New constructs a Worker. capacity/candidateWindow of zero use spec defaults.
func New(db *store.DB, backend similarity.Backend, finder CandidateFinder, c *cache.Cache, logger *slog.Logger, capacity, candidateWindow int) *Worker {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if candidateWindow == 0 {
		candidateWindow = DefaultCandidateWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:           db,
		backend:         backend,
		finder:          finder,
		cache:           c,
		logger:          logger,
		capacity:        capacity,
		candidateWindow: candidateWindow,
		notify:          make(chan struct{}, 1),
		done:            make(chan struct{}),
		drainCh:         make(chan context.Context, 1),
	}
}

// StoreFinder is the default CandidateFinder: a plain recent-decisions
// scan against the store, used when no accelerated index (Qdrant) is
// configured.
type StoreFinder struct {
	store *store.DB
}

// NewStoreFinder wraps db as a CandidateFinder.
func NewStoreFinder(db *store.DB) *StoreFinder {
	return &StoreFinder{store: db}
}

// Candidates returns up to limit+1 recent decisions with exclude filtered
// out, so callers still get limit candidates after filtering.
func (f *StoreFinder) Candidates(ctx context.Context, exclude uuid.UUID, limit int) ([]model.DecisionNode, error) {
	recent, err := f.store.GetRecent(ctx, limit+1)
	if err != nil {
		return nil, err
	}
	nodes := make([]model.DecisionNode, 0, limit)
	for _, n := range recent {
		if n.ID == exclude {
			continue
		}
		nodes = append(nodes, n)
		if len(nodes) >= limit {
			break
		}
	}
	return nodes, nil
}

// Enqueue adds a job. When the queue is full, the lowest-priority oldest
// job is dropped and the overflow counter incremented; the producer
// never blocks.
func (w *Worker) Enqueue(sourceID uuid.UUID, priority int) {
	w.mu.Lock()
	job := Job{SourceID: sourceID, Priority: priority, EnqueueTime: time.Now()}
	if len(w.queue) >= w.capacity {
		idx := w.queue.lowestPriorityIndex()
		heap.Remove(&w.queue, idx)
		w.overflowCount.Add(1)
	}
	heap.Push(&w.queue, job)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// OverflowCount reports how many jobs were dropped due to a full queue.
func (w *Worker) OverflowCount() int64 { return w.overflowCount.Load() }

// QueueDepth reports the current number of pending jobs.
func (w *Worker) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) dequeue() (Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return Job{}, false
	}
	job := heap.Pop(&w.queue).(Job)
	return job, true
}

// Start runs the worker loop in a goroutine. Call Drain to stop.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.loop(loopCtx)
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			drainCtx := context.Background()
			select {
			case c := <-w.drainCh:
				drainCtx = c
			default:
			}
			w.drainQueue(drainCtx)
			return
		case <-w.notify:
			w.drainQueue(ctx)
		}
	}
}

func (w *Worker) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok := w.dequeue()
		if !ok {
			return
		}
		w.runJob(ctx, job)
	}
}

// runJob computes similarity edges for one job and persists them. Errors
// are logged, never propagated — the worker's failures must not affect
// the orchestrator's read path.
func (w *Worker) runJob(ctx context.Context, job Job) {
	start := time.Now()
	candidates, err := w.finder.Candidates(ctx, job.SourceID, w.candidateWindow)
	if err != nil {
		w.logger.Warn("worker: fetch candidates failed", "source_id", job.SourceID, "error", err)
		return
	}

	source, err := w.store.GetByID(ctx, job.SourceID)
	if err != nil {
		w.logger.Warn("worker: fetch source node failed", "source_id", job.SourceID, "error", err)
		return
	}

	edges := make([]model.DecisionSimilarity, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == job.SourceID {
			continue
		}
		score := model.ClampUnit(w.backend.Score(ctx, source.Question, c.Question))
		edges = append(edges, model.DecisionSimilarity{SourceID: job.SourceID, TargetID: c.ID, Score: score})
	}

	if err := w.store.ReplaceSimilarities(ctx, job.SourceID, edges); err != nil {
		w.logger.Warn("worker: replace similarities failed", "source_id", job.SourceID, "error", err)
		return
	}
	if w.cache != nil {
		w.cache.Query.InvalidateAll()
	}
	w.logger.Info("worker: job complete", "source_id", job.SourceID, "candidates", len(candidates), "elapsed", time.Since(start))
}

// Drain stops accepting new work conceptually (callers should stop
// calling Enqueue) and blocks until the queue empties or deadline
// expires, terminating outstanding jobs.
func (w *Worker) Drain(ctx context.Context) {
	w.drainOnce.Do(func() {
		select {
		case w.drainCh <- ctx:
		default:
		}
		if w.cancel != nil {
			w.cancel()
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("worker: drain deadline exceeded, outstanding jobs terminated")
	}
}
