package dispatch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blueberrycongee/llmux-balancer/internal/metrics"
)

// DefaultMaxPriority is the highest priority accepted by RouteQueued.
const DefaultMaxPriority = 4

// selectAllowance is the time budgeted for one queued selection attempt on
// top of the retry countdown.
const selectAllowance = 200 * time.Millisecond

// waiter is one selection parked in a route queue.
type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	index    int
}

// waitHeap orders waiters by priority, highest first, then by arrival.
type waitHeap []*waiter

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waitHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// routeQueue admits at most limit selections of one route at a time. Slots
// freed by release go to the highest-priority waiter.
type routeQueue struct {
	route string
	limit int

	mu      sync.Mutex
	active  int
	seq     uint64
	waiting waitHeap
}

func newRouteQueue(route string, limit int) *routeQueue {
	if limit < 1 {
		limit = 1
	}
	return &routeQueue{route: route, limit: limit}
}

// acquire blocks until the caller holds a slot or ctx is done.
func (q *routeQueue) acquire(ctx context.Context, priority int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.active < q.limit && len(q.waiting) == 0 {
		q.active++
		q.mu.Unlock()
		return nil
	}
	q.seq++
	w := &waiter{priority: priority, seq: q.seq, ready: make(chan struct{})}
	heap.Push(&q.waiting, w)
	q.observeDepth()
	q.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	if w.index >= 0 {
		heap.Remove(&q.waiting, w.index)
		q.observeDepth()
		q.mu.Unlock()
		return ctx.Err()
	}
	q.mu.Unlock()
	// The slot was handed over while ctx was being cancelled.
	q.release()
	return ctx.Err()
}

// release frees the caller's slot.
func (q *routeQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) > 0 {
		w := heap.Pop(&q.waiting).(*waiter)
		q.observeDepth()
		close(w.ready)
		return
	}
	q.active--
}

// depth returns the number of parked waiters.
func (q *routeQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// observeDepth must be called with q.mu held.
func (q *routeQueue) observeDepth() {
	metrics.QueueDepth.WithLabelValues(q.route).Set(float64(len(q.waiting)))
}

// queue returns the queue of route, creating it on first use.
func (b *Balancer) queue(route string) *routeQueue {
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	q, ok := b.queues[route]
	if !ok {
		q = newRouteQueue(route, b.queueWorkers)
		b.queues[route] = q
	}
	return q
}

// clampPriority bounds priority to [0, maxPriority].
func clampPriority(priority, maxPriority int) int {
	return max(0, min(priority, maxPriority))
}

// queuedBudget is how long RouteQueued waits before giving up.
func (b *Balancer) queuedBudget() time.Duration {
	if b.maxRetries <= 0 {
		return selectAllowance
	}
	return time.Duration(b.maxRetries) * (b.retryCountdown + selectAllowance)
}

// RouteQueued selects a provider for route like Route, but through a
// per-route priority queue. Higher priorities are served first; priority is
// clamped to [0, maxPriority]. Every attempt re-runs the strategy over
// providers and makes one QoS check. A refused attempt waits the retry
// countdown and queues again, up to maxRetries times. The whole wait is
// bounded by maxRetries*(countdown+200ms); past that ErrModelTooBusy is
// returned.
func (b *Balancer) RouteQueued(ctx context.Context, route string, providers []Provider, priority int) (Decision, error) {
	priority = clampPriority(priority, b.maxPriority)
	budget := b.queuedBudget()
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	q := b.queue(route)
	start := time.Now()
	outcome := "accepted"
	defer func() {
		metrics.QueueWait.WithLabelValues(route, outcome).Observe(time.Since(start).Seconds())
	}()

	tooBusy := func(attempt int) (Decision, error) {
		outcome = "too_busy"
		b.logger.Warn("queued selection gave up",
			"route", route,
			"priority", priority,
			"attempts", attempt,
			"waited", time.Since(start),
		)
		return Decision{}, fmt.Errorf("%w after %s", ErrModelTooBusy, budget)
	}
	stopped := func(attempt int, err error) (Decision, error) {
		if ctx.Err() != nil {
			outcome = "canceled"
			return Decision{}, ctx.Err()
		}
		if waitCtx.Err() != nil {
			return tooBusy(attempt)
		}
		outcome = "error"
		return Decision{}, err
	}

	for attempt := 1; ; attempt++ {
		if err := q.acquire(waitCtx, priority); err != nil {
			return stopped(attempt-1, err)
		}
		sel, err := b.selectProvider(waitCtx, route, providers)
		if err != nil {
			q.release()
			return stopped(attempt, err)
		}
		chosen := b.mustFind(route, providers, sel)
		allowed := b.allow(waitCtx, route, chosen)
		q.release()

		if allowed {
			b.logger.Debug("queued selection accepted",
				"route", route,
				"priority", priority,
				"attempts", attempt,
				"candidate", chosen.ID,
			)
			return Decision{Route: route, Provider: chosen, Selection: sel, Attempts: attempt}, nil
		}
		if attempt > b.maxRetries {
			return tooBusy(attempt)
		}
		if err := sleepContext(waitCtx, b.retryCountdown); err != nil {
			return stopped(attempt, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
