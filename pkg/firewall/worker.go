package firewall

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/metrics"
	"github.com/zeroharbor/guardian/pkg/types"
)

const (
	// pendingCap bounds the per-node pending-ban slot
	pendingCap = 20000
	// drainMax bounds one batch
	drainMax = 500
	// wakeInterval is the worker's poll period
	wakeInterval = 250 * time.Millisecond
	// failPause separates a failed batch from the next attempt
	failPause = 500 * time.Millisecond
	// statsInterval paces the observability summary
	statsInterval = 30 * time.Second

	overflowWarnInterval = 10 * time.Second
)

// banWorker batches pending ban insertions for one node and submits
// them as a single remote command per drain.
type banWorker struct {
	node   types.NodeSpec
	logger zerolog.Logger
	submit func(ctx context.Context, items []banItem) error

	mu       sync.Mutex
	pending  map[string]banItem
	wake     chan struct{}
	lastWarn time.Time

	window           *latencyWindow
	lastBatchSize    int
	lastBatchLatency time.Duration
}

func newBanWorker(node types.NodeSpec, submit func(ctx context.Context, items []banItem) error) *banWorker {
	return &banWorker{
		node:    node,
		logger:  log.WithNode(node.Name),
		submit:  submit,
		pending: make(map[string]banItem),
		wake:    make(chan struct{}, 1),
		window:  newLatencyWindow(1000),
	}
}

// schedule queues addr with ttl. Dedup keeps the maximum TTL; at the
// cap new distinct addresses are refused while TTL raises still land.
func (w *banWorker) schedule(addr string, ttl time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.pending[addr]; ok {
		if ttl > existing.ttl {
			existing.ttl = ttl
			w.pending[addr] = existing
		}
		w.signal()
		return true
	}

	if len(w.pending) >= pendingCap {
		metrics.PendingOverflowsTotal.WithLabelValues(w.node.Name).Inc()
		if time.Since(w.lastWarn) > overflowWarnInterval {
			w.lastWarn = time.Now()
			w.logger.Warn().
				Int("pending", len(w.pending)).
				Str("addr", addr).
				Msg("pending-ban slot full, dropping address")
		}
		return false
	}

	w.pending[addr] = banItem{addr: addr, ttl: ttl, enqueued: time.Now()}
	metrics.PendingDepth.WithLabelValues(w.node.Name).Set(float64(len(w.pending)))
	metrics.BansScheduledTotal.WithLabelValues(w.node.Name).Inc()
	w.signal()
	return true
}

func (w *banWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *banWorker) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// run drives the drain loop until ctx is cancelled. Pending entries
// are abandoned on shutdown by design; the kernel keeps previously
// applied TTLs.
func (w *banWorker) run(ctx context.Context) {
	timer := time.NewTimer(wakeInterval)
	defer timer.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-timer.C:
		case <-stats.C:
			w.reportStats()
			continue
		}
		w.drainOnce(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wakeInterval)
	}
}

// drainOnce takes up to drainMax entries, oldest first, and submits
// them as one batch. Failed batches are re-inserted preserving the
// maximum TTL.
func (w *banWorker) drainOnce(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	items := make([]banItem, 0, len(w.pending))
	for _, it := range w.pending {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].enqueued.Before(items[j].enqueued) })
	if len(items) > drainMax {
		items = items[:drainMax]
	}
	for _, it := range items {
		delete(w.pending, it.addr)
	}
	metrics.PendingDepth.WithLabelValues(w.node.Name).Set(float64(len(w.pending)))
	w.mu.Unlock()

	batchID := uuid.NewString()[:8]
	timer := metrics.NewTimer()
	err := w.submit(ctx, items)
	elapsed := timer.Duration()

	if err != nil {
		metrics.BanBatchFailuresTotal.WithLabelValues(w.node.Name).Inc()
		w.logger.Warn().
			Str("batch", batchID).
			Int("size", len(items)).
			Err(err).
			Msg("ban batch failed, re-queueing")
		w.requeue(items)
		sleepCtx(ctx, failPause)
		return
	}

	now := time.Now()
	for _, it := range items {
		lat := now.Sub(it.enqueued)
		w.window.Add(lat)
		metrics.BatchLatency.WithLabelValues(w.node.Name).Observe(lat.Seconds())
	}
	w.mu.Lock()
	w.lastBatchSize = len(items)
	w.lastBatchLatency = elapsed
	w.mu.Unlock()

	w.logger.Debug().
		Str("batch", batchID).
		Int("size", len(items)).
		Dur("took", elapsed).
		Msg("ban batch applied")
}

// requeue puts failed items back, keeping whichever TTL is larger when
// the address was re-scheduled in the meantime.
func (w *banWorker) requeue(items []banItem) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, it := range items {
		if existing, ok := w.pending[it.addr]; ok {
			if existing.ttl > it.ttl {
				it.ttl = existing.ttl
			}
			if existing.enqueued.Before(it.enqueued) {
				it.enqueued = existing.enqueued
			}
		}
		w.pending[it.addr] = it
	}
	metrics.PendingDepth.WithLabelValues(w.node.Name).Set(float64(len(w.pending)))
}

func (w *banWorker) reportStats() {
	w.mu.Lock()
	depth := len(w.pending)
	size := w.lastBatchSize
	last := w.lastBatchLatency
	w.mu.Unlock()

	p95 := w.window.P95()
	metrics.BatchLatencyP95.WithLabelValues(w.node.Name).Set(p95.Seconds())
	w.logger.Info().
		Int("pending", depth).
		Int("last_batch", size).
		Dur("last_latency", last).
		Dur("p95", p95).
		Msg("ban worker stats")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// latencyWindow is a rolling sample window for p95 reporting
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (l *latencyWindow) Add(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples[l.next] = d
	l.next++
	if l.next == len(l.samples) {
		l.next = 0
		l.full = true
	}
}

func (l *latencyWindow) P95() time.Duration {
	l.mu.Lock()
	n := len(l.samples)
	if !l.full {
		n = l.next
	}
	if n == 0 {
		l.mu.Unlock()
		return 0
	}
	cp := make([]time.Duration, n)
	copy(cp, l.samples[:n])
	l.mu.Unlock()

	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return cp[idx]
}
