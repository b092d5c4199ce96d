package monitor

import (
	"sort"
	"sync"
	"time"
)

// Batcher accumulates settled change records and flushes them as a single
// ordered Batch when the count threshold is reached, when the batch
// interval elapses with a non-empty buffer, or on demand. It is safe for
// concurrent use.
type Batcher struct {
	size     int
	interval time.Duration
	emit     func(Batch)

	mu        sync.Mutex
	buf       []ChangeRecord
	lastFlush time.Time
	stopped   bool

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewBatcher creates a Batcher that flushes to emit. Call Start to begin
// the periodic flush loop.
func NewBatcher(size int, interval time.Duration, emit func(Batch)) *Batcher {
	return &Batcher{
		size:      size,
		interval:  interval,
		emit:      emit,
		lastFlush: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start launches the periodic flush loop. Calling Start more than once is
// a no-op.
func (b *Batcher) Start() {
	b.once.Do(func() {
		// The interval clock starts now, not at construction.
		b.mu.Lock()
		b.lastFlush = time.Now()
		b.mu.Unlock()

		b.wg.Add(1)
		go b.flushLoop()
	})
}

// Accept adds a settled record to the accumulation buffer and evaluates
// the flush triggers.
func (b *Batcher) Accept(rec ChangeRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.buf = append(b.buf, rec)

	if len(b.buf) >= b.size || time.Since(b.lastFlush) >= b.interval {
		b.flushLocked()
	}
}

// Flush forces a flush of whatever is pending, regardless of thresholds.
// An empty buffer is a no-op and never reaches the sink.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Len returns the number of records currently accumulated.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Stop halts the periodic loop and flushes any remaining accumulation.
// After Stop returns, Accept calls are no-ops.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.flushLocked()
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

// flushLocked deduplicates the buffer by path (latest observation wins),
// sorts by observation time, clears the buffer, and hands the batch to
// the sink. Caller must hold b.mu; the sink is expected to be a fast
// queue handoff, never a subscriber callback.
func (b *Batcher) flushLocked() {
	if len(b.buf) == 0 {
		return
	}

	latest := make(map[string]ChangeRecord, len(b.buf))
	for _, rec := range b.buf {
		if prev, ok := latest[rec.Path]; !ok || rec.ObservedAt.After(prev.ObservedAt) {
			latest[rec.Path] = rec
		}
	}

	items := make([]ChangeRecord, 0, len(latest))
	for _, rec := range latest {
		items = append(items, rec)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ObservedAt.Before(items[j].ObservedAt)
	})

	b.buf = b.buf[:0]
	b.lastFlush = time.Now()
	b.emit(Batch{Items: items, FlushedAt: b.lastFlush})
}

// flushLoop performs the time-triggered flush independently of Accept
// calls, so a trickle of records still flushes within one interval.
func (b *Batcher) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.mu.Lock()
			if len(b.buf) > 0 && time.Since(b.lastFlush) >= b.interval {
				b.flushLocked()
			}
			b.mu.Unlock()
		}
	}
}
