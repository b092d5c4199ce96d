package monitor

import (
	"sort"
	"sync"
	"time"
)

// Debouncer collapses rapid repeated notifications for the same path into
// a single settled ChangeRecord per settle window, and suppresses
// modifications whose content did not actually change. It is safe for
// concurrent use.
//
// At most one pending record exists per path. A background loop polls at
// the settle window and emits every pending record that has been quiet
// for at least one full window.
type Debouncer struct {
	window time.Duration
	emit   func(ChangeRecord)

	mu      sync.Mutex
	pending map[string]ChangeRecord
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDebouncer creates a Debouncer that emits settled records to emit
// after `window` of silence on a given path. Call Start to begin the
// settlement loop.
func NewDebouncer(window time.Duration, emit func(ChangeRecord)) *Debouncer {
	return &Debouncer{
		window:  window,
		emit:    emit,
		pending: make(map[string]ChangeRecord),
		done:    make(chan struct{}),
	}
}

// Start launches the background settlement loop. Calling Start more than
// once is a no-op.
func (d *Debouncer) Start() {
	d.once.Do(func() {
		d.wg.Add(1)
		go d.settleLoop()
	})
}

// Observe records a raw notification for path. It returns false when the
// notification was suppressed as a content no-op: a modified notification
// for a path whose pending record carries the same fingerprint neither
// replaces the record nor resets its timer. Created, deleted, and moved
// notifications always replace the pending record, so the settled record
// reflects the last observed kind.
func (d *Debouncer) Observe(path string, kind ChangeKind) bool {
	rec := NewChangeRecord(path, kind)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}

	if prev, ok := d.pending[rec.Path]; ok {
		if kind == KindModified && rec.Fingerprint == prev.Fingerprint {
			return false
		}
	}
	d.pending[rec.Path] = rec
	return true
}

// Pending returns the number of paths currently awaiting settlement.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop halts the settlement loop and immediately emits all pending
// records. After Stop returns, Observe calls are no-ops.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	drained := collectSorted(d.pending)
	d.pending = make(map[string]ChangeRecord)
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()

	// Emit outside the lock so a slow sink cannot deadlock Observe.
	for _, rec := range drained {
		d.emit(rec)
	}
}

// settleLoop scans the pending set once per window and emits every entry
// older than the window.
func (d *Debouncer) settleLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.window)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.settleExpired(time.Now())
		}
	}
}

// settleExpired removes and emits every pending record whose age exceeds
// the settle window.
func (d *Debouncer) settleExpired(now time.Time) {
	d.mu.Lock()
	var expired []ChangeRecord
	for path, rec := range d.pending {
		if now.Sub(rec.ObservedAt) >= d.window {
			expired = append(expired, rec)
			delete(d.pending, path)
		}
	}
	d.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ObservedAt.Before(expired[j].ObservedAt)
	})
	for _, rec := range expired {
		d.emit(rec)
	}
}

// collectSorted returns the map's records ordered by observation time.
func collectSorted(pending map[string]ChangeRecord) []ChangeRecord {
	out := make([]ChangeRecord, 0, len(pending))
	for _, rec := range pending {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out
}
