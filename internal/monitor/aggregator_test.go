package monitor

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeSource is a hand-driven Source for engine tests.
type fakeSource struct {
	events chan RawEvent
	errors chan error
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan RawEvent, 64),
		errors: make(chan error, 4),
	}
}

func (f *fakeSource) Events() <-chan RawEvent { return f.events }
func (f *fakeSource) Errors() <-chan error    { return f.errors }
func (f *fakeSource) Dropped() uint64         { return 0 }
func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func quickConfig() Config {
	return Config{
		SettleWindow:  50 * time.Millisecond,
		BatchSize:     3,
		BatchInterval: time.Hour,
	}
}

func TestAggregatorEndToEnd(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "alpha")
	b := writeTemp(t, dir, "b.txt", "bravo")
	c := writeTemp(t, dir, "c.txt", "charlie")

	src := newFakeSource()
	agg := New(quickConfig(), src, testLogger())

	sink, got := collectBatches()
	agg.Subscribe(sink)

	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}

	src.events <- RawEvent{Path: a, Kind: KindModified}
	src.events <- RawEvent{Path: b, Kind: KindCreated}
	src.events <- RawEvent{Path: c, Kind: KindModified}

	// Settle window (50ms) + batch count trigger at 3 records.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(got()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	batches := got()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if len(batches[0].Items) != 3 {
		t.Fatalf("batch has %d items, want 3", len(batches[0].Items))
	}
	for i := 1; i < len(batches[0].Items); i++ {
		if batches[0].Items[i].ObservedAt.Before(batches[0].Items[i-1].ObservedAt) {
			t.Error("batch items not ordered by observation time")
		}
	}

	stats := agg.Stats()
	if stats.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", stats.TotalEvents)
	}
	if stats.SettledRecords != 3 {
		t.Errorf("SettledRecords = %d, want 3", stats.SettledRecords)
	}
	if stats.BatchesDelivered != 1 {
		t.Errorf("BatchesDelivered = %d, want 1", stats.BatchesDelivered)
	}

	if err := agg.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestAggregatorIgnoresDirectoriesAndExcludedPaths(t *testing.T) {
	cfg := quickConfig()
	cfg.Classifier.ExcludeDirs = []string{".git"}

	src := newFakeSource()
	agg := New(cfg, src, testLogger())
	sink, got := collectBatches()
	agg.Subscribe(sink)
	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}
	defer agg.Stop()

	src.events <- RawEvent{Path: "/repo/sub", Kind: KindCreated, IsDir: true}
	src.events <- RawEvent{Path: "/repo/.git/index", Kind: KindModified}
	src.events <- RawEvent{Path: "/repo/x.swp", Kind: KindModified}

	time.Sleep(200 * time.Millisecond)

	if len(got()) != 0 {
		t.Error("ignored events produced a batch")
	}
	stats := agg.Stats()
	if stats.IgnoredEvents != 3 {
		t.Errorf("IgnoredEvents = %d, want 3", stats.IgnoredEvents)
	}
}

func TestAggregatorDoubleStart(t *testing.T) {
	src := newFakeSource()
	agg := New(quickConfig(), src, testLogger())
	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}
	defer agg.Stop()

	if err := agg.Start(); err == nil {
		t.Error("second Start should report already-started")
	}
}

func TestAggregatorStopIsIdempotent(t *testing.T) {
	src := newFakeSource()
	agg := New(quickConfig(), src, testLogger())
	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}
	if err := agg.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := agg.Stop(); err != nil {
		t.Errorf("second Stop returned %v", err)
	}
}

func TestAggregatorNoLossOnShutdown(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "alpha")
	b := writeTemp(t, dir, "b.txt", "bravo")

	cfg := Config{
		SettleWindow:  time.Hour, // records stay pending until Stop
		BatchSize:     100,
		BatchInterval: time.Hour,
	}
	src := newFakeSource()
	agg := New(cfg, src, testLogger())
	sink, got := collectBatches()
	agg.Subscribe(sink)
	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}

	src.events <- RawEvent{Path: a, Kind: KindModified}
	src.events <- RawEvent{Path: b, Kind: KindCreated}

	// Let the ingest loop pick both up.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && agg.Stats().PendingRecords < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	if err := agg.Stop(); err != nil {
		t.Fatal(err)
	}

	// Everything pending at Stop must have been delivered before Stop
	// returned: exactly one final batch with both records.
	batches := got()
	if len(batches) != 1 {
		t.Fatalf("expected exactly 1 final batch, got %d", len(batches))
	}
	if len(batches[0].Items) != 2 {
		t.Errorf("final batch has %d items, want 2", len(batches[0].Items))
	}
}

func TestAggregatorSubscriberPanicIsContained(t *testing.T) {
	dir := t.TempDir()
	a := writeTemp(t, dir, "a.txt", "alpha")

	cfg := quickConfig()
	cfg.BatchSize = 1

	src := newFakeSource()
	agg := New(cfg, src, testLogger())

	agg.Subscribe(func(Batch) { panic("boom") })
	sink, got := collectBatches()
	agg.Subscribe(sink)

	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}
	defer agg.Stop()

	src.events <- RawEvent{Path: a, Kind: KindModified}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(got()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(got()) != 1 {
		t.Fatal("panicking subscriber prevented delivery to later subscribers")
	}
	if agg.Stats().SubscriberErrors != 1 {
		t.Errorf("SubscriberErrors = %d, want 1", agg.Stats().SubscriberErrors)
	}
}

func TestAggregatorSourceFailureIsFatal(t *testing.T) {
	src := newFakeSource()
	agg := New(quickConfig(), src, testLogger())
	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}

	// Source dies without Stop being called.
	src.once.Do(func() { close(src.events) })

	select {
	case <-agg.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not shut down after source death")
	}

	if agg.Err() == nil {
		t.Error("expected Err() after source failure")
	}
	if !agg.Stats().SourceFailed {
		t.Error("stats should report source failure")
	}
	if agg.Stats().Running {
		t.Error("engine still reports running after source failure")
	}
}

func TestAggregatorDeliveryInFlushOrder(t *testing.T) {
	dir := t.TempDir()

	cfg := Config{
		SettleWindow:  30 * time.Millisecond,
		BatchSize:     1, // every settled record flushes its own batch
		BatchInterval: time.Hour,
	}
	src := newFakeSource()
	agg := New(cfg, src, testLogger())

	var mu sync.Mutex
	var order []string
	agg.Subscribe(func(b Batch) {
		mu.Lock()
		order = append(order, b.Items[0].Path)
		mu.Unlock()
	})

	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}

	var paths []string
	for _, name := range []string{"1.txt", "2.txt", "3.txt"} {
		p := writeTemp(t, dir, name, name)
		paths = append(paths, p)
		src.events <- RawEvent{Path: p, Kind: KindCreated}
		time.Sleep(120 * time.Millisecond) // let each settle and flush alone
	}

	if err := agg.Stop(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(order))
	}
	for i, p := range paths {
		if order[i] != p {
			t.Errorf("batch %d delivered %s, want %s (flush order violated)", i, order[i], p)
		}
	}
}

// ---------------------------------------------------------------------------
// FSWatch integration
// ---------------------------------------------------------------------------

func TestFSWatchDeliversRealEvents(t *testing.T) {
	dir := t.TempDir()

	src, err := NewFSWatch(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		SettleWindow:  50 * time.Millisecond,
		BatchSize:     1,
		BatchInterval: time.Hour,
	}
	agg := New(cfg, src, testLogger())
	sink, got := collectBatches()
	agg.Subscribe(sink)
	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}
	defer agg.Stop()

	path := filepath.Join(dir, "watched.txt")
	if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(got()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	batches := got()
	if len(batches) == 0 {
		t.Fatal("no batch delivered for a real file write")
	}
	found := false
	for _, b := range batches {
		for _, it := range b.Items {
			if it.Path == path || filepath.Base(it.Path) == "watched.txt" {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("delivered batches do not mention %s", path)
	}
}

func TestFSWatchWatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()

	src, err := NewFSWatch(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		SettleWindow:  50 * time.Millisecond,
		BatchSize:     1,
		BatchInterval: time.Hour,
	}
	agg := New(cfg, src, testLogger())
	sink, got := collectBatches()
	agg.Subscribe(sink)
	if err := agg.Start(); err != nil {
		t.Fatal(err)
	}
	defer agg.Stop()

	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(100 * time.Millisecond)

	inner := filepath.Join(sub, "inner.txt")
	if err := os.WriteFile(inner, []byte("nested"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	found := false
	for time.Now().Before(deadline) && !found {
		for _, b := range got() {
			for _, it := range b.Items {
				if filepath.Base(it.Path) == "inner.txt" {
					found = true
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !found {
		t.Error("write inside a newly created directory was not observed")
	}
}

// Stats must be safe to poll from another goroutine at any point in the
// lifecycle, including while Start and Stop are in flight.
func TestStatsSafeAcrossLifecycle(t *testing.T) {
	for i := 0; i < 50; i++ {
		src := newFakeSource()
		agg := New(quickConfig(), src, testLogger())

		if s := agg.Stats(); !s.StartedAt.IsZero() {
			t.Fatal("StartedAt set before Start")
		}

		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = agg.Stats()
				}
			}
		}()

		if err := agg.Start(); err != nil {
			t.Fatal(err)
		}
		if err := agg.Stop(); err != nil {
			t.Fatal(err)
		}
		close(done)
		wg.Wait()

		if s := agg.Stats(); s.StartedAt.IsZero() {
			t.Error("StartedAt not recorded")
		}
	}
}

// A Stop issued immediately after Start must tear down cleanly, no
// matter how little of the startup had completed.
func TestStopImmediatelyAfterStart(t *testing.T) {
	for i := 0; i < 50; i++ {
		src := newFakeSource()
		agg := New(quickConfig(), src, testLogger())

		if err := agg.Start(); err != nil {
			t.Fatal(err)
		}
		go func() { _ = agg.Stop() }()
		if err := agg.Stop(); err != nil {
			t.Fatal(err)
		}

		select {
		case <-agg.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not terminate")
		}
		if s := agg.Stats(); s.Running {
			t.Error("stats still report running after Stop")
		}
	}
}
