package monitor

import (
	"sync"
	"testing"
	"time"
)

func collectBatches() (func(Batch), func() []Batch) {
	var mu sync.Mutex
	var batches []Batch
	sink := func(b Batch) {
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
	}
	get := func() []Batch {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Batch, len(batches))
		copy(out, batches)
		return out
	}
	return sink, get
}

func rec(path string, kind ChangeKind, at time.Time) ChangeRecord {
	return ChangeRecord{Path: path, Kind: kind, ObservedAt: at}
}

func TestBatcherCountTrigger(t *testing.T) {
	sink, got := collectBatches()
	b := NewBatcher(3, time.Hour, sink)
	b.Start()
	defer b.Stop()

	now := time.Now()
	b.Accept(rec("/a", KindModified, now))
	b.Accept(rec("/b", KindCreated, now.Add(time.Millisecond)))
	if len(got()) != 0 {
		t.Fatal("flushed before count threshold")
	}
	b.Accept(rec("/c", KindModified, now.Add(2*time.Millisecond)))

	batches := got()
	if len(batches) != 1 {
		t.Fatalf("expected immediate flush at threshold, got %d batches", len(batches))
	}
	if len(batches[0].Items) != 3 {
		t.Errorf("batch has %d items, want 3", len(batches[0].Items))
	}
}

func TestBatcherTimeTrigger(t *testing.T) {
	sink, got := collectBatches()
	b := NewBatcher(100, 80*time.Millisecond, sink)
	b.Start()
	defer b.Stop()

	b.Accept(rec("/solo", KindModified, time.Now()))

	// Well under the interval: nothing yet.
	time.Sleep(30 * time.Millisecond)
	if len(got()) != 0 {
		t.Fatal("flushed before the batch interval elapsed")
	}

	// After the interval the periodic loop must flush the single record.
	time.Sleep(200 * time.Millisecond)
	batches := got()
	if len(batches) != 1 {
		t.Fatalf("expected 1 time-triggered batch, got %d", len(batches))
	}
	if len(batches[0].Items) != 1 {
		t.Errorf("batch has %d items, want 1", len(batches[0].Items))
	}
}

func TestBatcherDedupLatestWins(t *testing.T) {
	sink, got := collectBatches()
	b := NewBatcher(100, time.Hour, sink)
	b.Start()
	defer b.Stop()

	now := time.Now()
	b.Accept(rec("/a", KindCreated, now))
	b.Accept(rec("/b", KindModified, now.Add(time.Millisecond)))
	b.Accept(rec("/a", KindModified, now.Add(2*time.Millisecond)))
	b.Flush()

	batches := got()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	items := batches[0].Items
	if len(items) != 2 {
		t.Fatalf("expected 2 deduplicated items, got %d", len(items))
	}
	for _, it := range items {
		if it.Path == "/a" && it.Kind != KindModified {
			t.Errorf("/a kept kind %v, want the later modified record", it.Kind)
		}
	}
}

func TestBatcherOrderedByObservedAt(t *testing.T) {
	sink, got := collectBatches()
	b := NewBatcher(100, time.Hour, sink)
	b.Start()
	defer b.Stop()

	now := time.Now()
	// Accept out of chronological order.
	b.Accept(rec("/c", KindModified, now.Add(30*time.Millisecond)))
	b.Accept(rec("/a", KindModified, now))
	b.Accept(rec("/b", KindModified, now.Add(10*time.Millisecond)))
	b.Flush()

	items := got()[0].Items
	for i := 1; i < len(items); i++ {
		if items[i].ObservedAt.Before(items[i-1].ObservedAt) {
			t.Errorf("items not sorted by ObservedAt: %v before %v",
				items[i].ObservedAt, items[i-1].ObservedAt)
		}
	}
}

func TestBatcherEmptyFlushIsNoOp(t *testing.T) {
	sink, got := collectBatches()
	b := NewBatcher(10, time.Hour, sink)
	b.Start()
	defer b.Stop()

	b.Flush()
	b.Flush()
	if len(got()) != 0 {
		t.Error("empty flush reached the sink")
	}
}

func TestBatcherStopFlushesRemainder(t *testing.T) {
	sink, got := collectBatches()
	b := NewBatcher(100, time.Hour, sink)
	b.Start()

	b.Accept(rec("/pending", KindModified, time.Now()))
	b.Stop()

	batches := got()
	if len(batches) != 1 || len(batches[0].Items) != 1 {
		t.Fatalf("expected the pending record in a final batch, got %v", batches)
	}

	// Accept after Stop is a no-op.
	b.Accept(rec("/late", KindModified, time.Now()))
	b.Flush()
	if len(got()) != 1 {
		t.Error("records accepted after Stop")
	}
}
