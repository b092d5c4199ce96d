package monitor

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// RawEvent is one notification from the watch source, before any
// filtering or debouncing.
type RawEvent struct {
	Path  string
	Kind  ChangeKind
	IsDir bool
}

// Source is the external watch collaborator: a stream of raw
// notifications for a directory tree. A closed Events channel means the
// source has died and the engine must shut down.
type Source interface {
	Events() <-chan RawEvent
	Errors() <-chan error
	// Dropped reports notifications the source discarded because its
	// delivery queue was full.
	Dropped() uint64
	Close() error
}

// Aggregator lifecycle states.
const (
	stateStopped int32 = iota
	stateStarting
	stateRunning
	stateStopping
)

// stopJoinTimeout bounds how long Stop waits for the delivery worker.
const stopJoinTimeout = 5 * time.Second

// deliveryQueueSize bounds the number of flushed batches awaiting
// delivery; overflow drops the oldest batch rather than blocking
// ingestion.
const deliveryQueueSize = 16

// AggregatorStats is a point-in-time snapshot of engine counters.
// Counters are monotonically increasing for the life of the Aggregator.
type AggregatorStats struct {
	TotalEvents      uint64    `json:"total_events"`
	IgnoredEvents    uint64    `json:"ignored_events"`
	SuppressedEvents uint64    `json:"suppressed_events"`
	SettledRecords   uint64    `json:"settled_records"`
	BatchesDelivered uint64    `json:"batches_delivered"`
	DroppedBatches   uint64    `json:"dropped_batches"`
	OverflowDropped  uint64    `json:"overflow_dropped"`
	SubscriberErrors uint64    `json:"subscriber_errors"`
	PendingRecords   int       `json:"pending_records"`
	PendingBatch     int       `json:"pending_batch"`
	Running          bool      `json:"running"`
	SourceFailed     bool      `json:"source_failed"`
	StartedAt        time.Time `json:"started_at"`
}

// Config holds the engine's tunables. Zero values are replaced with the
// defaults at construction.
type Config struct {
	SettleWindow  time.Duration
	BatchSize     int
	BatchInterval time.Duration
	Classifier    ClassifierConfig
}

const (
	// DefaultSettleWindow is how long a path's notifications must be
	// quiet before settling as a single change.
	DefaultSettleWindow = 2 * time.Second
	// DefaultBatchSize flushes the accumulation as soon as this many
	// records are pending.
	DefaultBatchSize = 10
	// DefaultBatchInterval flushes a non-empty accumulation after this
	// much time regardless of count.
	DefaultBatchInterval = 30 * time.Second
)

// withDefaults fills in zero-valued tunables.
func (c Config) withDefaults() Config {
	if c.SettleWindow <= 0 {
		c.SettleWindow = DefaultSettleWindow
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = DefaultBatchInterval
	}
	return c
}

// Aggregator is the engine facade: it owns the watch source, wires raw
// events through classifier, debouncer, and batcher, and fans flushed
// batches out to subscribers in strict flush order through a single
// delivery worker. Subscribers run outside every engine lock, so a slow
// or failing subscriber never stalls ingestion.
type Aggregator struct {
	cfg        Config
	source     Source
	logger     *log.Logger
	classifier *Classifier
	debouncer  *Debouncer
	batcher    *Batcher

	state atomic.Int32

	totalEvents      atomic.Uint64
	ignoredEvents    atomic.Uint64
	suppressedEvents atomic.Uint64
	settledRecords   atomic.Uint64
	batchesDelivered atomic.Uint64
	droppedBatches   atomic.Uint64
	subscriberErrors atomic.Uint64
	sourceFailed     atomic.Bool
	startedAt        atomic.Int64 // unix nanos, 0 until started

	// lifeMu serializes Start's worker launches against Stop's teardown,
	// so a Stop that races Start never tears down a half-launched engine.
	lifeMu sync.Mutex

	subMu       sync.Mutex
	subscribers []func(Batch)

	deliveryCh   chan Batch
	deliveryDone chan struct{}
	quit         chan struct{}
	stopped      chan struct{}
	ingestWG     sync.WaitGroup

	errMu sync.Mutex
	err   error

	stopOnce sync.Once
}

// New creates an Aggregator over the given source. The logger is
// required; pass log.New(io.Discard, "", 0) to silence it.
func New(cfg Config, source Source, logger *log.Logger) *Aggregator {
	cfg = cfg.withDefaults()
	a := &Aggregator{
		cfg:          cfg,
		source:       source,
		logger:       logger,
		classifier:   NewClassifier(cfg.Classifier),
		deliveryCh:   make(chan Batch, deliveryQueueSize),
		deliveryDone: make(chan struct{}),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	// Pipeline stages are built here, not in Start, so concurrent Stats
	// and Stop calls never observe a nil stage.
	a.batcher = NewBatcher(cfg.BatchSize, cfg.BatchInterval, a.enqueue)
	a.debouncer = NewDebouncer(cfg.SettleWindow, func(rec ChangeRecord) {
		a.settledRecords.Add(1)
		a.batcher.Accept(rec)
	})
	return a
}

// Subscribe registers a handler invoked once per flushed batch, in
// registration order. The batch is handed over by value; handlers cannot
// mutate engine state. A panicking handler is recovered, counted, and
// skipped without affecting later handlers.
func (a *Aggregator) Subscribe(fn func(Batch)) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// Start begins consuming raw notifications and launches the settlement,
// flush, and delivery workers. Starting an already-running engine is
// benign and reported as an error, never a crash.
func (a *Aggregator) Start() error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	select {
	case <-a.quit:
		return fmt.Errorf("aggregator cannot be restarted")
	default:
	}
	if !a.state.CompareAndSwap(stateStopped, stateStarting) {
		return fmt.Errorf("aggregator already started")
	}
	a.startedAt.Store(time.Now().UnixNano())

	a.batcher.Start()
	a.debouncer.Start()

	go a.deliveryLoop()

	a.ingestWG.Add(1)
	go a.ingestLoop()

	// A Stop that raced in owns the state from here; never overwrite it.
	a.state.CompareAndSwap(stateStarting, stateRunning)
	return nil
}

// Stop stops accepting raw notifications, drains the debouncer, force-
// flushes the batcher, and blocks until delivery has finished (bounded by
// stopJoinTimeout). No observed record is lost to shutdown: anything
// pending at the moment of the call is delivered in one final batch
// before Stop returns. Stopping a stopped engine is a no-op.
func (a *Aggregator) Stop() error {
	if !a.state.CompareAndSwap(stateRunning, stateStopping) &&
		!a.state.CompareAndSwap(stateStarting, stateStopping) {
		// Already stopping or stopped; wait for the in-flight stop so
		// callers still get the "fully terminated" guarantee.
		if a.state.Load() == stateStopping {
			select {
			case <-a.stopped:
			case <-time.After(stopJoinTimeout):
			}
		}
		return nil
	}

	// Joins an in-flight Start, so teardown never races worker launches.
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	a.stopOnce.Do(func() { close(a.quit) })
	if err := a.source.Close(); err != nil {
		a.logger.Printf("monitor: source close: %v", err)
	}
	a.ingestWG.Wait()

	// Drain: pending debounced records flow into the batcher, then one
	// final flush pushes them to the delivery queue.
	a.debouncer.Stop()
	a.batcher.Stop()

	close(a.deliveryCh)
	select {
	case <-a.deliveryDone:
	case <-time.After(stopJoinTimeout):
		a.logger.Printf("monitor: delivery worker did not drain within %s", stopJoinTimeout)
	}

	a.state.Store(stateStopped)
	close(a.stopped)
	return nil
}

// Done is closed once the engine has fully stopped, whether via Stop or
// a fatal source failure. Check Err to distinguish the two.
func (a *Aggregator) Done() <-chan struct{} { return a.stopped }

// Flush forces the batcher to flush whatever is pending. No-op unless
// running.
func (a *Aggregator) Flush() {
	if a.state.Load() == stateRunning {
		a.batcher.Flush()
	}
}

// Err returns the source failure that took the engine down, if any.
func (a *Aggregator) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// Stats returns a snapshot of the engine counters. Safe to call
// concurrently with active ingestion and delivery.
func (a *Aggregator) Stats() AggregatorStats {
	s := AggregatorStats{
		TotalEvents:      a.totalEvents.Load(),
		IgnoredEvents:    a.ignoredEvents.Load(),
		SuppressedEvents: a.suppressedEvents.Load(),
		SettledRecords:   a.settledRecords.Load(),
		BatchesDelivered: a.batchesDelivered.Load(),
		DroppedBatches:   a.droppedBatches.Load(),
		OverflowDropped:  a.source.Dropped(),
		SubscriberErrors: a.subscriberErrors.Load(),
		Running:          a.state.Load() == stateRunning,
		SourceFailed:     a.sourceFailed.Load(),
		PendingRecords:   a.debouncer.Pending(),
		PendingBatch:     a.batcher.Len(),
	}
	if ns := a.startedAt.Load(); ns != 0 {
		s.StartedAt = time.Unix(0, ns)
	}
	return s
}

// ingestLoop consumes the raw source until the engine stops or the
// source dies.
func (a *Aggregator) ingestLoop() {
	defer a.ingestWG.Done()

	events := a.source.Events()
	errors := a.source.Errors()

	for {
		select {
		case <-a.quit:
			return

		case ev, ok := <-events:
			if !ok {
				// Distinguish our own Close during Stop from the source
				// dying underneath us; only the latter is a failure.
				select {
				case <-a.quit:
					return
				default:
				}
				a.fail(fmt.Errorf("watch source closed unexpectedly"))
				return
			}
			a.handleRaw(ev)

		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			// Per-event source errors are transient; only a closed
			// event stream is fatal.
			a.logger.Printf("monitor: source error: %v", err)
		}
	}
}

// handleRaw runs one notification through classifier and debouncer.
func (a *Aggregator) handleRaw(ev RawEvent) {
	a.totalEvents.Add(1)

	if a.state.Load() != stateRunning {
		a.ignoredEvents.Add(1)
		return
	}
	if ev.IsDir || a.classifier.ShouldIgnore(ev.Path) {
		a.ignoredEvents.Add(1)
		return
	}
	if !a.debouncer.Observe(ev.Path, ev.Kind) {
		a.suppressedEvents.Add(1)
	}
}

// fail records a fatal source error and takes the engine down. Callers
// observe the failure through Err and the stats snapshot.
func (a *Aggregator) fail(err error) {
	a.errMu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.errMu.Unlock()
	a.sourceFailed.Store(true)
	a.logger.Printf("monitor: %v", err)

	// Stop from a fresh goroutine: fail runs on the ingest goroutine,
	// which Stop joins.
	go func() { _ = a.Stop() }()
}

// enqueue hands a flushed batch to the delivery worker. A full queue
// drops the oldest waiting batch, never blocks the flush path.
func (a *Aggregator) enqueue(b Batch) {
	for {
		select {
		case a.deliveryCh <- b:
			return
		default:
		}
		select {
		case old := <-a.deliveryCh:
			a.droppedBatches.Add(1)
			a.logger.Printf("monitor: delivery queue full, dropped batch of %d", len(old.Items))
		default:
		}
	}
}

// deliveryLoop is the single sequence point for subscriber delivery:
// batches reach every subscriber strictly in flush order, outside all
// engine locks.
func (a *Aggregator) deliveryLoop() {
	defer close(a.deliveryDone)

	for b := range a.deliveryCh {
		a.subMu.Lock()
		subs := make([]func(Batch), len(a.subscribers))
		copy(subs, a.subscribers)
		a.subMu.Unlock()

		for _, fn := range subs {
			a.invoke(fn, b)
		}
		a.batchesDelivered.Add(1)
	}
}

// invoke runs one subscriber, converting a panic into a counted error.
func (a *Aggregator) invoke(fn func(Batch), b Batch) {
	defer func() {
		if r := recover(); r != nil {
			a.subscriberErrors.Add(1)
			a.logger.Printf("monitor: subscriber panic: %v", r)
		}
	}()
	fn(b)
}
