// Package monitor turns a noisy stream of raw filesystem notifications
// into a small number of clean, deduplicated change batches.
//
// The pipeline is Source -> Classifier -> Debouncer -> Batcher ->
// subscribers. The classifier drops excluded paths, the debouncer
// collapses rapid repeats per path (suppressing content no-ops by
// fingerprint), the batcher flushes on a count or time threshold, and
// the aggregator delivers each flushed batch to subscribers in strict
// flush order through one delivery worker.
package monitor
