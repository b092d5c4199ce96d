package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// rawQueueSize bounds the notification queue between fsnotify and the
// engine. Overflow drops the oldest notification, never blocks fsnotify.
const rawQueueSize = 256

// FSWatch adapts fsnotify into the engine's Source contract: it watches a
// directory tree recursively, adds newly created directories on the fly,
// and translates fsnotify operations into RawEvents.
type FSWatch struct {
	fsw       *fsnotify.Watcher
	ignoreDir func(string) bool

	events  chan RawEvent
	errors  chan error
	dropped atomic.Uint64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFSWatch starts watching root recursively. Directories for which
// ignoreDir returns true are skipped (and not descended into); pass nil
// to watch everything.
func NewFSWatch(root string, ignoreDir func(string) bool) (*FSWatch, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	if ignoreDir == nil {
		ignoreDir = func(string) bool { return false }
	}
	w := &FSWatch{
		fsw:       fsw,
		ignoreDir: ignoreDir,
		events:    make(chan RawEvent, rawQueueSize),
		errors:    make(chan error, 16),
	}

	info, err := os.Stat(root)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	if !info.IsDir() {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: not a directory", root)
	}
	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}

	w.wg.Add(1)
	go w.translateLoop()
	return w, nil
}

// Events returns the raw notification stream. The channel is closed when
// the underlying fsnotify watcher dies or Close is called.
func (w *FSWatch) Events() <-chan RawEvent { return w.events }

// Errors returns transient errors from the underlying watcher.
func (w *FSWatch) Errors() <-chan error { return w.errors }

// Dropped reports notifications discarded because the queue was full.
func (w *FSWatch) Dropped() uint64 { return w.dropped.Load() }

// Close shuts the watcher down. The Events channel closes once the
// translate loop has drained.
func (w *FSWatch) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

// translateLoop converts fsnotify events into RawEvents until the
// watcher's channels close.
func (w *FSWatch) translateLoop() {
	defer w.wg.Done()
	defer close(w.events)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// handle translates one fsnotify event and forwards it.
func (w *FSWatch) handle(ev fsnotify.Event) {
	kind, ok := mapOp(ev.Op)
	if !ok {
		return // chmod-only, not interesting
	}

	isDir := false
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			isDir = true
			// New directory: watch it and everything beneath it.
			if !w.ignoreDir(ev.Name) {
				_ = w.addRecursive(ev.Name)
			}
		}
	}

	w.forward(RawEvent{Path: ev.Name, Kind: kind, IsDir: isDir})
}

// forward enqueues a raw event, dropping the oldest waiting notification
// when the queue is full.
func (w *FSWatch) forward(ev RawEvent) {
	for {
		select {
		case w.events <- ev:
			return
		default:
		}
		select {
		case <-w.events:
			w.dropped.Add(1)
		default:
		}
	}
}

// addRecursive walks root and adds every directory that is not ignored.
func (w *FSWatch) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible entries
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignoreDir(path) {
			return filepath.SkipDir
		}
		_ = w.fsw.Add(path)
		return nil
	})
}

// mapOp converts an fsnotify operation to a change kind.
func mapOp(op fsnotify.Op) (ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreated, true
	case op.Has(fsnotify.Remove):
		return KindDeleted, true
	case op.Has(fsnotify.Rename):
		return KindMoved, true
	case op.Has(fsnotify.Write):
		return KindModified, true
	default:
		return 0, false
	}
}
