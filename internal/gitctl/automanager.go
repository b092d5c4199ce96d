package gitctl

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arif7esat/hadi/internal/config"
	"github.com/arif7esat/hadi/internal/monitor"
)

// commitCheckInterval is how often the time-threshold commit check runs,
// independently of incoming batches.
const commitCheckInterval = 30 * time.Second

// pushCheckInterval is how often the ahead-of-remote push check runs
// when auto-push is enabled.
const pushCheckInterval = 5 * time.Minute

// finalCommitTimeout bounds the last commit and push during Stop, so a
// hung remote cannot stall daemon shutdown.
const finalCommitTimeout = 30 * time.Second

// MessageGenerator produces a commit message for a set of changed files.
// Implementations degrade to a canned message rather than fail.
type MessageGenerator interface {
	Generate(ctx context.Context, files []string) (string, error)
}

// CommitRecorder persists auto-commits. Optional.
type CommitRecorder interface {
	InsertCommit(hash, message string, fileCount int, pushed bool) error
}

// AutoManager subscribes to change batches and turns them into commits:
// it accumulates pending paths and commits once enough files changed or
// enough time passed, pushing afterwards when configured.
type AutoManager struct {
	cfg    config.GitConfig
	repo   *Repository
	gen    MessageGenerator
	rec    CommitRecorder
	logger *log.Logger

	mu         sync.Mutex
	pending    map[string]struct{}
	lastCommit time.Time

	// commitMu serializes the stage-generate-commit sequence across the
	// batch handler, the periodic loop, Stop, and on-demand commits.
	commitMu sync.Mutex

	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	stopOnce sync.Once
}

// NewAutoManager wires an AutoManager. rec may be nil when commits need
// not be recorded.
func NewAutoManager(cfg config.GitConfig, repo *Repository, gen MessageGenerator, rec CommitRecorder, logger *log.Logger) *AutoManager {
	return &AutoManager{
		cfg:        cfg,
		repo:       repo,
		gen:        gen,
		rec:        rec,
		logger:     logger,
		pending:    make(map[string]struct{}),
		lastCommit: time.Now(),
		done:       make(chan struct{}),
	}
}

// Start launches the periodic commit and push checks. Calling Start more
// than once is a no-op.
func (m *AutoManager) Start() {
	m.once.Do(func() {
		m.wg.Add(1)
		go m.commitLoop()
		if m.cfg.AutoPush {
			m.wg.Add(1)
			go m.pushLoop()
		}
	})
}

// HandleBatch is the monitor subscriber: it adds the batch's paths to the
// pending set and commits when the file threshold is reached.
func (m *AutoManager) HandleBatch(b monitor.Batch) {
	m.mu.Lock()
	for _, rec := range b.Items {
		m.pending[rec.Path] = struct{}{}
	}
	due := len(m.pending) >= m.cfg.CommitThreshold ||
		time.Since(m.lastCommit) >= m.cfg.MaxCommitFrequency.Std()
	m.mu.Unlock()

	if due {
		if _, err := m.CommitNow(context.Background(), ""); err != nil {
			m.logger.Printf("gitctl: auto-commit: %v", err)
		}
	}
}

// Pending returns the number of distinct files awaiting commit.
func (m *AutoManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// CommitNow stages everything and commits the pending set immediately,
// returning the commit hash. A non-empty message overrides generation.
// A clean tree or empty pending set is a benign no-op returning an
// empty hash. Only one commit sequence runs at a time; concurrent
// callers queue behind it and see the emptied pending set.
func (m *AutoManager) CommitNow(ctx context.Context, message string) (string, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	files := make([]string, 0, len(m.pending))
	for path := range m.pending {
		files = append(files, path)
	}
	m.mu.Unlock()

	if len(files) == 0 {
		return "", nil
	}

	st, err := m.repo.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if !st.Dirty && len(st.Untracked) == 0 {
		// Nothing to commit (e.g. change was reverted); drop the backlog.
		m.clearPending()
		return "", nil
	}

	if message == "" {
		message, err = m.gen.Generate(ctx, files)
		if err != nil {
			// Generator handles its own fallback; an error here still
			// must not block the commit.
			m.logger.Printf("gitctl: message generation: %v", err)
			message = fmt.Sprintf("chore: update %d files", len(files))
		}
	}

	if err := m.repo.StageAll(); err != nil {
		return "", err
	}
	hash, err := m.repo.Commit(message, m.cfg.AuthorName, m.cfg.AuthorEmail)
	if err != nil {
		return "", err
	}

	m.clearPending()
	m.logger.Printf("gitctl: committed %s (%d files)", hash[:8], len(files))

	pushed := false
	if m.cfg.AutoPush {
		if err := m.pushIfAhead(ctx); err != nil {
			m.logger.Printf("gitctl: push: %v", err)
		} else {
			pushed = true
		}
	}

	if m.rec != nil {
		if err := m.rec.InsertCommit(hash, message, len(files), pushed); err != nil {
			m.logger.Printf("gitctl: record commit: %v", err)
		}
	}
	return hash, nil
}

// PushNow pushes immediately when the branch is ahead of (or unknown
// to) the remote.
func (m *AutoManager) PushNow(ctx context.Context) error {
	return m.pushIfAhead(ctx)
}

// Stop halts the periodic checks and makes a final commit (and push) of
// anything still pending. The final commit is time-bounded so a hung
// remote cannot stall shutdown.
func (m *AutoManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), finalCommitTimeout)
		defer cancel()
		if _, err := m.CommitNow(ctx, ""); err != nil {
			m.logger.Printf("gitctl: final commit: %v", err)
		}
	})
}

func (m *AutoManager) clearPending() {
	m.mu.Lock()
	m.pending = make(map[string]struct{})
	m.lastCommit = time.Now()
	m.mu.Unlock()
}

// commitLoop commits on the time threshold even when no new batch
// arrives to trigger the check.
func (m *AutoManager) commitLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(commitCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			due := len(m.pending) > 0 &&
				time.Since(m.lastCommit) >= m.cfg.MaxCommitFrequency.Std()
			m.mu.Unlock()
			if due {
				if _, err := m.CommitNow(context.Background(), ""); err != nil {
					m.logger.Printf("gitctl: periodic commit: %v", err)
				}
			}
		}
	}
}

// pushLoop pushes unpushed commits that earlier push attempts missed
// (network down, remote unreachable).
func (m *AutoManager) pushLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(pushCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.pushIfAhead(context.Background()); err != nil {
				m.logger.Printf("gitctl: periodic push: %v", err)
			}
		}
	}
}

// pushIfAhead pushes when the branch is ahead of (or unknown to) the
// remote.
func (m *AutoManager) pushIfAhead(ctx context.Context) error {
	ahead, err := m.repo.Ahead(m.cfg.Remote)
	if err != nil {
		return err
	}
	if ahead == 0 {
		return nil
	}
	return m.repo.Push(ctx, m.cfg.Remote)
}
