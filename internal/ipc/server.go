package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/arif7esat/hadi/internal/monitor"
)

// connDeadline bounds each request-response exchange.
const connDeadline = 5 * time.Second

// drainTimeout bounds how long Stop waits for in-flight connections.
const drainTimeout = 5 * time.Second

// DaemonQuerier is the interface the IPC server uses to query and
// control the daemon. This avoids importing the daemon package (which
// would be circular).
type DaemonQuerier interface {
	Uptime() time.Duration
	WatchPath() string
	EngineStats() monitor.AggregatorStats
	PendingCommitFiles() int
	ForceFlush() error
	ForceCommit(ctx context.Context, message string) (string, error)
	ForcePush(ctx context.Context) error
	Stop()
}

// StoreQuerier provides data access methods needed by the IPC server.
type StoreQuerier interface {
	BatchesCount() (int64, error)
	RecordsCount() (int64, error)
	CommitsCount() (int64, error)
	DBSizeBytes() (int64, error)
}

// Server is a Unix domain socket server for CLI-to-daemon communication.
type Server struct {
	daemon DaemonQuerier
	store  StoreQuerier
	logger *log.Logger

	listener net.Listener
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopped  bool
}

// NewServer creates a new IPC server. Daemon and store references are
// set after construction (SetDaemon, SetStore) to break the circular
// construction dependency.
func NewServer(logger *log.Logger) *Server {
	return &Server{logger: logger}
}

// SetDaemon sets the daemon reference.
func (s *Server) SetDaemon(d DaemonQuerier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daemon = d
}

// SetStore sets the store reference once the daemon has opened it.
func (s *Server) SetStore(st StoreQuerier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = st
}

// Listen starts accepting connections on the given Unix socket path.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	// Remove stale socket file if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}

	// Socket is owner-only.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.stopped = false
	s.mu.Unlock()

	s.logger.Printf("ipc: listening on %s", socketPath)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop stops accepting connections and waits for in-flight connections
// to drain, bounded by drainTimeout.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(drainTimeout):
		return fmt.Errorf("drain timeout: connections still open after %s", drainTimeout)
	}
}

// handleConn reads a single JSON request, dispatches it, and writes the
// response.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		writeError(conn, "empty request")
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeError(conn, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	switch req.Command {
	case "ping":
		writeResponse(conn, Response{OK: true, Data: "pong"})

	case "status":
		s.handleStatus(conn)

	case "flush":
		if s.daemon == nil {
			writeError(conn, "daemon not ready")
			return
		}
		if err := s.daemon.ForceFlush(); err != nil {
			writeError(conn, err.Error())
			return
		}
		writeResponse(conn, Response{OK: true, Data: "flushed"})

	case "commit":
		if s.daemon == nil {
			writeError(conn, "daemon not ready")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), connDeadline)
		defer cancel()
		hash, err := s.daemon.ForceCommit(ctx, req.Args["message"])
		if err != nil {
			writeError(conn, err.Error())
			return
		}
		writeResponse(conn, Response{OK: true, Data: CommitData{Hash: hash}})

	case "push":
		if s.daemon == nil {
			writeError(conn, "daemon not ready")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), connDeadline)
		defer cancel()
		if err := s.daemon.ForcePush(ctx); err != nil {
			writeError(conn, err.Error())
			return
		}
		writeResponse(conn, Response{OK: true, Data: "pushed"})

	case "stop":
		writeResponse(conn, Response{OK: true, Data: "shutting down"})
		// Trigger daemon shutdown after sending the response.
		if s.daemon != nil {
			s.daemon.Stop()
		}

	default:
		writeError(conn, fmt.Sprintf("unknown command: %q", req.Command))
	}
}

func (s *Server) handleStatus(conn net.Conn) {
	var data StatusData

	if s.daemon != nil {
		data.Uptime = s.daemon.Uptime().Truncate(time.Second).String()
		data.WatchPath = s.daemon.WatchPath()
		data.Engine = s.daemon.EngineStats()
		data.PendingCommitFiles = s.daemon.PendingCommitFiles()
	}

	if s.store != nil {
		if v, err := s.store.DBSizeBytes(); err == nil {
			data.DBSizeBytes = v
		}
		if v, err := s.store.BatchesCount(); err == nil {
			data.BatchesCount = v
		}
		if v, err := s.store.RecordsCount(); err == nil {
			data.RecordsCount = v
		}
		if v, err := s.store.CommitsCount(); err == nil {
			data.CommitsCount = v
		}
	}

	writeResponse(conn, Response{OK: true, Data: data})
}

func writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

func writeError(conn net.Conn, msg string) {
	writeResponse(conn, Response{OK: false, Error: msg})
}
