package ipc

import "github.com/arif7esat/hadi/internal/monitor"

// Request is a JSON message sent from client to server.
type Request struct {
	Command string            `json:"command"` // "status", "stop", "ping", "flush", "commit", "push"
	Args    map[string]string `json:"args,omitempty"`
}

// Response is a JSON message sent from server to client.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// StatusData is returned by the "status" command.
type StatusData struct {
	Uptime             string                  `json:"uptime"`
	WatchPath          string                  `json:"watch_path"`
	Engine             monitor.AggregatorStats `json:"engine"`
	PendingCommitFiles int                     `json:"pending_commit_files"`
	DBSizeBytes        int64                   `json:"db_size_bytes"`
	BatchesCount       int64                   `json:"batches_count"`
	RecordsCount       int64                   `json:"records_count"`
	CommitsCount       int64                   `json:"commits_count"`
}

// CommitData is returned by the "commit" command.
type CommitData struct {
	Hash string `json:"hash"`
}
