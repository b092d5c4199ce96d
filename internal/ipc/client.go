package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client communicates with the daemon over a Unix domain socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client that connects to the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// Ping tests if the daemon is alive.
func (c *Client) Ping() error {
	_, err := c.send(Request{Command: "ping"})
	return err
}

// Status returns the daemon's status data.
func (c *Client) Status() (*StatusData, error) {
	resp, err := c.send(Request{Command: "status"})
	if err != nil {
		return nil, err
	}

	// resp.Data is a map[string]interface{} from JSON unmarshal.
	// Re-marshal and unmarshal into StatusData.
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal status data: %w", err)
	}

	var status StatusData
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("unmarshal status data: %w", err)
	}

	return &status, nil
}

// Flush asks the daemon to force-flush the pending batch accumulation.
func (c *Client) Flush() error {
	_, err := c.send(Request{Command: "flush"})
	return err
}

// Commit asks the daemon to commit pending changes right now, returning
// the commit hash ("" when there was nothing to commit). A non-empty
// message overrides the daemon's message generation.
func (c *Client) Commit(message string) (string, error) {
	req := Request{Command: "commit"}
	if message != "" {
		req.Args = map[string]string{"message": message}
	}
	resp, err := c.send(req)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return "", fmt.Errorf("marshal commit data: %w", err)
	}
	var data CommitData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("unmarshal commit data: %w", err)
	}
	return data.Hash, nil
}

// Push asks the daemon to push unpushed commits right now.
func (c *Client) Push() error {
	_, err := c.send(Request{Command: "push"})
	return err
}

// RequestStop asks the daemon to shut down gracefully.
func (c *Client) RequestStop() error {
	_, err := c.send(Request{Command: "stop"})
	return err
}

// send dials the socket, sends a JSON request, reads the JSON response.
func (c *Client) send(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("empty response from daemon")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if !resp.OK {
		return nil, fmt.Errorf("daemon error: %s", resp.Error)
	}

	return &resp, nil
}
