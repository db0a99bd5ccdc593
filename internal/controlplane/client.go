package controlplane

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"
)

// ClientTimeout bounds a single request/reply round trip. There is no
// server-side timeout (spec.md §4.10): a slow command is left to run to
// completion, but the client gives up waiting for a reply after this.
const ClientTimeout = 10 * time.Second

// Client is a thin, one-shot-per-call wrapper around the control
// socket, grounded on the teacher's cmd/provisr/client.go APIClient
// shape (a fixed-timeout transport object reused by each CLI command).
type Client struct {
	Endpoint string
}

// NewClient constructs a Client bound to endpoint (a Unix socket path;
// on Windows dialing is not supported and Send returns an error).
func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint}
}

// Send writes req and returns the server's Reply, or a transport error
// if the socket can't be dialed or the round trip exceeds ClientTimeout.
func (c *Client) Send(req Request) (Reply, error) {
	conn, err := dial(c.Endpoint, ClientTimeout)
	if err != nil {
		return Reply{}, fmt.Errorf("controlplane: dial %s: %w", c.Endpoint, err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(ClientTimeout))

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return Reply{}, fmt.Errorf("controlplane: send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Reply{}, fmt.Errorf("controlplane: read reply: %w", err)
		}
		return Reply{}, fmt.Errorf("controlplane: connection closed before reply")
	}

	var reply Reply
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return Reply{}, fmt.Errorf("controlplane: decode reply: %w", err)
	}
	return reply, nil
}
