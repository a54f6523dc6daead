package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// Client talks to the daemon's control socket. Safe for one goroutine
// issuing commands plus broadcast reading via Do's event skipping; it is
// not safe for concurrent Do calls mixed with ReadEvent.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	mu      sync.Mutex
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBytes)
	return &Client{conn: conn, scanner: scanner}, nil
}

// Close shuts down the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Do sends one request and reads its response. Broadcast events that land
// between request and response are skipped; responses never carry an
// "event" field, which is how the two are told apart.
func (c *Client) Do(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	for c.scanner.Scan() {
		var probe struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(c.scanner.Bytes(), &probe); err != nil {
			return Response{}, fmt.Errorf("unmarshal response: %w", err)
		}
		if probe.Event != "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
			return Response{}, fmt.Errorf("unmarshal response: %w", err)
		}
		return resp, nil
	}
	if err := c.scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return Response{}, fmt.Errorf("connection closed")
}

// ReadEvent blocks until the next broadcast event. Stray response lines
// are skipped.
func (c *Client) ReadEvent() (Event, error) {
	for c.scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(c.scanner.Bytes(), &ev); err != nil {
			return Event{}, fmt.Errorf("unmarshal event: %w", err)
		}
		if ev.Event == "" {
			continue
		}
		return ev, nil
	}
	if err := c.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("read event: %w", err)
	}
	return Event{}, fmt.Errorf("connection closed")
}
