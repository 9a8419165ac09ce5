package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultCallTimeout bounds a call whose context has no deadline.
const DefaultCallTimeout = 10 * time.Second

// Client talks to a running daemon.
type Client struct {
	nc     net.Conn
	r      *bufio.Reader
	mu     sync.Mutex
	nextID int64
}

// Dial connects to the daemon socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", path, err)
	}
	return &Client{nc: nc, r: bufio.NewReaderSize(nc, 4096)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.nc.Close()
}

// Call invokes method and decodes the result into result, which may be nil.
// A daemon-side failure is returned as *Error, which matches the domain
// sentinels with errors.Is.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := json.RawMessage(strconv.FormatInt(c.nextID, 10))

	req := Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	line, err := encodeLine(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCallTimeout)
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = c.nc.SetDeadline(time.Time{}) }()

	if _, err := c.nc.Write(line); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	for {
		frame, err := readFrame(c.r, MaxMessageSize)
		if err != nil {
			return fmt.Errorf("read %s response: %w", method, err)
		}
		var resp Response
		if err := json.Unmarshal(frame, &resp); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		// Pushes and stale replies carry another id.
		if string(resp.ID) != string(id) {
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Subscribe switches the connection to event streaming. The returned channel
// closes when ctx ends or the daemon goes away. Call must not be used on the
// same client afterwards.
func (c *Client) Subscribe(ctx context.Context) (<-chan Push, error) {
	if err := c.Call(ctx, "subscribe", nil, nil); err != nil {
		return nil, err
	}

	events := make(chan Push, 16)
	stop := context.AfterFunc(ctx, func() { _ = c.nc.Close() })

	go func() {
		defer close(events)
		defer stop()
		for {
			frame, err := readFrame(c.r, MaxMessageSize)
			if err != nil {
				return
			}
			var push Push
			if err := json.Unmarshal(frame, &push); err != nil || push.Event == "" {
				continue
			}
			select {
			case events <- push:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// IsUnavailable reports whether err means no daemon is listening.
func IsUnavailable(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
