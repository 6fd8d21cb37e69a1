package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client is a connection to the daemon socket. Calls on one Client are
// serialized by the protocol; use one Client per goroutine.
type Client struct {
	conn   net.Conn
	prefix string
	seq    atomic.Uint64
}

// Dial connects to the daemon listening at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, prefix: fmt.Sprintf("cli-%d", time.Now().UnixNano())}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(method string, params any) (string, error) {
	req := Request{
		ID:   fmt.Sprintf("%s-%d", c.prefix, c.seq.Add(1)),
		Type: method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return "", err
		}
		req.Params = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return req.ID, writeFrame(c.conn, payload)
}

func (c *Client) readResponse() (*Response, error) {
	respBytes, err := readFrame(c.conn)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &resp, resp.Error
	}
	return &resp, nil
}

// Call sends one request and waits for its response. A structured daemon
// error is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	if _, err := c.send(method, params); err != nil {
		return nil, err
	}
	return c.readResponse()
}

// Subscribe opens a stream and returns its frames. The channel closes when
// the connection ends; closing the Client ends the stream.
func (c *Client) Subscribe(method string, params any) (<-chan []byte, error) {
	if _, err := c.send(method, params); err != nil {
		return nil, err
	}
	if _, err := c.readResponse(); err != nil {
		return nil, err
	}
	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for {
			frame, err := readFrame(c.conn)
			if err != nil {
				return
			}
			frames <- frame
		}
	}()
	return frames, nil
}
