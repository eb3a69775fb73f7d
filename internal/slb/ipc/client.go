package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bdobrica/slb/internal/slb/notify"
)

// Client is one connection to the daemon.  A Client is either used for calls
// or switched into subscription mode; not both.
type Client struct {
	conn net.Conn

	mu     sync.Mutex
	nextID uint64
}

// Dial connects to the daemon's unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClientConn wraps an already established connection, used by tests and
// by the TCP handshake path.
func NewClientConn(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// DialTCP connects to the daemon's loopback TCP listener.
func DialTCP(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call performs one request/response round trip.  A daemon-side error comes
// back as the *slberr.Error it was.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	msg := Message{ID: c.nextID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := WriteFrame(c.conn, &msg); err != nil {
		return err
	}

	// Event frames may be interleaved on a connection that subscribed
	// before calling; skip them until the matching response arrives.
	for {
		var resp Message
		if err := ReadFrame(c.conn, &resp); err != nil {
			return err
		}
		if resp.Event != nil {
			continue
		}
		if resp.ID != msg.ID {
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	}
}

// EventFrame is one delivered event plus the lag marker.  Event is nil only
// on a frame that carries nothing but the marker.
type EventFrame struct {
	Event  *notify.Event
	Lagged bool
}

// Subscribe switches the connection into event streaming.  Events arrive on
// the returned channel until ctx is cancelled or the connection drops; the
// channel is then closed.
func (c *Client) Subscribe(ctx context.Context) (<-chan EventFrame, error) {
	if err := c.Call(ctx, MethodSubscribe, nil, nil); err != nil {
		return nil, err
	}

	ch := make(chan EventFrame, 16)
	go func() {
		defer close(ch)
		for {
			var msg Message
			if err := ReadFrame(c.conn, &msg); err != nil {
				return
			}
			if msg.Event == nil && !msg.Lagged {
				continue
			}
			select {
			case ch <- EventFrame{Event: msg.Event, Lagged: msg.Lagged}:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()
	return ch, nil
}

// DaemonAlive reports whether a daemon answers a ping on the socket.
func DaemonAlive(socketPath string) bool {
	client, err := Dial(socketPath)
	if err != nil {
		return false
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Call(ctx, MethodPing, nil, nil) == nil
}
