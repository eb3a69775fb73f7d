package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bdobrica/slb/common/hmac"
	"github.com/bdobrica/slb/common/version"
	"github.com/bdobrica/slb/internal/slb/gate"
	"github.com/bdobrica/slb/internal/slb/ipc"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Server answers IPC calls and streams events to subscribers.
type Server struct {
	store    *store.Store
	sessions *session.Registry
	gate     *gate.Gate
	bus      *Bus
	project  string

	startedAt time.Time
}

// NewServer returns a Server.
func NewServer(s *store.Store, sessions *session.Registry, g *gate.Gate, bus *Bus, project string) *Server {
	return &Server{
		store:     s,
		sessions:  sessions,
		gate:      g,
		bus:       bus,
		project:   project,
		startedAt: time.Now().UTC(),
	}
}

// ListenUnix opens the daemon socket with owner-only permissions, replacing
// a stale socket file from a previous run.
func ListenUnix(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// ListenTCP opens the optional loopback TCP listener.
func ListenTCP(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on tcp: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is cancelled.  TCP listeners pass
// authRequired so connections must present a signed handshake first.
func (s *Server) Serve(ctx context.Context, ln net.Listener, authRequired bool, allowedIPs []string) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(allowedIPs) > 0 && !ipAllowed(conn.RemoteAddr(), allowedIPs) {
			slog.Warn("connection from disallowed address", "addr", conn.RemoteAddr())
			conn.Close()
			continue
		}
		go s.handleConn(ctx, conn, authRequired)
	}
}

func ipAllowed(addr net.Addr, allowed []string) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if a == host {
			return true
		}
	}
	return false
}

// conn wraps a network connection with a write lock so the call handler and
// the event forwarder never interleave frames.
type serverConn struct {
	net.Conn
	mu sync.Mutex
}

func (c *serverConn) writeFrame(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ipc.WriteFrame(c.Conn, v)
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn, authRequired bool) {
	conn := &serverConn{Conn: raw}
	defer conn.Close()

	authed := !authRequired
	var detach func()
	defer func() {
		if detach != nil {
			detach()
		}
	}()

	for {
		var msg ipc.Message
		if err := ipc.ReadFrame(conn.Conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("connection read failed", "err", err)
			}
			return
		}

		if !authed && msg.Method != ipc.MethodAuth {
			conn.writeFrame(&ipc.Message{ID: msg.ID,
				Error: slberr.New(slberr.CodeSignatureInvalid, "handshake required")})
			return
		}

		resp := ipc.Message{ID: msg.ID}
		switch msg.Method {
		case ipc.MethodPing:
			resp.Result = json.RawMessage(`{}`)

		case ipc.MethodAuth:
			if err := s.handleAuth(ctx, msg.Params); err != nil {
				resp.Error = asIPCError(err)
				conn.writeFrame(&resp)
				return
			}
			authed = true
			resp.Result = json.RawMessage(`{}`)

		case ipc.MethodStatus:
			result, err := s.status(ctx)
			s.fill(&resp, result, err)

		case ipc.MethodSubscribe:
			if detach == nil {
				var ch <-chan item
				ch, detach = s.bus.Subscribe()
				go s.forwardEvents(ctx, conn, ch)
			}
			resp.Result = json.RawMessage(`{}`)

		case ipc.MethodNotify:
			var evt notify.Event
			if err := json.Unmarshal(msg.Params, &evt); err != nil {
				resp.Error = slberr.New(slberr.CodeInternal, "bad event payload: %v", err)
			} else {
				s.bus.Publish(evt)
				resp.Result = json.RawMessage(`{}`)
			}

		case ipc.MethodVerifyExecute:
			var p ipc.VerifyExecuteParams
			if err := json.Unmarshal(msg.Params, &p); err != nil {
				resp.Error = slberr.New(slberr.CodeInternal, "bad params: %v", err)
				break
			}
			var req *store.Request
			var err error
			if p.Claim {
				req, err = s.gate.Claim(ctx, p.SessionID, p.RequestID)
			} else {
				req, err = s.gate.Verify(ctx, p.SessionID, p.RequestID)
			}
			s.fill(&resp, req, err)

		default:
			resp.Error = slberr.New(slberr.CodeInternal, "unknown method %q", msg.Method)
		}

		if err := conn.writeFrame(&resp); err != nil {
			return
		}
	}
}

// handleAuth verifies the TCP handshake: a signature over the session id
// under the session's own key, inside the replay window.
func (s *Server) handleAuth(ctx context.Context, params json.RawMessage) error {
	var p ipc.AuthParams
	if err := json.Unmarshal(params, &p); err != nil {
		return slberr.New(slberr.CodeSignatureInvalid, "bad handshake payload")
	}
	sess, err := s.sessions.RequireActive(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if err := hmac.VerifyReview(sess.HMACKey, p.SessionID, "auth",
		p.Timestamp, p.Signature, time.Now().UTC()); err != nil {
		return slberr.New(slberr.CodeSignatureInvalid, "handshake signature invalid")
	}
	return nil
}

func (s *Server) status(ctx context.Context) (*ipc.StatusResult, error) {
	pending, err := s.store.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListActiveSessions(ctx, s.project)
	if err != nil {
		return nil, err
	}
	return &ipc.StatusResult{
		Version:        version.Version,
		PID:            os.Getpid(),
		UptimeSecs:     int64(time.Since(s.startedAt).Seconds()),
		PendingCount:   pending,
		ActiveSessions: len(sessions),
		Subscribers:    s.bus.Subscribers(),
	}, nil
}

// fill sets either the JSON result or the mapped error on a response.
func (s *Server) fill(resp *ipc.Message, result any, err error) {
	if err != nil {
		resp.Error = asIPCError(err)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = slberr.New(slberr.CodeInternal, "encode result: %v", err)
		return
	}
	resp.Result = raw
}

func asIPCError(err error) *slberr.Error {
	var se *slberr.Error
	if errors.As(err, &se) {
		return se
	}
	return slberr.New(slberr.CodeInternal, "%v", err)
}

func (s *Server) forwardEvents(ctx context.Context, conn *serverConn, ch <-chan item) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-ch:
			if !ok {
				return
			}
			msg := ipc.Message{Event: &it.evt, Lagged: it.lagged}
			if err := conn.writeFrame(&msg); err != nil {
				return
			}
		}
	}
}
