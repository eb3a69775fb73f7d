// Package ipc defines the wire protocol between the CLI and the daemon:
// length-prefixed JSON frames over a unix socket (or loopback TCP).
//
// Each frame is a 4-byte big-endian payload length followed by one JSON
// message.  Requests carry an id echoed by the matching response; event
// frames carry no id and may arrive at any time on a subscribed connection.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/slberr"
)

// MaxFrameSize bounds a single frame; anything larger is a protocol error.
const MaxFrameSize = 4 << 20

// Methods the daemon serves.
const (
	MethodPing          = "ping"
	MethodAuth          = "auth"
	MethodStatus        = "status"
	MethodSubscribe     = "subscribe"
	MethodNotify        = "notify"
	MethodVerifyExecute = "verify_execute"
)

// Message is the single frame envelope.  A request sets Method (and usually
// Params); the response echoes ID with Result or Error; an event frame sets
// Event only.
type Message struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *slberr.Error   `json:"error,omitempty"`
	Event  *notify.Event   `json:"event,omitempty"`
	// Lagged is set on the first event after a subscriber's queue
	// overflowed and older events were dropped.
	Lagged bool `json:"lagged,omitempty"`
}

// WriteFrame encodes v as one frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame decodes one frame into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// StatusResult is the daemon's answer to a status call.
type StatusResult struct {
	Version        string `json:"version"`
	PID            int    `json:"pid"`
	UptimeSecs     int64  `json:"uptime_secs"`
	PendingCount   int    `json:"pending_count"`
	ActiveSessions int    `json:"active_sessions"`
	Subscribers    int    `json:"subscribers"`
}

// AuthParams is the TCP handshake: a signature over the session id under
// the session's own key.
type AuthParams struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
}

// VerifyExecuteParams asks the daemon to run the gate checks on a request.
type VerifyExecuteParams struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	// Claim moves the request to executing when the checks pass.
	Claim bool `json:"claim,omitempty"`
}
