package ipc_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/bdobrica/slb/internal/slb/ipc"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/slberr"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := ipc.Message{
		ID:     7,
		Method: ipc.MethodVerifyExecute,
		Params: json.RawMessage(`{"session_id":"sess-1","request_id":"req-1"}`),
	}
	if err := ipc.WriteFrame(&buf, &in); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var out ipc.Message
	if err := ipc.ReadFrame(&buf, &out); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if out.ID != 7 || out.Method != ipc.MethodVerifyExecute {
		t.Errorf("round trip: %+v", out)
	}
}

func TestFrame_EventAndError(t *testing.T) {
	var buf bytes.Buffer
	evt := ipc.Message{
		Event:  &notify.Event{Kind: notify.KindRequestPending, RequestID: "req-1"},
		Lagged: true,
	}
	if err := ipc.WriteFrame(&buf, &evt); err != nil {
		t.Fatal(err)
	}
	var out ipc.Message
	if err := ipc.ReadFrame(&buf, &out); err != nil {
		t.Fatal(err)
	}
	if out.Event == nil || out.Event.Kind != notify.KindRequestPending || !out.Lagged {
		t.Errorf("event frame: %+v", out)
	}

	buf.Reset()
	errMsg := ipc.Message{ID: 3, Error: slberr.New(slberr.CodeRequestNotFound, "no such request")}
	if err := ipc.WriteFrame(&buf, &errMsg); err != nil {
		t.Fatal(err)
	}
	out = ipc.Message{}
	if err := ipc.ReadFrame(&buf, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error == nil || out.Error.Code != slberr.CodeRequestNotFound {
		t.Errorf("error frame: %+v", out)
	}
}

func TestReadFrame_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], ipc.MaxFrameSize+1)
	buf.Write(header[:])

	var out ipc.Message
	if err := ipc.ReadFrame(&buf, &out); err == nil {
		t.Fatal("expected oversize frame to be rejected")
	}
}

func TestClientCall_SkipsInterleavedEvents(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	// Serve one call by hand: read the request, push an event frame first,
	// then the matching response.
	go func() {
		var req ipc.Message
		if err := ipc.ReadFrame(server, &req); err != nil {
			return
		}
		ipc.WriteFrame(server, &ipc.Message{
			Event: &notify.Event{Kind: notify.KindRequestApproved, RequestID: "req-9"},
		})
		result, _ := json.Marshal(ipc.StatusResult{Version: "test", PendingCount: 2})
		ipc.WriteFrame(server, &ipc.Message{ID: req.ID, Result: result})
	}()

	c := ipc.NewClientConn(client)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var status ipc.StatusResult
	if err := c.Call(ctx, ipc.MethodStatus, nil, &status); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if status.PendingCount != 2 {
		t.Errorf("status: %+v", status)
	}
}
