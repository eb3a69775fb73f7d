package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bdobrica/slb/common/spec/rulepack"
	"github.com/bdobrica/slb/internal/slb/classify"
	"github.com/bdobrica/slb/internal/slb/daemon"
	"github.com/bdobrica/slb/internal/slb/gate"
	"github.com/bdobrica/slb/internal/slb/ipc"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/store"
)

// startServer brings up a Server on a unix socket and returns the socket
// path plus the bus for publishing test events.
func startServer(t *testing.T) (string, *daemon.Bus, *store.Store, *session.Registry) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.New(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	policy, err := classify.Compile([]*rulepack.Pack{classify.DefaultPack()}, false, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	sessions := session.New(s)
	bus := daemon.NewBus(16)
	g := gate.New(s, sessions, policy, notify.Noop{})
	srv := daemon.NewServer(s, sessions, g, bus, "/proj")

	socket := filepath.Join(dir, "daemon.sock")
	ln, err := daemon.ListenUnix(socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln, false, nil)

	return socket, bus, s, sessions
}

func TestServer_PingAndStatus(t *testing.T) {
	socket, _, _, sessions := startServer(t)

	if !ipc.DaemonAlive(socket) {
		t.Fatal("daemon did not answer ping")
	}

	if _, err := sessions.Start(context.Background(), session.StartParams{
		AgentName: "alice", ProjectPath: "/proj",
	}); err != nil {
		t.Fatal(err)
	}

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var status ipc.StatusResult
	if err := client.Call(ctx, ipc.MethodStatus, nil, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ActiveSessions != 1 {
		t.Errorf("active sessions: %d", status.ActiveSessions)
	}
	if status.PID != os.Getpid() {
		t.Errorf("pid: %d", status.PID)
	}
}

func TestServer_SubscribeReceivesEvents(t *testing.T) {
	socket, bus, _, _ := startServer(t)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(notify.Event{Kind: notify.KindRequestPending, RequestID: "req-42", Tier: "dangerous"})

	select {
	case evt, ok := <-events:
		if !ok {
			t.Fatal("event channel closed early")
		}
		if evt.Event.Kind != notify.KindRequestPending || evt.Event.RequestID != "req-42" {
			t.Errorf("event: %+v", evt.Event)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestServer_VerifyExecuteErrorsTravel(t *testing.T) {
	socket, _, _, sessions := startServer(t)

	sess, err := sessions.Start(context.Background(), session.StartParams{
		AgentName: "alice", ProjectPath: "/proj",
	})
	if err != nil {
		t.Fatal(err)
	}

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var result store.Request
	err = client.Call(ctx, ipc.MethodVerifyExecute, ipc.VerifyExecuteParams{
		SessionID: sess.ID, RequestID: "req-missing",
	}, &result)
	if !slberr.HasCode(err, slberr.CodeRequestNotFound) {
		t.Fatalf("expected request_not_found across the wire, got %v", err)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	socket, _, _, _ := startServer(t)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Call(ctx, "no_such_method", nil, nil); err == nil {
		t.Fatal("expected error for unknown method")
	}
}
