package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bdobrica/slb/common/hmac"
	"github.com/bdobrica/slb/internal/slb/classify"
	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/execlocal"
	"github.com/bdobrica/slb/internal/slb/gate"
	"github.com/bdobrica/slb/internal/slb/ipc"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/patterns"
	"github.com/bdobrica/slb/internal/slb/request"
	"github.com/bdobrica/slb/internal/slb/review"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/slberr"
	"github.com/bdobrica/slb/internal/slb/snapshot"
	"github.com/bdobrica/slb/internal/slb/store"
)

// app bundles the wired components every subcommand needs.  The CLI talks to
// the store directly; the daemon is an optional accelerant for realtime
// events, never a dependency for correctness.
type app struct {
	cfg      *config.Config
	store    *store.Store
	sessions *session.Registry
	policy   *classify.Policy
	requests *request.Manager
	reviews  *review.Engine
	gate     *gate.Gate
	executor *execlocal.Executor
	patterns *patterns.Manager
	project  string
}

// openApp loads configuration and opens the project store.  Callers must
// defer a.close().
func openApp(ctx context.Context) (*app, error) {
	project := projectPath
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		project = wd
	}
	project, err := filepath.Abs(project)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}

	cfg, err := config.Load(project)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.ProjectDir(project), 0o755); err != nil {
		return nil, fmt.Errorf("create project state dir: %w", err)
	}
	s, err := store.New(config.DBPath(project))
	if err != nil {
		return nil, err
	}

	policy, err := classify.Load(ctx, cfg, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	sessions := session.New(s)
	mgr, err := request.New(s, sessions, cfg, policy, notify.Slog{})
	if err != nil {
		s.Close()
		return nil, err
	}
	g := gate.New(s, sessions, policy, notify.Slog{})

	return &app{
		cfg:      cfg,
		store:    s,
		sessions: sessions,
		policy:   policy,
		requests: mgr,
		reviews:  review.New(s, sessions, cfg, notify.Slog{}),
		gate:     g,
		executor: execlocal.New(g, config.LogsDir(project)),
		patterns: patterns.New(s, sessions),
		project:  project,
	}, nil
}

func (a *app) close() {
	_ = a.store.Close()
}

// sessionID resolves the caller's session from the flag or SLB_SESSION.
func (a *app) sessionID() (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if env := os.Getenv("SLB_SESSION"); env != "" {
		return env, nil
	}
	return "", exitWith(2, errors.New("no session: pass --session or set SLB_SESSION (see slb session start)"))
}

// signReview signs a decision with the caller's session key.  The signature
// binds reviewer, request, decision and time; the gate re-derives it before
// release.
func (a *app) signReview(ctx context.Context, sessID, requestID, decision string) (string, time.Time, error) {
	sess, err := a.store.GetSession(ctx, sessID)
	if err != nil {
		return "", time.Time{}, err
	}
	ts := time.Now().UTC()
	sig, err := hmac.SignReview(sess.HMACKey, requestID, decision, ts)
	if err != nil {
		return "", time.Time{}, err
	}
	return sig, ts, nil
}

// dialDaemon connects to the daemon: loopback TCP when SLB_HOST is set
// (container clients), the unix socket otherwise.  TCP connections must
// authenticate with the session key before anything else.
func (a *app) dialDaemon(ctx context.Context) (*ipc.Client, error) {
	host := os.Getenv("SLB_HOST")
	if host == "" {
		return ipc.Dial(config.SocketPath(a.cfg))
	}
	client, err := ipc.DialTCP(host)
	if err != nil {
		return nil, err
	}
	sessID, err := a.sessionID()
	if err != nil {
		client.Close()
		return nil, err
	}
	sig, ts, err := a.signReview(ctx, sessID, sessID, "auth")
	if err != nil {
		client.Close()
		return nil, err
	}
	params := ipc.AuthParams{SessionID: sessID, Timestamp: ts, Signature: sig}
	if err := client.Call(ctx, ipc.MethodAuth, params, nil); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// refreshSnapshots rebuilds the JSON snapshot tree after a mutation when no
// daemon is around to do it.  Best effort; the store stays authoritative.
func (a *app) refreshSnapshots(ctx context.Context) {
	if ipc.DaemonAlive(config.SocketPath(a.cfg)) {
		return
	}
	cache := snapshot.New(filepath.Join(config.ProjectDir(a.project), "requests"),
		a.store, a.cfg.General.EscalatedTerminal)
	if err := cache.Refresh(ctx, a.project); err != nil {
		human("warning: snapshot refresh failed: %v", err)
	}
}

// emit writes the structured result to stdout.  Without --json it prints
// nothing; commands produce their own human output on stderr.
func emit(v any) {
	if !jsonOutput {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{"ok": true, "result": v})
}

// emitError prints the single human line to stderr and, under --json, the
// machine envelope to stdout.
func emitError(err error) {
	var ee *exitError
	if errors.As(err, &ee) {
		err = ee.err
	}
	fmt.Fprintln(os.Stderr, "slb:", err)

	if !jsonOutput {
		return
	}
	envelope := map[string]any{"ok": false}
	var serr *slberr.Error
	if errors.As(err, &serr) {
		envelope["error_code"] = serr.Code
		envelope["message"] = serr.Message
		if serr.Hint != "" {
			envelope["hint"] = serr.Hint
		}
		if serr.RetryAfterMs > 0 {
			envelope["retry_after_ms"] = serr.RetryAfterMs
		}
	} else {
		envelope["error_code"] = slberr.CodeInternal
		envelope["message"] = err.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(envelope)
}

// human prints a line for the operator.  Always stderr, so --json consumers
// never have to parse around it.
func human(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

var errNoCommand = errors.New("a command argument or --from-file is required")

// errDenied describes a request that will not run.
func errDenied(req *store.Request) error {
	return fmt.Errorf("request %s was not authorized (status %s)", req.ID, req.Status)
}
