package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Watcher turns external store writes into bus events.  The CLI writes to
// SQLite directly, so the daemon cannot rely on its own code paths seeing
// every mutation; instead it watches the database files and publishes a diff
// of requests changed since the last scan.
type Watcher struct {
	store    *store.Store
	dbPath   string
	debounce time.Duration
	notifier notify.Notifier
	lastSeen time.Time
}

// NewWatcher returns a Watcher over the database at dbPath.
func NewWatcher(s *store.Store, dbPath string, debounce time.Duration, n notify.Notifier) *Watcher {
	if n == nil {
		n = notify.Noop{}
	}
	return &Watcher{
		store:    s,
		dbPath:   dbPath,
		debounce: debounce,
		notifier: n,
		lastSeen: time.Now().UTC(),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory: SQLite in WAL mode touches -wal and -shm
	// siblings, and watching the file itself breaks across rename.
	if err := fsw.Add(filepath.Dir(w.dbPath)); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(evt.Name) {
				continue
			}
			// Debounce: a burst of writes becomes one scan.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("store watcher error", "err", err)

		case <-timerC:
			timer = nil
			timerC = nil
			w.Scan(ctx)
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	base := filepath.Base(name)
	dbBase := filepath.Base(w.dbPath)
	return base == dbBase || base == dbBase+"-wal" || base == dbBase+"-shm"
}

// Scan publishes one event per request changed since the previous scan.
func (w *Watcher) Scan(ctx context.Context) {
	since := w.lastSeen
	w.lastSeen = time.Now().UTC()

	changed, err := w.store.ChangedSince(ctx, since)
	if err != nil {
		slog.Error("store diff failed", "err", err)
		return
	}
	for _, req := range changed {
		w.notifier.Notify(ctx, notify.Event{
			Kind:      kindForStatus(req.Status),
			RequestID: req.ID,
			Tier:      req.RiskTier,
			Project:   req.ProjectPath,
		})
	}
	if len(changed) > 0 {
		slog.Debug("store diff published", "changed", len(changed))
	}
}

func kindForStatus(s lifecycle.Status) notify.Kind {
	switch s {
	case lifecycle.StatusApproved:
		return notify.KindRequestApproved
	case lifecycle.StatusRejected:
		return notify.KindRequestRejected
	case lifecycle.StatusExecuting:
		return notify.KindRequestExecuting
	case lifecycle.StatusExecuted:
		return notify.KindRequestExecuted
	case lifecycle.StatusExecutionFailed, lifecycle.StatusTimedOut:
		return notify.KindRequestFailed
	case lifecycle.StatusCancelled:
		return notify.KindRequestCancelled
	case lifecycle.StatusTimeout:
		return notify.KindRequestTimeout
	case lifecycle.StatusEscalated:
		return notify.KindRequestEscalated
	default:
		return notify.KindRequestPending
	}
}
