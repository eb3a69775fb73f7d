// Package snapshot maintains the on-disk JSON mirror of the store.
//
// The mirror exists for humans and dumb tooling: pending requests, processed
// requests grouped by day, and active sessions, each as one pretty-printed
// JSON file.  The store stays authoritative; the mirror is regenerated, never
// read back.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bdobrica/slb/internal/slb/lifecycle"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Cache writes the JSON mirror under one directory, usually
// <project>/.slb/requests.
type Cache struct {
	root  string
	store *store.Store
	// escalatedTerminal mirrors the lifecycle policy for deciding which
	// side of the pending/processed split a request lands on.
	escalatedTerminal bool
}

// New returns a Cache rooted at dir.
func New(dir string, s *store.Store, escalatedTerminal bool) *Cache {
	return &Cache{root: dir, store: s, escalatedTerminal: escalatedTerminal}
}

// Refresh regenerates the whole mirror for one project.
func (c *Cache) Refresh(ctx context.Context, projectPath string) error {
	if err := c.refreshPending(ctx, projectPath); err != nil {
		return err
	}
	if err := c.refreshProcessed(ctx, projectPath); err != nil {
		return err
	}
	return c.refreshSessions(ctx, projectPath)
}

func (c *Cache) refreshPending(ctx context.Context, projectPath string) error {
	dir := filepath.Join(c.root, "pending")
	if err := clearDir(dir); err != nil {
		return err
	}

	open := []lifecycle.Status{
		lifecycle.StatusPending, lifecycle.StatusApproved,
		lifecycle.StatusExecuting, lifecycle.StatusTimeout,
	}
	if !c.escalatedTerminal {
		open = append(open, lifecycle.StatusEscalated)
	}
	for _, status := range open {
		reqs, err := c.store.ListByStatus(ctx, projectPath, status, 0)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if err := writeJSON(filepath.Join(dir, req.ID+".json"), req); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cache) refreshProcessed(ctx context.Context, projectPath string) error {
	reqs, err := c.store.ListRecent(ctx, projectPath, 1000)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if req.ResolvedAt == nil {
			continue
		}
		day := req.ResolvedAt.UTC().Format("2006-01-02")
		path := filepath.Join(c.root, "processed", day, req.ID+".json")
		if err := writeJSON(path, req); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) refreshSessions(ctx context.Context, projectPath string) error {
	dir := filepath.Join(c.root, "sessions")
	if err := clearDir(dir); err != nil {
		return err
	}
	sessions, err := c.store.ListActiveSessions(ctx, projectPath)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := writeJSON(filepath.Join(dir, sess.ID+".json"), sess); err != nil {
			return err
		}
	}
	return nil
}

// Prune removes processed day directories older than the retention window.
func (c *Cache) Prune(retention time.Duration, now time.Time) error {
	cutoff := now.Add(-retention).UTC().Format("2006-01-02")
	base := filepath.Join(c.root, "processed")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read processed dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Day directory names sort lexicographically as dates.
		if e.Name() < cutoff {
			if err := os.RemoveAll(filepath.Join(base, e.Name())); err != nil {
				return fmt.Errorf("prune %s: %w", e.Name(), err)
			}
			slog.Info("pruned processed snapshots", "day", e.Name())
		}
	}
	return nil
}

func clearDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recreate %s: %w", dir, err)
	}
	return nil
}

// writeJSON writes atomically: temp file then rename, so a reader never sees
// a half-written snapshot.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("temp snapshot: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
