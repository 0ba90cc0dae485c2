package mizar

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// A checkpoint is a durable marker recording that one identifiable unit of
// work (a package build, a stage milestone) completed successfully. Presence
// of the marker file is the entire state machine: absent means "not done",
// present means "done". There is no in-progress state; a crash mid-unit
// leaves the marker absent and the unit is redone on the next run.
//
// Markers live under <Root>/<scope>/<key>. Stage-level milestones use the
// reserved "global" scope so a package named like a milestone cannot collide
// with it. Operators force a re-run by deleting individual markers (or the
// whole tree); the store offers no delete operation of its own.

const globalScope = "global"

// CheckpointStore answers "has unit X in scope S already completed?" and
// records completions, backed by a directory that survives process restarts.
type CheckpointStore struct {
	Root  string
	Quiet bool // suppress the informational skip notices
}

// Checkpoint describes one recorded marker, for operator inspection.
type Checkpoint struct {
	Key       string
	Scope     string
	Detail    string
	CreatedAt time.Time
}

// NewCheckpointStore returns a store rooted at dir. Call Init before use.
func NewCheckpointStore(dir string) *CheckpointStore {
	return &CheckpointStore{Root: dir}
}

// Init prepares the storage root. Idempotent: existing markers are left
// intact. The only fatal condition in the whole store lives here: if the
// root cannot be created or written, no work can be checkpointed and the
// caller must abort the stage.
func (s *CheckpointStore) Init() error {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return fmt.Errorf("%w: cannot create %s: %v", ErrStorageUnavailable, s.Root, err)
	}
	// Probe writability so a read-only volume fails up front rather than
	// after hours of work.
	probe, err := os.CreateTemp(s.Root, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %s is not writable: %v", ErrStorageUnavailable, s.Root, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// markerName flattens a key or scope into a single path component.
func markerName(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}

func (s *CheckpointStore) markerPath(key, scope string) string {
	return filepath.Join(s.Root, markerName(scope), markerName(key))
}

// ShouldSkip reports whether a checkpoint for (key, scope) exists. It never
// fails: any error while checking resolves to "not done", biasing toward
// redoing work over silently skipping it.
func (s *CheckpointStore) ShouldSkip(key, scope string) bool {
	info, err := os.Stat(s.markerPath(key, scope))
	if err != nil || info.IsDir() {
		return false
	}
	if !s.Quiet {
		colArrow.Print("-> ")
		colSuccess.Printf("Checkpoint found for %s (%s), skipping\n", key, scope)
	}
	return true
}

// Create records completion of (key, scope). Call it only after the unit's
// real side effects are durably in place; the store does not link the marker
// to those side effects. Overwrites silently on repeat calls. The marker is
// written to a temp file and renamed so a racing reader never observes a
// partial marker. detail is free-form metadata for human inspection only.
func (s *CheckpointStore) Create(key, scope, detail string) error {
	dir := filepath.Join(s.Root, markerName(scope))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint scope %s: %w", scope, err)
	}
	tmp, err := os.CreateTemp(dir, "."+markerName(key)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %s (%s): %w", key, scope, err)
	}
	content := time.Now().Format(time.RFC3339)
	if detail != "" {
		content += " " + detail
	}
	content += "\n"
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint %s (%s): %w", key, scope, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint %s (%s): %w", key, scope, err)
	}
	if err := os.Rename(tmp.Name(), s.markerPath(key, scope)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint %s (%s): %w", key, scope, err)
	}
	return nil
}

// ShouldSkipGlobal is ShouldSkip in the namespace reserved for whole-stage
// completion markers.
func (s *CheckpointStore) ShouldSkipGlobal(key string) bool {
	return s.ShouldSkip(key, globalScope)
}

// CreateGlobal is Create in the namespace reserved for whole-stage
// completion markers.
func (s *CheckpointStore) CreateGlobal(key, detail string) error {
	return s.Create(key, globalScope, detail)
}

// List returns all recorded checkpoints sorted by scope then key. Used by
// `mizar status`; unreadable entries are listed without their detail.
func (s *CheckpointStore) List() ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cps []Checkpoint
	for _, scopeEnt := range entries {
		if !scopeEnt.IsDir() {
			continue
		}
		scope := scopeEnt.Name()
		markers, err := os.ReadDir(filepath.Join(s.Root, scope))
		if err != nil {
			continue
		}
		for _, m := range markers {
			if m.IsDir() || strings.HasPrefix(m.Name(), ".") {
				continue
			}
			cp := Checkpoint{Key: m.Name(), Scope: scope}
			if info, err := m.Info(); err == nil {
				cp.CreatedAt = info.ModTime()
			}
			if data, err := os.ReadFile(filepath.Join(s.Root, scope, m.Name())); err == nil {
				line := strings.TrimSpace(string(data))
				if idx := strings.IndexByte(line, ' '); idx != -1 {
					cp.Detail = line[idx+1:]
					if t, err := time.Parse(time.RFC3339, line[:idx]); err == nil {
						cp.CreatedAt = t
					}
				} else if t, err := time.Parse(time.RFC3339, line); err == nil {
					cp.CreatedAt = t
				}
			}
			cps = append(cps, cp)
		}
	}

	sort.Slice(cps, func(i, j int) bool {
		if cps[i].Scope != cps[j].Scope {
			return cps[i].Scope < cps[j].Scope
		}
		return cps[i].Key < cps[j].Key
	})
	return cps, nil
}
