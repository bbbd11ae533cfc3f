package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/config"
)

// Launcher spawns the transcoder for a set of parameters.
type Launcher interface {
	Launch(p Parameters) (*Task, error)
}

// Manager is the registry of in-flight transcoder processes. Every
// operation holds mu for its whole critical section, so a status refresh
// is never observed halfway by another caller.
type Manager struct {
	cfg      *config.Config
	launcher Launcher

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewManager(cfg *config.Config, launcher Launcher) (*Manager, error) {
	if launcher == nil {
		return nil, errors.New("task manager requires a launcher")
	}
	return &Manager{
		cfg:      cfg,
		launcher: launcher,
		tasks:    make(map[string]*Task),
	}, nil
}

// Start runs the output cleanup loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.OutputLocalLifetime <= 0 {
		log.Println("Task manager started. Output cleanup disabled.")
		return
	}
	log.Println("Task manager started. Output lifetime:", m.cfg.OutputLocalLifetime)
	go m.cleanupLoop(ctx)
}

// Add launches a transcoder and registers it under id. A task already
// registered under id is killed and replaced; a failed launch leaves the
// registry untouched.
func (m *Manager) Add(id string, p Parameters) error {
	t, err := m.launcher.Launch(p)
	if err != nil {
		return err
	}
	t.ID = id

	m.mu.Lock()
	prev, replaced := m.tasks[id]
	m.tasks[id] = t
	m.mu.Unlock()

	log.Printf("Task %s added (pid %d, target %s).", id, t.Pid(), t.Target)

	if replaced {
		log.Printf("Task %s replaced an existing task, killing pid %d.", id, prev.Pid())
		if _, err := m.terminate(context.Background(), prev); err != nil {
			log.Printf("Task %s: previous process: %v", id, err)
		} else if prev.Src != t.Src {
			discardScratch(prev)
		}
	}
	return nil
}

// Retrieve refreshes the status of the task without waiting for its
// process and returns a snapshot. It returns nil if id is unknown.
func (m *Manager) Retrieve(id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}

	if err := refresh(t); err != nil {
		log.Printf("Task %s: %v", id, err)
		snap := t.Snapshot()
		return &snap, err
	}
	snap := t.Snapshot()
	return &snap, nil
}

// refresh derives the status from a non-blocking poll of the process.
func refresh(t *Task) error {
	t.Status = Determining

	state, err := t.proc.TryWait()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTryWaitFailed, err)
	}

	switch {
	case state == nil:
		t.Status = Running
	case state.Success:
		t.Status = Completed
	default:
		t.Status = Interrupted(state.Code)
	}
	if state != nil && t.FinishedAt.IsZero() {
		t.FinishedAt = time.Now()
	}
	return nil
}

// Abort removes the task from the registry and kills its process. The
// removed task is returned even when the kill fails; it is nil only if
// id is unknown.
func (m *Manager) Abort(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
		t.Status = Interrupted(nil)
	}
	m.mu.Unlock()

	if !ok {
		return nil, nil
	}

	log.Printf("Aborting task %s (pid %d).", id, t.Pid())
	t, err := m.terminate(ctx, t)
	if err == nil {
		discardScratch(t)
	}
	return t, err
}

// discardScratch removes the input of a task whose process is gone, if the
// task owns it.
func discardScratch(t *Task) {
	if t.discardSrc {
		removeFile(t.Src)
	}
}

func (m *Manager) terminate(ctx context.Context, t *Task) (*Task, error) {
	if m.cfg.KillTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.KillTimeout)
		defer cancel()
	}

	t.Status = Interrupted(nil)
	if err := t.proc.Kill(ctx); err != nil {
		return t, fmt.Errorf("%w: task %s: %w", ErrKillFailed, t.ID, err)
	}
	if t.FinishedAt.IsZero() {
		t.FinishedAt = time.Now()
	}
	return t, nil
}

// List returns a snapshot of every registered task. Statuses are the ones
// last observed by Retrieve; nothing is polled.
func (m *Manager) List() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Snapshot, len(m.tasks))
	for id, t := range m.tasks {
		out[id] = t.Snapshot()
	}
	return out
}

// Shutdown aborts every remaining task.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := m.Abort(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	log.Printf("Task manager shut down, %d task(s) aborted.", len(ids))
	return errors.Join(errs...)
}

// cleanupLoop periodically removes expired files of finished tasks. The
// tasks themselves stay registered.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.OutputLocalLifetime / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Cleanup loop shutting down.")
			return
		case <-ticker.C:
			m.cleanupExpired(time.Now())
		}
	}
}

// cleanupExpired removes the output and scratch input of every task that
// finished more than OutputLocalLifetime ago. Interrupted tasks only leave
// partial output behind, so it goes the same way.
func (m *Manager) cleanupExpired(now time.Time) {
	var paths []string

	m.mu.Lock()
	for id, t := range m.tasks {
		if t.cleaned || !t.Status.IsTerminal() || t.FinishedAt.IsZero() {
			continue
		}
		if now.Sub(t.FinishedAt) <= m.cfg.OutputLocalLifetime {
			continue
		}
		log.Printf("Cleaning up files of %s task %s: %s", t.Status, id, t.Target)
		paths = append(paths, t.Target)
		if t.discardSrc {
			paths = append(paths, t.Src)
		}
		t.cleaned = true
	}
	m.mu.Unlock()

	for _, path := range paths {
		removeFile(path)
	}
}

func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to remove %s: %v", path, err)
	}
}

// GetFilePath resolves the output file of a completed task by its base
// name. Scratch inputs, partial and expired outputs are never served.
func (m *Manager) GetFilePath(filename string) (string, error) {
	// Prevent path traversal
	cleanFilename := filepath.Base(filename)
	if cleanFilename != filename || cleanFilename == "." || cleanFilename == string(filepath.Separator) {
		return "", fmt.Errorf("invalid filename")
	}

	m.mu.Lock()
	var fullPath string
	for _, t := range m.tasks {
		if t.Status.Kind == StatusCompleted && !t.cleaned && filepath.Base(t.Target) == cleanFilename {
			fullPath = t.Target
			break
		}
	}
	m.mu.Unlock()

	if fullPath == "" {
		return "", fmt.Errorf("file not found")
	}
	if _, err := os.Stat(fullPath); err != nil {
		return "", fmt.Errorf("file not found")
	}
	return fullPath, nil
}
