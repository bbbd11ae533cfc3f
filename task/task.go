package task

import (
	"context"
	"time"
)

type StatusKind string

const (
	// StatusDetermining is held only while a status refresh is underway.
	// A task that stays here across polls hit a poll error.
	StatusDetermining StatusKind = "determining"
	// StatusPending is reserved for tasks not yet handed to a process.
	StatusPending     StatusKind = "pending"
	StatusRunning     StatusKind = "running"
	StatusCompleted   StatusKind = "completed"
	StatusInterrupted StatusKind = "interrupted"
)

// Status is the lifecycle state of a task. ExitCode is only meaningful
// for StatusInterrupted and is nil when no code could be obtained.
type Status struct {
	Kind     StatusKind `json:"kind"`
	ExitCode *int       `json:"exitCode,omitempty"`
}

var (
	Determining = Status{Kind: StatusDetermining}
	Pending     = Status{Kind: StatusPending}
	Running     = Status{Kind: StatusRunning}
	Completed   = Status{Kind: StatusCompleted}
)

func Interrupted(code *int) Status {
	return Status{Kind: StatusInterrupted, ExitCode: code}
}

// IsTerminal reports whether the process behind the task has exited.
func (s Status) IsTerminal() bool {
	return s.Kind == StatusCompleted || s.Kind == StatusInterrupted
}

func (s Status) String() string {
	return string(s.Kind)
}

// Parameters describe one transcoding invocation.
type Parameters struct {
	Format Format
	Src    string
	Target string
	// DiscardSrc marks Src as a scratch file owned by the task. It is
	// removed together with the output once the output expires.
	DiscardSrc bool
}

// ExitState describes a process that has exited.
type ExitState struct {
	Success bool
	// Code is nil when the process was terminated by a signal.
	Code *int
}

// Process is the owned handle of a running transcoder.
type Process interface {
	Pid() int
	// TryWait reports the exit state without blocking. It returns nil
	// while the process is still running.
	TryWait() (*ExitState, error)
	// Kill signals the process and waits until it has been reaped or
	// ctx is done.
	Kill(ctx context.Context) error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// Output returns the captured stdout and stderr so far.
	Output() string
}

// Task is one tracked transcoder invocation. Tasks are owned by the
// Manager; callers observe them through Snapshot.
type Task struct {
	ID         string
	Status     Status
	Format     Format
	Src        string
	Target     string
	CreatedAt  time.Time
	FinishedAt time.Time

	discardSrc bool
	cleaned    bool
	proc       Process
}

// New wraps a freshly spawned process. Only launchers call it.
func New(p Parameters, proc Process) *Task {
	return &Task{
		Status:     Running,
		Format:     p.Format,
		Src:        p.Src,
		Target:     p.Target,
		CreatedAt:  time.Now(),
		discardSrc: p.DiscardSrc,
		proc:       proc,
	}
}

func (t *Task) Pid() int {
	return t.proc.Pid()
}

// Done is closed once the underlying process has been reaped.
func (t *Task) Done() <-chan struct{} {
	return t.proc.Done()
}

func (t *Task) Output() string {
	return t.proc.Output()
}

// Snapshot returns a copy of the task that is safe to hand out.
func (t *Task) Snapshot() Snapshot {
	s := Snapshot{
		ID:        t.ID,
		Status:    t.Status,
		Format:    t.Format,
		Target:    t.Target,
		CreatedAt: t.CreatedAt,
		Output:    t.proc.Output(),
	}
	if t.Status.ExitCode != nil {
		code := *t.Status.ExitCode
		s.Status.ExitCode = &code
	}
	if !t.FinishedAt.IsZero() {
		finished := t.FinishedAt
		s.FinishedAt = &finished
	}
	return s
}

// Snapshot is a point-in-time view of a task without its process handle.
type Snapshot struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Format      Format     `json:"format"`
	Target      string     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Output      string     `json:"ffmpegOutput,omitempty"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
}
