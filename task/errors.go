package task

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawnFailed matches every *SpawnError.
	ErrSpawnFailed = errors.New("failed to spawn transcoder")
	// ErrTryWaitFailed is returned by Retrieve when polling the process
	// errors. The task is left in StatusDetermining.
	ErrTryWaitFailed = errors.New("failed to poll transcoder")
	// ErrKillFailed is returned by Abort when the process could not be
	// terminated. The task has been removed from the registry regardless.
	ErrKillFailed = errors.New("failed to kill transcoder")
)

// SpawnError reports that the transcoder could not be started.
type SpawnError struct {
	// Command is the fully rendered command line.
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailed, e.Err}
}
