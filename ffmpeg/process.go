package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/task"
)

// maxOutputSize bounds the captured ffmpeg output. ffmpeg prints its
// progress to stderr, so long jobs would otherwise grow without limit.
const maxOutputSize = 64 * 1024

// outputBuffer keeps the last maxOutputSize bytes written to it.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(p) >= maxOutputSize {
		b.buf.Reset()
		p = p[len(p)-maxOutputSize:]
	} else if over := b.buf.Len() + len(p) - maxOutputSize; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return n, nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// process owns a started *exec.Cmd. A single goroutine reaps it and
// publishes the result through done.
type process struct {
	cmd    *exec.Cmd
	output *outputBuffer
	done   chan struct{}
	err    error // set before done is closed
}

func startProcess(cmd *exec.Cmd) (*process, error) {
	p := &process{
		cmd:    cmd,
		output: &outputBuffer{},
		done:   make(chan struct{}),
	}
	// Non-*os.File writers make exec pipe both streams to us.
	cmd.Stdout = p.output
	cmd.Stderr = p.output

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Output() string {
	return p.output.String()
}

func (p *process) TryWait() (*task.ExitState, error) {
	select {
	case <-p.done:
	default:
		return nil, nil
	}

	if p.err == nil {
		code := 0
		return &task.ExitState{Success: true, Code: &code}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		state := &task.ExitState{}
		// ExitCode is -1 when the process was killed by a signal.
		if code := exitErr.ExitCode(); code >= 0 {
			state.Code = &code
		}
		return state, nil
	}
	// The process exited but collecting its output failed.
	return nil, p.err
}

func (p *process) Kill(ctx context.Context) error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
