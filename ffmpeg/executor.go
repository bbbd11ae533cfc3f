package ffmpeg

import (
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/config"
	"github.com/UnblockNeteaseMusic/unm-ffmpeg-server/task"
)

// waitDelay bounds how long reaping waits for the output pipes to close
// after the process itself has exited.
const waitDelay = 2 * time.Second

// Executor renders task parameters into an ffmpeg invocation and starts it.
type Executor struct {
	bin    string
	prefix []string
}

// New returns an Executor running bin. prefix is inserted between bin and
// the generated arguments, which lets a wrapper such as nice run ffmpeg.
func New(bin string, prefix ...string) *Executor {
	return &Executor{bin: bin, prefix: prefix}
}

// NewExecutor builds an Executor from cfg.FFBin and checks that the
// binary can be found.
func NewExecutor(cfg *config.Config) (*Executor, error) {
	words, err := SplitCommand(cfg.FFBin)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("ffmpeg binary is not configured")
	}
	if _, err := exec.LookPath(words[0]); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", words[0])
	}
	return New(words[0], words[1:]...), nil
}

// Args builds the ffmpeg arguments for p:
//
//	-y -i <src> -c:a <codec> [-b:a <bitrate>k] <target>
func Args(p task.Parameters) []string {
	args := []string{"-y", "-i", p.Src, "-c:a", p.Format.Codec()}
	if bitrate, ok := p.Format.Bitrate(); ok {
		args = append(args, "-b:a", strconv.FormatUint(uint64(bitrate), 10)+"k")
	}
	return append(args, p.Target)
}

func (e *Executor) command(p task.Parameters) *exec.Cmd {
	args := make([]string, 0, len(e.prefix)+10)
	args = append(args, e.prefix...)
	args = append(args, Args(p)...)
	cmd := exec.Command(e.bin, args...)
	cmd.WaitDelay = waitDelay
	return cmd
}

// Launch starts ffmpeg for p and returns the running task.
func (e *Executor) Launch(p task.Parameters) (*task.Task, error) {
	if p.Format.IsZero() {
		return nil, fmt.Errorf("%w: no format given for %s", task.ErrUnknownFormat, p.Target)
	}
	cmd := e.command(p)
	commandLine := strings.Join(cmd.Args, " ")
	log.Printf("Executing: %s", commandLine)

	proc, err := startProcess(cmd)
	if err != nil {
		return nil, &task.SpawnError{Command: commandLine, Err: err}
	}
	return task.New(p, proc), nil
}
