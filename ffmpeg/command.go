package ffmpeg

import (
	"fmt"

	"github.com/google/shlex"
)

// SplitCommand splits a command string into words without invoking a
// shell, honouring quotes.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}
