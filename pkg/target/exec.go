package target

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Runner executes an external tool
type Runner interface {
	Run(ctx context.Context, name string, args, env []string, stdin io.Reader, stdout io.Writer) error
}

// ExecRunner runs commands on the host
type ExecRunner struct{}

// Run executes name with args, adding env to the process environment. The
// process is killed when ctx is cancelled.
func (ExecRunner) Run(ctx context.Context, name string, args, env []string, stdin io.Reader, stdout io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return fmt.Errorf("%s failed: %w: %s", name, err, msg)
	}
	return nil
}
