// Runs the "zfs" binary: buffered queries and forward-only send streams
package zfscmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"

	"github.com/function61/gokit/logex"
)

// query exited non-zero or wrote anything to stderr
var ErrCommandFailed = errors.New("zfs command failed")

type Runner interface {
	// runs to completion. a non-zero exit code or any stderr output is a failure, even if
	// stdout looks usable
	Output(ctx context.Context, args ...string) ([]byte, error)
	// starts a process whose stdout is consumed through the returned reader. Close()
	// terminates the process.
	Stream(args ...string) (io.ReadCloser, error)
}

type execRunner struct {
	bin    string
	logger *log.Logger
	logl   *logex.Leveled
}

func New(bin string, logger *log.Logger) Runner {
	return &execRunner{
		bin:    bin,
		logger: logger,
		logl:   logex.Levels(logex.NonNil(logger)),
	}
}

func (e *execRunner) Output(ctx context.Context, args ...string) ([]byte, error) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	//nolint:gosec // args are dataset names we resolved ourselves
	cmd := exec.CommandContext(ctx, e.bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logl.Debug.Printf("%s %s", e.bin, strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf(
			"%w: %s %s: %v, stderr: %s",
			ErrCommandFailed,
			e.bin,
			args[0],
			err,
			strings.TrimSpace(stderr.String()))
	}

	if stderr.Len() > 0 {
		return nil, fmt.Errorf(
			"%w: %s %s: diagnostics in stderr: %s",
			ErrCommandFailed,
			e.bin,
			args[0],
			strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

func (e *execRunner) Stream(args ...string) (io.ReadCloser, error) {
	//nolint:gosec // args are dataset names we resolved ourselves
	cmd := exec.Command(e.bin, args...)

	stderr := newStderrTail(stderrTailLines, func(line string) {
		e.logl.Debug.Printf("%s: %s", args[0], line)
	})
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrCommandFailed, e.bin, args[0], err)
	}

	e.logl.Debug.Printf("started %s %s (pid %d)", e.bin, strings.Join(args, " "), cmd.Process.Pid)

	return newProcessStream(cmd, stdout, stderr, e.logl), nil
}
