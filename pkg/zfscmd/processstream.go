package zfscmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/function61/gokit/logex"
)

// how long a terminated process gets to exit before it is killed
const terminateGracePeriod = 5 * time.Second

// stdout of a running process. the process is reaped exactly once, either when its
// output ends or when the stream is closed.
type processStream struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   *stderrTail
	exited   chan struct{}
	exitErr  error
	eof      bool
	waitOnce sync.Once
	termOnce sync.Once
	logl     *logex.Leveled
}

func newProcessStream(cmd *exec.Cmd, stdout io.ReadCloser, stderr *stderrTail, logl *logex.Leveled) *processStream {
	return &processStream{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
		logl:   logl,
	}
}

// io.EOF is only returned if the process exited cleanly. otherwise the exit error (with
// the last stderr lines) is returned so truncated output is never mistaken for complete.
func (p *processStream) Read(buf []byte) (int, error) {
	if p.eof { // pipe is already closed by Wait()
		return 0, p.endOfOutputErr()
	}

	n, err := p.stdout.Read(buf)
	// ErrClosed: Wait() closed the pipe under a blocked read, i.e. the process has exited
	if err == io.EOF || errors.Is(err, os.ErrClosed) {
		p.eof = true

		return n, p.endOfOutputErr()
	}

	return n, err
}

func (p *processStream) endOfOutputErr() error {
	if exitErr := p.wait(); exitErr != nil {
		return exitErr
	}

	return io.EOF
}

// terminates the process unconditionally. safe to call many times and concurrently with
// an outstanding Read() (which then unblocks with an error).
func (p *processStream) Close() error {
	p.termOnce.Do(func() {
		go func() {
			_ = p.wait()
		}()

		select {
		case <-p.exited:
			return // already exited on its own
		default:
		}

		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logl.Error.Printf("SIGTERM pid %d: %v", p.cmd.Process.Pid, err)
		}

		select {
		case <-p.exited:
		case <-time.After(terminateGracePeriod):
			p.logl.Error.Printf("pid %d did not exit in %s; killing", p.cmd.Process.Pid, terminateGracePeriod)

			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.logl.Error.Printf("Kill pid %d: %v", p.cmd.Process.Pid, err)
			}

			<-p.exited
		}
	})

	return nil
}

func (p *processStream) wait() error {
	p.waitOnce.Do(func() {
		defer close(p.exited)

		if err := p.cmd.Wait(); err != nil {
			p.exitErr = fmt.Errorf(
				"%w: %s: %v, stderr: %s",
				ErrCommandFailed,
				p.cmd.Path,
				err,
				strings.Join(p.stderr.Lines(), " | "))
		}
	})

	<-p.exited

	return p.exitErr
}
