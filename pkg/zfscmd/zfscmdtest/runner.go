// Scripted stand-in for zfscmd.Runner, so packages can be tested without ZFS
package zfscmdtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/function61/zsendfs/pkg/zfscmd"
)

type outputResult struct {
	stdout string
	err    error
}

type streamScript struct {
	data    []byte
	exitErr error // returned instead of io.EOF after data
}

// commands are keyed by their space-joined arguments, e.g. "list -H -p -o name,creation ..."
type Runner struct {
	outputs map[string]outputResult
	streams map[string]streamScript
	calls   []string
	opened  []*Stream
	mu      sync.Mutex
}

var _ zfscmd.Runner = (*Runner)(nil)

func New() *Runner {
	return &Runner{
		outputs: map[string]outputResult{},
		streams: map[string]streamScript{},
	}
}

func (r *Runner) OnOutput(cmdline string, stdout string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outputs[cmdline] = outputResult{stdout: stdout}

	return r
}

func (r *Runner) OnOutputFail(cmdline string, stderr string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outputs[cmdline] = outputResult{err: fmt.Errorf("%w: stderr: %s", zfscmd.ErrCommandFailed, stderr)}

	return r
}

func (r *Runner) OnStream(cmdline string, data []byte, exitErr error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.streams[cmdline] = streamScript{data: data, exitErr: exitErr}

	return r
}

func (r *Runner) Output(_ context.Context, args ...string) ([]byte, error) {
	cmdline := r.record(args)

	r.mu.Lock()
	defer r.mu.Unlock()

	result, found := r.outputs[cmdline]
	if !found {
		return nil, fmt.Errorf("%w: unexpected command: %s", zfscmd.ErrCommandFailed, cmdline)
	}

	return []byte(result.stdout), result.err
}

func (r *Runner) Stream(args ...string) (io.ReadCloser, error) {
	cmdline := r.record(args)

	r.mu.Lock()
	defer r.mu.Unlock()

	script, found := r.streams[cmdline]
	if !found {
		return nil, fmt.Errorf("%w: unexpected stream: %s", zfscmd.ErrCommandFailed, cmdline)
	}

	stream := &Stream{
		Cmdline: cmdline,
		data:    bytes.NewReader(script.data),
		exitErr: script.exitErr,
	}

	r.opened = append(r.opened, stream)

	return stream, nil
}

// every Output() and Stream() invocation, in order
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string{}, r.calls...)
}

func (r *Runner) CallCount(cmdline string) int {
	count := 0
	for _, call := range r.Calls() {
		if call == cmdline {
			count++
		}
	}

	return count
}

func (r *Runner) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*Stream{}, r.opened...)
}

func (r *Runner) record(args []string) string {
	cmdline := strings.Join(args, " ")

	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, cmdline)

	return cmdline
}

// hands out data in small pieces, like a pipe would
type Stream struct {
	Cmdline string
	data    *bytes.Reader
	exitErr error
	closed  int
	mu      sync.Mutex
}

const pipeChunk = 7

func (s *Stream) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed > 0 {
		return 0, io.ErrClosedPipe
	}

	if len(buf) > pipeChunk {
		buf = buf[:pipeChunk]
	}

	n, err := s.data.Read(buf)
	if err == io.EOF && s.exitErr != nil {
		return n, s.exitErr
	}

	return n, err
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed++

	return nil
}

func (s *Stream) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}
