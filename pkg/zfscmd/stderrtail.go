package zfscmd

import (
	"bytes"
	"container/ring"
	"sync"
)

const stderrTailLines = 8

// io.Writer that splits its input into lines, hands each completed line to a callback and
// remembers the last few lines for error messages
type stderrTail struct {
	buf           []byte // buffer before receiving \n
	lines         *ring.Ring
	lineCompleted func(string)
	mu            sync.Mutex
}

func newStderrTail(capacity int, lineCompleted func(string)) *stderrTail {
	return &stderrTail{
		buf:           []byte{},
		lines:         ring.New(capacity),
		lineCompleted: lineCompleted,
	}
}

func (s *stderrTail) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, data...)

	// as long as we have lines, chop the buffer down
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx == -1 {
			break
		}

		line := string(s.buf[0:idx])
		s.buf = s.buf[idx+1:]

		s.lines.Value = line
		s.lines = s.lines.Next()

		s.lineCompleted(line)
	}

	return len(data), nil
}

// oldest first. an unterminated last line is included.
func (s *stderrTail) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret := []string{}

	s.lines.Do(func(val any) {
		if line, ok := val.(string); ok {
			ret = append(ret, line)
		}
	})

	if len(s.buf) > 0 {
		ret = append(ret, string(s.buf))
	}

	return ret
}
