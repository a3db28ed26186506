// Single-use, single-reader "zfs send" stream exposed through offset-addressed reads
package sendstream

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log"
	"sync"

	"github.com/function61/gokit/logex"
	"github.com/function61/zsendfs/pkg/zfscmd"
	"github.com/minio/sha256-simd"
)

var (
	ErrStreamFault  = errors.New("send stream fault")
	ErrBackwardSeek = errors.New("send stream cannot seek backwards")
)

type BaseFinder interface {
	FindClosestBase(ctx context.Context, snapshot string) (string, error)
}

// receives the stream bytes counts as they are consumed
type Observer interface {
	Streamed(bytes int)
	Skipped(bytes int)
}

type Session struct {
	target  string
	base    string // empty for full stream
	stream  io.ReadCloser
	tee     io.Reader // stream, but everything read also goes to digest
	digest  hash.Hash
	pointer int64
	skipped int64
	eof     bool
	readMu  sync.Mutex // one read at a time
	closeMu sync.Once
	obs     Observer
	logl    *logex.Leveled
}

// resolves the incremental base and starts the serializer. the returned session owns the
// process until Close()
func Open(
	ctx context.Context,
	target string,
	bases BaseFinder,
	zfs zfscmd.Runner,
	obs Observer,
	logger *log.Logger,
) (*Session, error) {
	base, err := bases.FindClosestBase(ctx, target)
	if err != nil {
		return nil, err
	}

	stream, err := zfs.Stream(SendArgs(base, target)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStreamFault, target, err)
	}

	digest := sha256.New()

	logl := logex.Levels(logex.NonNil(logger))

	if base != "" {
		logl.Info.Printf("streaming %s incrementally from %s", target, base)
	} else {
		logl.Info.Printf("streaming %s in full", target)
	}

	return &Session{
		target: target,
		base:   base,
		stream: stream,
		tee:    io.TeeReader(stream, digest),
		digest: digest,
		obs:    obs,
		logl:   logl,
	}, nil
}

// base may be empty (full stream)
func SendArgs(base string, target string) []string {
	if base != "" {
		return []string{"send", "-v", "-P", "-i", base, target}
	}

	return []string{"send", "-v", "-P", target}
}

func (s *Session) Target() string {
	return s.target
}

func (s *Session) Base() string {
	return s.base
}

// reads up to length bytes starting from offset. offsets beyond the current position
// discard the gap from the stream. fewer bytes than asked (or zero) means the stream ended.
func (s *Session) Read(length int, offset int64) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if offset < s.pointer {
		return nil, fmt.Errorf(
			"%w: %s: asked offset %d but stream is at %d",
			ErrBackwardSeek,
			s.target,
			offset,
			s.pointer)
	}

	if s.eof {
		return []byte{}, nil
	}

	if gap := offset - s.pointer; gap > 0 {
		discarded, err := io.CopyN(io.Discard, s.tee, gap)
		s.pointer += discarded
		s.skipped += discarded
		s.obs.Skipped(int(discarded))

		if err != nil {
			if err == io.EOF {
				s.eof = true
				return []byte{}, nil
			}

			return nil, fmt.Errorf("%w: %s: skipping to %d: %v", ErrStreamFault, s.target, offset, err)
		}

		s.logl.Debug.Printf("%s: skipped %d bytes to offset %d", s.target, discarded, offset)
	}

	buf := make([]byte, length)

	// fill the buffer like a buffered pipe read would; pipes hand out smaller pieces
	n, err := io.ReadFull(s.tee, buf)
	s.pointer += int64(n)
	s.obs.Streamed(n)

	switch {
	case err == nil:
		return buf[:n], nil
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		s.eof = true
		return buf[:n], nil
	default:
		return nil, fmt.Errorf("%w: %s: at offset %d: %v", ErrStreamFault, s.target, s.pointer, err)
	}
}

// terminates the serializer. safe to call more than once, and while a Read() is blocked.
func (s *Session) Close() error {
	s.closeMu.Do(func() {
		if err := s.stream.Close(); err != nil {
			s.logl.Error.Printf("%s: close: %v", s.target, err)
		}

		// Read() holds readMu until the terminated process unblocks it
		s.readMu.Lock()
		defer s.readMu.Unlock()

		if s.eof {
			s.logl.Info.Printf(
				"%s: streamed to end: %d bytes (%d skipped), sha256 %s",
				s.target,
				s.pointer,
				s.skipped,
				hex.EncodeToString(s.digest.Sum(nil)))
		} else {
			s.logl.Info.Printf("%s: released at %d bytes before end of stream", s.target, s.pointer)
		}
	})

	return nil
}

type NopObserver struct{}

func (NopObserver) Streamed(int) {}
func (NopObserver) Skipped(int)  {}
