package sendstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
	"github.com/function61/zsendfs/pkg/zfscatalog"
	"github.com/function61/zsendfs/pkg/zfscmd/zfscmdtest"
)

const snapshotList = "list -H -p -o name,creation -t snapshot -d 1 tank/a"

func testStream(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7 % 251)
	}

	return data
}

func newTestZfs(stream []byte, exitErr error) *zfscmdtest.Runner {
	return zfscmdtest.New().
		OnOutput(snapshotList, "tank/a@s1\t100\ntank/a@s2\t200\n").
		OnStream("send -v -P tank/a@s1", stream, exitErr).
		OnStream("send -v -P -i tank/a@s1 tank/a@s2", stream, exitErr)
}

func openTestSession(t *testing.T, zfs *zfscmdtest.Runner, target string) *Session {
	t.Helper()

	sess, err := Open(context.Background(), target, zfscatalog.New(zfs), zfs, NopObserver{}, logex.Discard)
	assert.Ok(t, err)

	return sess
}

func TestReadsInTwoChunksEqualOneRead(t *testing.T) {
	stream := testStream(4096)

	zfs := newTestZfs(stream, nil)

	chunked := openTestSession(t, zfs, "tank/a@s2")
	defer chunked.Close()

	first, err := chunked.Read(1024, 0)
	assert.Ok(t, err)
	second, err := chunked.Read(1024, 1024)
	assert.Ok(t, err)

	whole := openTestSession(t, zfs, "tank/a@s2")
	defer whole.Close()

	both, err := whole.Read(2048, 0)
	assert.Ok(t, err)

	assert.Assert(t, bytes.Equal(append(first, second...), both))
	assert.Assert(t, bytes.Equal(both, stream[:2048]))
}

func TestSequentialReadsReconstructStream(t *testing.T) {
	stream := testStream(10000)

	sess := openTestSession(t, newTestZfs(stream, nil), "tank/a@s1")
	defer sess.Close()

	reconstructed := []byte{}
	for {
		chunk, err := sess.Read(999, int64(len(reconstructed)))
		assert.Ok(t, err)

		if len(chunk) == 0 {
			break
		}

		reconstructed = append(reconstructed, chunk...)
	}

	assert.Assert(t, bytes.Equal(reconstructed, stream))

	// end of stream stays end of stream
	chunk, err := sess.Read(100, int64(len(stream)))
	assert.Ok(t, err)
	assert.Assert(t, len(chunk) == 0)
}

func TestIncrementalOrFull(t *testing.T) {
	zfs := newTestZfs(testStream(10), nil)

	full := openTestSession(t, zfs, "tank/a@s1")
	defer full.Close()
	assert.EqualString(t, full.Base(), "")

	incr := openTestSession(t, zfs, "tank/a@s2")
	defer incr.Close()
	assert.EqualString(t, incr.Base(), "tank/a@s1")
	assert.EqualString(t, incr.Target(), "tank/a@s2")

	streams := zfs.Streams()
	assert.Assert(t, len(streams) == 2)
	assert.EqualString(t, streams[0].Cmdline, "send -v -P tank/a@s1")
	assert.EqualString(t, streams[1].Cmdline, "send -v -P -i tank/a@s1 tank/a@s2")
}

func TestSkipForward(t *testing.T) {
	stream := testStream(5000)

	obs := &countingObserver{}

	zfs := newTestZfs(stream, nil)
	sess, err := Open(context.Background(), "tank/a@s2", zfscatalog.New(zfs), zfs, obs, logex.Discard)
	assert.Ok(t, err)
	defer sess.Close()

	chunk, err := sess.Read(100, 3000)
	assert.Ok(t, err)
	assert.Assert(t, bytes.Equal(chunk, stream[3000:3100]))

	// skip past the end
	chunk, err = sess.Read(100, 9000)
	assert.Ok(t, err)
	assert.Assert(t, len(chunk) == 0)

	assert.EqualString(t, fmt.Sprintf("%d/%d", obs.streamed, obs.skipped), "100/4900")
}

func TestShortReadAtEnd(t *testing.T) {
	sess := openTestSession(t, newTestZfs(testStream(150), nil), "tank/a@s1")
	defer sess.Close()

	chunk, err := sess.Read(100, 0)
	assert.Ok(t, err)
	assert.Assert(t, len(chunk) == 100)

	chunk, err = sess.Read(100, 100)
	assert.Ok(t, err)
	assert.Assert(t, len(chunk) == 50)
}

func TestBackwardSeekIsRejected(t *testing.T) {
	sess := openTestSession(t, newTestZfs(testStream(500), nil), "tank/a@s1")
	defer sess.Close()

	_, err := sess.Read(100, 0)
	assert.Ok(t, err)

	_, err = sess.Read(100, 50)
	assert.Assert(t, errors.Is(err, ErrBackwardSeek))

	// position is unaffected by the rejected read
	chunk, err := sess.Read(100, 100)
	assert.Ok(t, err)
	assert.Assert(t, bytes.Equal(chunk, testStream(500)[100:200]))
}

func TestSerializerFailureIsStreamFault(t *testing.T) {
	sess := openTestSession(t, newTestZfs(testStream(300), errors.New("exit status 1")), "tank/a@s1")
	defer sess.Close()

	chunk, err := sess.Read(200, 0)
	assert.Ok(t, err)
	assert.Assert(t, len(chunk) == 200)

	_, err = sess.Read(200, 200)
	assert.Assert(t, errors.Is(err, ErrStreamFault))
}

func TestOpenFailures(t *testing.T) {
	zfs := newTestZfs(testStream(10), nil)

	_, err := Open(context.Background(), "tank/a@nonexistent", zfscatalog.New(zfs), zfs, NopObserver{}, logex.Discard)
	assert.Assert(t, errors.Is(err, zfscatalog.ErrSnapshotNotFound))

	noStreams := zfscmdtest.New().OnOutput(snapshotList, "tank/a@s1\t100\n")

	_, err = Open(context.Background(), "tank/a@s1", zfscatalog.New(noStreams), noStreams, NopObserver{}, logex.Discard)
	assert.Assert(t, errors.Is(err, ErrStreamFault))
}

func TestCloseTerminatesOnce(t *testing.T) {
	zfs := newTestZfs(testStream(10), nil)

	sess := openTestSession(t, zfs, "tank/a@s1")

	assert.Ok(t, sess.Close())
	assert.Ok(t, sess.Close())

	assert.Assert(t, zfs.Streams()[0].Closed() == 1)
}

type countingObserver struct {
	streamed int
	skipped  int
}

func (c *countingObserver) Streamed(n int) { c.streamed += n }
func (c *countingObserver) Skipped(n int)  { c.skipped += n }
