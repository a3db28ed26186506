package zfssize

import (
	"context"
	"errors"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/zsendfs/pkg/zfscatalog"
	"github.com/function61/zsendfs/pkg/zfscmd/zfscmdtest"
)

const (
	snapshotList = "list -H -p -o name,creation -t snapshot -d 1 tank/a"
	dryRunFull   = "send -n -v -P tank/a@s1"
	dryRunIncr   = "send -n -v -P -i tank/a@s1 tank/a@s2"
)

func newTestZfs() *zfscmdtest.Runner {
	return zfscmdtest.New().
		OnOutput(snapshotList, "tank/a@s1\t100\ntank/a@s2\t200\n").
		OnOutput(dryRunFull, "full\ttank/a@s1\t1048576\nsize\t1048576\n").
		OnOutput(dryRunIncr, "incremental\ts1\ttank/a@s2\t4242\nsize\t4242\n")
}

func TestEstimate(t *testing.T) {
	zfs := newTestZfs()
	est := New(zfs, zfscatalog.New(zfs), 0)

	full, err := est.Estimate(context.Background(), "tank/a@s1")
	assert.Ok(t, err)
	assert.Assert(t, full.Bytes == 1048576)
	assert.EqualString(t, full.Base, "")

	incr, err := est.Estimate(context.Background(), "tank/a@s2")
	assert.Ok(t, err)
	assert.Assert(t, incr.Bytes == 4242)
	assert.EqualString(t, incr.Base, "tank/a@s1")
}

func TestEstimateIsCachedPerBaseAndTarget(t *testing.T) {
	zfs := newTestZfs()
	est := New(zfs, zfscatalog.New(zfs), 16)

	for i := 0; i < 3; i++ {
		incr, err := est.Estimate(context.Background(), "tank/a@s2")
		assert.Ok(t, err)
		assert.Assert(t, incr.Bytes == 4242)
	}

	assert.Assert(t, zfs.CallCount(dryRunIncr) == 1)
	// base selection is never cached
	assert.Assert(t, zfs.CallCount(snapshotList) == 3)
}

func TestEstimateFailures(t *testing.T) {
	zfs := zfscmdtest.New().
		OnOutput(snapshotList, "tank/a@s1\t100\ntank/a@s2\t200\n").
		OnOutput(dryRunFull, "full\ttank/a@s1\t1048576\n"). // no size line
		OnOutputFail(dryRunIncr, "cannot send: dataset is busy")

	est := New(zfs, zfscatalog.New(zfs), 16)

	_, err := est.Estimate(context.Background(), "tank/a@s1")
	assert.Assert(t, errors.Is(err, ErrEstimationFailed))

	_, err = est.Estimate(context.Background(), "tank/a@s2")
	assert.Assert(t, errors.Is(err, ErrEstimationFailed))

	_, err = est.Estimate(context.Background(), "tank/a@missing")
	assert.Assert(t, errors.Is(err, ErrEstimationFailed))
	assert.Assert(t, errors.Is(err, zfscatalog.ErrSnapshotNotFound))
}

func TestParseDryRunSize(t *testing.T) {
	size, err := parseDryRunSize("full\ttank/a@s1\t123\nsize\t123\n")
	assert.Ok(t, err)
	assert.Assert(t, size == 123)

	for _, bad := range []string{
		"",
		"size\t123\n",
		"full\ttank/a@s1\t123\nsize 123\n",
		"full\ttank/a@s1\t123\nsize\t123\textra\n",
		"full\ttank/a@s1\t123\nsize\t-5\n",
	} {
		_, err := parseDryRunSize(bad)
		assert.Assert(t, err != nil)
	}
}
