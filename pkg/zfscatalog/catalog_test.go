package zfscatalog

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/zsendfs/pkg/zfscmd/zfscmdtest"
)

const tankASnapshots = "list -H -p -o name,creation -t snapshot -d 1 tank/a"

func TestFindClosestBase(t *testing.T) {
	zfs := zfscmdtest.New().OnOutput(tankASnapshots, "tank/a@s1\t100\ntank/a@s2\t200\n")

	cat := New(zfs)

	base, err := cat.FindClosestBase(context.Background(), "tank/a@s2")
	assert.Ok(t, err)
	assert.EqualString(t, base, "tank/a@s1")

	base, err = cat.FindClosestBase(context.Background(), "tank/a@s1")
	assert.Ok(t, err)
	assert.EqualString(t, base, "") // full stream
}

func TestFindClosestBaseIgnoresLaterAndSiblingDatasets(t *testing.T) {
	zfs := zfscmdtest.New().OnOutput(tankASnapshots, `tank/a@s1	100
tank/ab@sibling	250
tank/a@s2	200
tank/a@s3	300
tank/a@s4	400
`)

	base, err := New(zfs).FindClosestBase(context.Background(), "tank/a@s3")
	assert.Ok(t, err)
	assert.EqualString(t, base, "tank/a@s2")
}

func TestFindClosestBaseEqualCreationTimes(t *testing.T) {
	// same-second snapshots: the one listed last (created later) wins, and a snapshot
	// sharing the target's creation time is never a base
	zfs := zfscmdtest.New().OnOutput(tankASnapshots, `tank/a@hourly1	100
tank/a@hourly2	100
tank/a@daily	200
tank/a@daily-twin	200
`)

	base, err := New(zfs).FindClosestBase(context.Background(), "tank/a@daily-twin")
	assert.Ok(t, err)
	assert.EqualString(t, base, "tank/a@hourly2")

	base, err = New(zfs).FindClosestBase(context.Background(), "tank/a@hourly2")
	assert.Ok(t, err)
	assert.EqualString(t, base, "")
}

func TestFindClosestBaseNotFound(t *testing.T) {
	zfs := zfscmdtest.New().OnOutput(tankASnapshots, "tank/a@s1\t100\n")

	_, err := New(zfs).FindClosestBase(context.Background(), "tank/a@gone")
	assert.Assert(t, errors.Is(err, ErrSnapshotNotFound))

	_, err = New(zfs).FindClosestBase(context.Background(), "tank/a")
	assert.Assert(t, errors.Is(err, ErrSnapshotNotFound))
}

func TestCatalogUnavailable(t *testing.T) {
	failing := zfscmdtest.New().OnOutputFail(tankASnapshots, "cannot open 'tank/a': pool I/O is currently suspended")

	_, err := New(failing).FindClosestBase(context.Background(), "tank/a@s1")
	assert.Assert(t, errors.Is(err, ErrCatalogUnavailable))

	malformed := zfscmdtest.New().OnOutput(tankASnapshots, "tank/a@s1\tyesterday\n")

	_, err = New(malformed).ListSnapshots(context.Background(), "tank/a")
	assert.Assert(t, errors.Is(err, ErrCatalogUnavailable))
}

func TestClosestBaseProperty(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	for round := 0; round < 200; round++ {
		snapshots := []SnapshotRecord{}
		for i := 0; i < 1+rnd.Intn(12); i++ {
			snapshots = append(snapshots, SnapshotRecord{
				Name:     fmt.Sprintf("tank/a@s%d", i),
				Creation: int64(rnd.Intn(10)),
			})
		}

		for _, target := range snapshots {
			base, err := closestBase(target.Name, snapshots)
			assert.Ok(t, err)

			if base == "" {
				for _, other := range snapshots {
					assert.Assert(t, other.Creation >= target.Creation)
				}
				continue
			}

			baseRecord := findRecord(snapshots, base)
			assert.Assert(t, strings.HasPrefix(base, "tank/a@"))
			assert.Assert(t, baseRecord.Creation < target.Creation)

			for _, other := range snapshots {
				between := other.Creation > baseRecord.Creation && other.Creation < target.Creation
				assert.Assert(t, !between)
			}
		}
	}
}

func TestDatasetOfSnapshot(t *testing.T) {
	dataset, ok := DatasetOfSnapshot("tank/a/b@daily-2020")
	assert.Assert(t, ok)
	assert.EqualString(t, dataset, "tank/a/b")

	_, ok = DatasetOfSnapshot("tank/a")
	assert.Assert(t, !ok)

	_, ok = DatasetOfSnapshot("tank/a@")
	assert.Assert(t, !ok)
}

func findRecord(snapshots []SnapshotRecord, name string) SnapshotRecord {
	for _, snap := range snapshots {
		if snap.Name == name {
			return snap
		}
	}

	panic("not found: " + name)
}
