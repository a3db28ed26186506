// Queries ZFS for snapshots, dataset nodes and dataset children.
// Nothing is cached: every call reflects the pool as it is now.
package zfscatalog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/function61/zsendfs/pkg/zfscmd"
	"github.com/samber/lo"
)

var (
	ErrCatalogUnavailable = errors.New("snapshot catalog unavailable")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrNodeNotFound       = errors.New("node not found")
)

type SnapshotRecord struct {
	Name     string // "tank/a@s1"
	Creation int64  // unix seconds
}

func (s SnapshotRecord) Created() time.Time {
	return time.Unix(s.Creation, 0)
}

type Catalog struct {
	zfs zfscmd.Runner
}

func New(zfs zfscmd.Runner) *Catalog {
	return &Catalog{zfs}
}

// snapshots of exactly this dataset, in the order zfs lists them (creation order)
func (c *Catalog) ListSnapshots(ctx context.Context, dataset string) ([]SnapshotRecord, error) {
	output, err := c.zfs.Output(ctx, ListSnapshotsArgs(dataset)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	snapshots, err := parseSnapshotList(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}

	// "tank/a" must not pick up "tank/ab@x"
	return lo.Filter(snapshots, func(snap SnapshotRecord, _ int) bool {
		return strings.HasPrefix(snap.Name, dataset+"@")
	}), nil
}

// returns the same-dataset snapshot with the latest creation time strictly before the
// target's. empty string means there is none, and a full stream should be sent.
func (c *Catalog) FindClosestBase(ctx context.Context, snapshot string) (string, error) {
	dataset, ok := DatasetOfSnapshot(snapshot)
	if !ok {
		return "", fmt.Errorf("%w: not a snapshot name: %s", ErrSnapshotNotFound, snapshot)
	}

	snapshots, err := c.ListSnapshots(ctx, dataset)
	if err != nil {
		return "", err
	}

	return closestBase(snapshot, snapshots)
}

func closestBase(snapshot string, snapshots []SnapshotRecord) (string, error) {
	target, found := lo.Find(snapshots, func(snap SnapshotRecord) bool {
		return snap.Name == snapshot
	})
	if !found {
		return "", fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshot)
	}

	var closest *SnapshotRecord

	for i := range snapshots {
		candidate := &snapshots[i]

		if candidate.Name == snapshot || candidate.Creation >= target.Creation {
			continue
		}

		// ">=" so that among equal creation times the later-listed (later created) wins
		if closest == nil || candidate.Creation >= closest.Creation {
			closest = candidate
		}
	}

	if closest == nil {
		return "", nil
	}

	return closest.Name, nil
}

func ListSnapshotsArgs(dataset string) []string {
	return []string{"list", "-H", "-p", "-o", "name,creation", "-t", "snapshot", "-d", "1", dataset}
}

// "tank/a@s1" => "tank/a"
func DatasetOfSnapshot(snapshot string) (string, bool) {
	idx := strings.IndexByte(snapshot, '@')
	if idx <= 0 || idx == len(snapshot)-1 {
		return "", false
	}

	return snapshot[:idx], true
}

func parseSnapshotList(output []byte) ([]SnapshotRecord, error) {
	snapshots := []SnapshotRecord{}

	err := forEachLine(output, func(fields []string) error {
		if len(fields) != 2 {
			return fmt.Errorf("expected 2 fields; got %d", len(fields))
		}

		creation, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("creation of %s: %v", fields[0], err)
		}

		snapshots = append(snapshots, SnapshotRecord{
			Name:     fields[0],
			Creation: creation,
		})

		return nil
	})

	return snapshots, err
}

// calls fn with tab-separated fields of each non-empty line
func forEachLine(output []byte, fn func(fields []string) error) error {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if err := fn(strings.Split(line, "\t")); err != nil {
			return fmt.Errorf("%w; line: %q", err, line)
		}
	}

	return scanner.Err()
}
