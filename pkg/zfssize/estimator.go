// Estimates "zfs send" stream sizes with a dry run
package zfssize

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/function61/zsendfs/pkg/zfscmd"
	"github.com/golang/groupcache/lru"
)

var ErrEstimationFailed = errors.New("size estimation failed")

type BaseFinder interface {
	FindClosestBase(ctx context.Context, snapshot string) (string, error)
}

type Estimate struct {
	Target string
	Base   string // empty for full stream
	Bytes  uint64
}

type Estimator struct {
	zfs     zfscmd.Runner
	bases   BaseFinder
	cache   *lru.Cache // cacheKey => uint64. nil if disabled
	cacheMu sync.Mutex
}

// the (base, target) pair fully determines a stream, so an estimate for it stays valid.
// the base itself is looked up each time, because snapshots come and go.
type cacheKey struct {
	base   string
	target string
}

// cacheSize 0 disables caching
func New(zfs zfscmd.Runner, bases BaseFinder, cacheSize int) *Estimator {
	var cache *lru.Cache
	if cacheSize > 0 {
		cache = lru.New(cacheSize)
	}

	return &Estimator{
		zfs:   zfs,
		bases: bases,
		cache: cache,
	}
}

func (e *Estimator) Estimate(ctx context.Context, snapshot string) (*Estimate, error) {
	base, err := e.bases.FindClosestBase(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEstimationFailed, snapshot, err)
	}

	key := cacheKey{base: base, target: snapshot}

	if cached, found := e.getCached(key); found {
		return &Estimate{Target: snapshot, Base: base, Bytes: cached}, nil
	}

	output, err := e.zfs.Output(ctx, DryRunArgs(base, snapshot)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEstimationFailed, snapshot, err)
	}

	size, err := parseDryRunSize(string(output))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEstimationFailed, snapshot, err)
	}

	e.setCached(key, size)

	return &Estimate{Target: snapshot, Base: base, Bytes: size}, nil
}

// base may be empty (full stream)
func DryRunArgs(base string, snapshot string) []string {
	if base != "" {
		return []string{"send", "-n", "-v", "-P", "-i", base, snapshot}
	}

	return []string{"send", "-n", "-v", "-P", snapshot}
}

// output looks like:
//
//	incremental	s1	tank/a@s2	4242
//	size	4242
func parseDryRunSize(output string) (uint64, error) {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("expected at least 2 lines of output; got %d", len(lines))
	}

	fields := strings.Split(lines[1], "\t")
	if len(fields) != 2 {
		return 0, fmt.Errorf("unexpected size line: %q", lines[1])
	}

	size, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected size line: %q: %v", lines[1], err)
	}

	return size, nil
}

func (e *Estimator) getCached(key cacheKey) (uint64, bool) {
	if e.cache == nil {
		return 0, false
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	cached, found := e.cache.Get(key)
	if !found {
		return 0, false
	}

	return cached.(uint64), true
}

func (e *Estimator) setCached(key cacheKey, size uint64) {
	if e.cache == nil {
		return
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	e.cache.Add(key, size)
}
