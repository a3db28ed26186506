// Projects ZFS datasets as directories and their snapshots as files that read as
// "zfs send" streams, generated on demand
package sendfs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"syscall"

	"github.com/function61/gokit/logex"
	"github.com/function61/zsendfs/pkg/sendstream"
	"github.com/function61/zsendfs/pkg/zfscatalog"
	"github.com/function61/zsendfs/pkg/zfscmd"
	"github.com/function61/zsendfs/pkg/zfssize"
)

var ErrReadOnly = errors.New("read-only filesystem")

// estimates tend to undercount the real stream length
const sizeSafetyMultiplier = 2

type FileSystem struct {
	root      string
	zfs       zfscmd.Runner
	catalog   *zfscatalog.Catalog
	estimator *zfssize.Estimator
	sessions  *sessionRegistry
	metrics   *metricsController
	logger    *log.Logger
	logl      *logex.Leveled
}

func NewFileSystem(
	conf Config,
	zfs zfscmd.Runner,
	metrics *metricsController,
	logger *log.Logger,
) *FileSystem {
	catalog := zfscatalog.New(zfs)

	return &FileSystem{
		root:      strings.TrimRight(conf.Pool, "/"),
		zfs:       zfs,
		catalog:   catalog,
		estimator: zfssize.New(zfs, catalog, conf.EstimateCacheSize),
		sessions:  newSessionRegistry(conf.MaxSessions),
		metrics:   metrics,
		logger:    logger,
		logl:      logex.Levels(logex.NonNil(logger)),
	}
}

// "/a@s1" => "tank/a@s1". purely syntactic.
func (f *FileSystem) DatasetPath(virtualPath string) string {
	return strings.TrimRight(f.root+virtualPath, "/")
}

func (f *FileSystem) Attributes(ctx context.Context, virtualPath string) (NodeAttributes, error) {
	node, err := f.catalog.Lookup(ctx, f.DatasetPath(virtualPath))
	if err != nil {
		return nil, err
	}

	switch node.Kind {
	case zfscatalog.NodeKindSnapshot:
		estimate, err := f.estimator.Estimate(ctx, node.Name)
		if err != nil {
			return nil, err
		}

		return SnapshotAttributes{
			Name:     node.Name,
			Created:  node.Created,
			Estimate: *estimate,
		}, nil
	default:
		return ContainerAttributes{
			Name:    node.Name,
			Created: node.Created,
		}, nil
	}
}

// self and parent entries come first. names are relative to the listed directory.
func (f *FileSystem) ListDirectory(ctx context.Context, virtualPath string) ([]string, error) {
	children, err := f.catalog.ListChildren(ctx, f.DatasetPath(virtualPath))
	if err != nil {
		return nil, err
	}

	names := []string{".", ".."}
	for _, child := range children {
		names = append(names, child.Name())
	}

	return names, nil
}

func (f *FileSystem) Open(ctx context.Context, virtualPath string, flags int) (HandleID, error) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return 0, fmt.Errorf("%w: open %s for writing", ErrReadOnly, virtualPath)
	}

	release, err := f.sessions.reserve()
	if err != nil {
		f.metrics.sessionsRejected.Inc()
		return 0, err
	}

	sess, err := sendstream.Open(
		ctx,
		f.DatasetPath(virtualPath),
		f.catalog,
		f.zfs,
		f.metrics,
		f.logger)
	if err != nil {
		release()
		return 0, err
	}

	handle := f.sessions.insert(sess)

	f.metrics.sessionsOpened.Inc()
	f.metrics.sessionsOpen.Inc()

	f.logl.Debug.Printf("open %s => handle %d", virtualPath, handle)

	return handle, nil
}

func (f *FileSystem) Read(virtualPath string, length int, offset int64, handle HandleID) ([]byte, error) {
	sess, err := f.sessions.lookup(handle)
	if err != nil {
		return nil, err
	}

	return sess.Read(length, offset)
}

func (f *FileSystem) Release(virtualPath string, handle HandleID) error {
	sess, releaseSlot, err := f.sessions.remove(handle)
	if err != nil {
		return err
	}
	defer releaseSlot()

	f.metrics.sessionsOpen.Dec()

	f.logl.Debug.Printf("release %s (handle %d)", virtualPath, handle)

	return sess.Close()
}

// terminates every open stream. used when unmounting.
func (f *FileSystem) CloseAllSessions() {
	for _, sess := range f.sessions.removeAll() {
		f.metrics.sessionsOpen.Dec()

		if err := sess.Close(); err != nil {
			f.logl.Error.Printf("closing %s: %v", sess.Target(), err)
		}

		f.sessions.releaseSlot()
	}
}

type Statistics struct {
	BlockSize       uint32
	Blocks          uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	Files           uint64
	FilesFree       uint64
	NameLength      uint32
}

// placeholders. free space has no meaning over streams.
func (f *FileSystem) Statistics() Statistics {
	return Statistics{
		BlockSize:  4096,
		Blocks:     1 << 16,
		NameLength: 1024,
	}
}
