package sendfs

import (
	"errors"
	"syscall"

	"bazil.org/fuse"
	"github.com/function61/zsendfs/pkg/sendstream"
	"github.com/function61/zsendfs/pkg/zfscatalog"
)

// maps our errors to the nearest errno. anything unrecognized is an I/O error.
func toFuseError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zfscatalog.ErrNodeNotFound), errors.Is(err, zfscatalog.ErrSnapshotNotFound):
		return fuse.ENOENT
	case errors.Is(err, ErrInvalidHandle), errors.Is(err, sendstream.ErrBackwardSeek):
		return fuse.Errno(syscall.EINVAL)
	case errors.Is(err, ErrReadOnly):
		return fuse.Errno(syscall.EROFS)
	case errors.Is(err, ErrTooManySessions):
		return fuse.Errno(syscall.EMFILE)
	default:
		return fuse.Errno(syscall.EIO)
	}
}
