package sendfs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/retry"
	"github.com/prometheus/procfs"
)

// serves the filesystem until ctx is cancelled (we then unmount) or until someone else
// unmounts us
func fuseServe(ctx context.Context, conf Config, filesystem *FileSystem, logl *logex.Leveled) error {
	if conf.MountPath == "" {
		return errors.New("mount path not set")
	}

	// all streams die with the mount
	defer filesystem.CloseAllSessions()

	if conf.UnmountFirst {
		if err := unmountIfStale(conf.MountPath, logl); err != nil {
			return err
		}
	}

	mountOptions := []fuse.MountOption{
		fuse.ReadOnly(),
		fuse.FSName("zsendfs"),
		fuse.Subtype("zsendfs"),
	}

	// needed when the streams are consumed by another user (e.g. a backup agent)
	if conf.AllowOther {
		mountOptions = append(mountOptions, fuse.AllowOther())
	}

	fuseConn, err := fuse.Mount(conf.MountPath, mountOptions...)
	if err != nil {
		return fmt.Errorf("mount %s: %w", conf.MountPath, err)
	}
	defer fuseConn.Close()

	serveDone := make(chan interface{})
	defer close(serveDone)

	go func() {
		select {
		case <-serveDone: // unmounted from outside
			return
		case <-ctx.Done():
		}

		tryUnmount := func(_ context.Context) error {
			// unmounting makes the serve loop exit
			return fuse.Unmount(conf.MountPath)
		}

		unmountCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// unmount fails while any process is accessing the mount
		if err := retry.Retry(unmountCtx, tryUnmount, retry.DefaultBackoff(), func(err error) {
			logl.Error.Printf("tryUnmount: %v", err)
		}); err != nil {
			logl.Error.Printf("giving up unmounting: %v", err)
		}
	}()

	logl.Info.Printf("serving %s at %s", filesystem.root, conf.MountPath)

	if err := fs.Serve(fuseConn, &fuseRoot{filesystem}); err != nil {
		return err
	}

	// check if the mount process has an error to report
	<-fuseConn.Ready
	if err := fuseConn.MountError; err != nil {
		return err
	}

	logl.Info.Println("unmounted")

	return nil
}

// previous unclean shutdown leaves a mount that nobody serves ("transport endpoint is not connected")
func unmountIfStale(mountPath string, logl *logex.Leveled) error {
	procSelf, err := procfs.Self()
	if err != nil {
		return err
	}

	mounts, err := procSelf.MountStats()
	if err != nil {
		return err
	}

	if !isMountedAt(mounts, mountPath) {
		return nil
	}

	logl.Info.Printf("unmounting stale %s", mountPath)

	return fuse.Unmount(mountPath)
}

func isMountedAt(mounts []*procfs.Mount, mountPath string) bool {
	cleaned := filepath.Clean(mountPath)

	for _, mount := range mounts {
		if mount.Mount == cleaned {
			return true
		}
	}

	return false
}
