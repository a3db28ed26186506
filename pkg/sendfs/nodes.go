package sendfs

// bazil.org/fuse adapter for FileSystem. nodes are cheap path holders; every question is
// answered by FileSystem (and thus by zfs) when the kernel asks.

import (
	"context"
	"os"
	"path"
	"strconv"
	"strings"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

const (
	xattrDataset  = "user.zsendfs.dataset"
	xattrBase     = "user.zsendfs.base"
	xattrEstimate = "user.zsendfs.estimate"
)

type fuseRoot struct {
	fs *FileSystem
}

var _ interface {
	fs.FS
	fs.FSStatfser
} = (*fuseRoot)(nil)

// implements fs.FS
func (r *fuseRoot) Root() (fs.Node, error) {
	return &dirNode{r.fs, "/"}, nil
}

func (r *fuseRoot) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	stats := r.fs.Statistics()

	resp.Bsize = stats.BlockSize
	resp.Frsize = stats.BlockSize
	resp.Blocks = stats.Blocks
	resp.Bfree = stats.BlocksFree
	resp.Bavail = stats.BlocksAvailable
	resp.Files = stats.Files
	resp.Ffree = stats.FilesFree
	resp.Namelen = stats.NameLength

	return nil
}

type dirNode struct {
	fs   *FileSystem
	path string // virtual path
}

var _ interface {
	fs.Node
	fs.NodeStringLookuper
	fs.HandleReadDirAller
} = (*dirNode)(nil)

func (d *dirNode) Attr(ctx context.Context, a *fuse.Attr) error {
	attrs, err := d.fs.Attributes(ctx, d.path)
	if err != nil {
		return d.fs.bridgeError("getattr", d.path, err)
	}

	fillTimes(a, attrs)
	a.Mode = os.ModeDir | 0555

	return nil
}

func (d *dirNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	childPath := path.Join(d.path, name)

	attrs, err := d.fs.Attributes(ctx, childPath)
	if err != nil {
		return nil, d.fs.bridgeError("lookup", childPath, err)
	}

	switch attrs.(type) {
	case SnapshotAttributes:
		return &snapshotFile{d.fs, childPath}, nil
	default:
		return &dirNode{d.fs, childPath}, nil
	}
}

func (d *dirNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	names, err := d.fs.ListDirectory(ctx, d.path)
	if err != nil {
		return nil, d.fs.bridgeError("readdir", d.path, err)
	}

	dirents := []fuse.Dirent{}
	for _, name := range names {
		dirents = append(dirents, fuse.Dirent{
			Name: name,
			Type: direntType(name),
		})
	}

	return dirents, nil
}

type snapshotFile struct {
	fs   *FileSystem
	path string // virtual path
}

var _ interface {
	fs.Node
	fs.NodeOpener
	fs.NodeGetxattrer
	fs.NodeListxattrer
} = (*snapshotFile)(nil)

func (f *snapshotFile) Attr(ctx context.Context, a *fuse.Attr) error {
	attrs, err := f.snapshotAttributes(ctx, "getattr")
	if err != nil {
		return err
	}

	fillTimes(a, attrs)
	a.Mode = 0444
	a.Size = attrs.Size()

	return nil
}

func (f *snapshotFile) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	handle, err := f.fs.Open(ctx, f.path, int(req.Flags))
	if err != nil {
		return nil, f.fs.bridgeError("open", f.path, err)
	}

	// no page cache and no readahead: reads arrive in the order the reader issues them,
	// and reaching the end of the stream before the advertised size is a short read
	resp.Flags |= fuse.OpenDirectIO

	return &streamHandle{f.fs, f.path, handle}, nil
}

func (f *snapshotFile) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	if !strings.HasPrefix(req.Name, "user.zsendfs.") {
		return fuse.ErrNoXattr
	}

	attrs, err := f.snapshotAttributes(ctx, "getxattr")
	if err != nil {
		return err
	}

	value, found := snapshotXattrs(attrs)[req.Name]
	if !found {
		return fuse.ErrNoXattr
	}

	resp.Xattr = []byte(value)

	return nil
}

func (f *snapshotFile) Listxattr(ctx context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	attrs, err := f.snapshotAttributes(ctx, "listxattr")
	if err != nil {
		return err
	}

	// stable order
	for _, name := range []string{xattrDataset, xattrBase, xattrEstimate} {
		if _, found := snapshotXattrs(attrs)[name]; found {
			resp.Append(name)
		}
	}

	return nil
}

func (f *snapshotFile) snapshotAttributes(ctx context.Context, op string) (*SnapshotAttributes, error) {
	attrs, err := f.fs.Attributes(ctx, f.path)
	if err != nil {
		return nil, f.fs.bridgeError(op, f.path, err)
	}

	snapshotAttrs, isSnapshot := attrs.(SnapshotAttributes)
	if !isSnapshot { // was replaced by a dataset since lookup
		return nil, fuse.ENOENT
	}

	return &snapshotAttrs, nil
}

type streamHandle struct {
	fs     *FileSystem
	path   string
	handle HandleID
}

var _ interface {
	fs.HandleReader
	fs.HandleReleaser
} = (*streamHandle)(nil)

func (h *streamHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	data, err := h.fs.Read(h.path, req.Size, req.Offset, h.handle)
	if err != nil {
		return h.fs.bridgeError("read", h.path, err)
	}

	resp.Data = data

	return nil
}

func (h *streamHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return h.fs.bridgeError("release", h.path, h.fs.Release(h.path, h.handle))
}

func snapshotXattrs(attrs *SnapshotAttributes) map[string]string {
	xattrs := map[string]string{
		xattrDataset:  attrs.Name,
		xattrEstimate: strconv.FormatUint(attrs.Estimate.Bytes, 10),
	}

	if attrs.Estimate.Base != "" {
		xattrs[xattrBase] = attrs.Estimate.Base
	}

	return xattrs
}

func fillTimes(a *fuse.Attr, attrs NodeAttributes) {
	a.Atime = attrs.CreatedAt()
	a.Mtime = attrs.CreatedAt()
	a.Ctime = attrs.CreatedAt()
	a.Crtime = attrs.CreatedAt()
}

// snapshot names always contain "@", datasets' never do
func direntType(name string) fuse.DirentType {
	if strings.Contains(name, "@") {
		return fuse.DT_File
	}

	return fuse.DT_Dir
}

// logs the error and maps it to errno
func (f *FileSystem) bridgeError(op string, virtualPath string, err error) error {
	if err == nil {
		return nil
	}

	errno := toFuseError(err)

	if errno == fuse.ENOENT {
		f.logl.Debug.Printf("%s %s: %v", op, virtualPath, err)
	} else {
		f.logl.Error.Printf("%s %s: %v", op, virtualPath, err)
	}

	return errno
}
