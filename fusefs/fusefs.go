// Package fusefs bridges the netpipefs core to the kernel through the
// go-fuse high-level API. Every name under the mount point resolves to a
// virtual pipe file; nothing is ever persisted.
package fusefs

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Domferr/netpipefs"
)

// Mount mounts the filesystem and returns the serving FUSE server.
func Mount(mountpoint string, host *netpipefs.Host, log *logrus.Logger) (*fuse.Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	root := &Root{host: host, log: log.WithField("component", "fusefs")}

	sec := time.Second
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "netpipefs",
			Name:   "netpipefs",
			Debug:  host.Options().Debug,
		},
		AttrTimeout:  &sec,
		EntryTimeout: &sec,
	}
	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	root.log.WithField("mountpoint", mountpoint).Info("mounted")
	return server, nil
}

func fileAttr(out *fuse.Attr) {
	out.Mode = fuse.S_IFREG | 0666
	out.Nlink = 1
	out.Owner = fuse.Owner{
		Uid: uint32(unix.Getuid()),
		Gid: uint32(unix.Getgid()),
	}
}

// Root is the single directory of the filesystem. Lookups never fail:
// every name is a pipe that springs into existence on open, exactly as
// an anonymous pipe end would.
type Root struct {
	fs.Inode

	host *netpipefs.Host
	log  *logrus.Entry
}

var _ fs.InodeEmbedder = (*Root)(nil)
var _ fs.NodeGetattrer = (*Root)(nil)
var _ fs.NodeLookuper = (*Root)(nil)
var _ fs.NodeCreater = (*Root)(nil)
var _ fs.NodeReaddirer = (*Root)(nil)
var _ fs.NodeStatfser = (*Root)(nil)
var _ fs.NodeUnlinker = (*Root)(nil)

func (r *Root) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0755
	out.Nlink = 2
	return 0
}

// Statfs reports generous fake numbers; pipe capacity is not disk space
// but callers insist on checking.
func (r *Root) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	out.Bsize = 4096
	out.NameLen = 255
	out.Blocks = 1 << 20
	out.Bfree = 1 << 20
	out.Bavail = 1 << 20
	return 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node := &pipeNode{host: r.host, path: "/" + name, log: r.log}
	inode := r.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})
	fileAttr(&out.Attr)
	return inode, 0
}

func (r *Root) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	node := &pipeNode{host: r.host, path: "/" + name, log: r.log}
	inode := r.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})
	fh, fuseFlags, errno := node.Open(ctx, flags)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	fileAttr(&out.Attr)
	return inode, fh, fuseFlags, 0
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	paths := r.host.Paths()
	entries := make([]fuse.DirEntry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, fuse.DirEntry{
			Name: p[1:], // drop the leading slash
			Mode: fuse.S_IFREG,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Unlink succeeds without doing anything; pipes disappear on their own
// when the last participant leaves.
func (r *Root) Unlink(ctx context.Context, name string) syscall.Errno {
	return 0
}

// pipeNode is one virtual pipe file.
type pipeNode struct {
	fs.Inode

	host *netpipefs.Host
	path string
	log  *logrus.Entry
}

var _ fs.InodeEmbedder = (*pipeNode)(nil)
var _ fs.NodeGetattrer = (*pipeNode)(nil)
var _ fs.NodeSetattrer = (*pipeNode)(nil)
var _ fs.NodeOpener = (*pipeNode)(nil)

func (n *pipeNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fileAttr(&out.Attr)
	return 0
}

// Setattr accepts truncation so that shells can ">" into a pipe; there
// is no size to change.
func (n *pipeNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	fileAttr(&out.Attr)
	return 0
}

func (n *pipeNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	var mode netpipefs.Mode
	switch int(flags) & unix.O_ACCMODE {
	case unix.O_RDONLY:
		mode = netpipefs.ModeRead
	case unix.O_WRONLY:
		mode = netpipefs.ModeWrite
	default:
		return nil, 0, syscall.EINVAL
	}
	nonblock := int(flags)&unix.O_NONBLOCK != 0

	pipe, err := n.host.Open(n.path, mode, nonblock)
	if err != nil {
		return nil, 0, errnoFrom(err)
	}
	n.log.WithFields(logrus.Fields{"path": n.path, "mode": mode.String()}).Debug("open")

	fh := &pipeHandle{pipe: pipe, mode: mode, nonblock: nonblock}
	return fh, fuse.FOPEN_DIRECT_IO | fuse.FOPEN_NONSEEKABLE, 0
}

// pipeHandle is one open end of a pipe. The mode is fixed at open time;
// offsets are meaningless and ignored.
type pipeHandle struct {
	pipe     *netpipefs.Pipe
	mode     netpipefs.Mode
	nonblock bool
}

var _ fs.FileHandle = (*pipeHandle)(nil)
var _ fs.FileReader = (*pipeHandle)(nil)
var _ fs.FileWriter = (*pipeHandle)(nil)
var _ fs.FileFlusher = (*pipeHandle)(nil)
var _ fs.FileReleaser = (*pipeHandle)(nil)

func (h *pipeHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.pipe.Read(dest, h.nonblock)
	if err != nil {
		return nil, errnoFrom(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *pipeHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.pipe.Send(data, h.nonblock)
	if err != nil {
		return uint32(n), errnoFrom(err)
	}
	return uint32(n), 0
}

func (h *pipeHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (h *pipeHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.pipe.Close(h.mode); err != nil {
		return errnoFrom(err)
	}
	return 0
}

// errnoFrom maps core errors onto the errnos a pipe user expects.
func errnoFrom(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, netpipefs.ErrGone):
		return unix.ENOENT
	case errors.Is(err, netpipefs.ErrWouldBlock):
		return unix.EAGAIN
	case errors.Is(err, netpipefs.ErrBrokenPipe):
		return unix.EPIPE
	case errors.Is(err, netpipefs.ErrRoleConflict), errors.Is(err, netpipefs.ErrNotOpened):
		return unix.EPERM
	default:
		return unix.EIO
	}
}
