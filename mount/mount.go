// Package mount bridges a Dispatcher onto the kernel FUSE interface.
// The filesystem is flat: one root directory holding plain files.
package mount

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	fusespectrum "github.com/mdontu/fuse-spectrum"
)

// Root is the mountpoint directory.
type Root struct {
	fs.Inode

	disp *fusespectrum.Dispatcher
}

var _ = (fs.NodeGetattrer)((*Root)(nil))
var _ = (fs.NodeStatfser)((*Root)(nil))
var _ = (fs.NodeReaddirer)((*Root)(nil))
var _ = (fs.NodeLookuper)((*Root)(nil))
var _ = (fs.NodeCreater)((*Root)(nil))
var _ = (fs.NodeUnlinker)((*Root)(nil))

func errno(ret int) syscall.Errno {
	if ret < 0 {
		return syscall.Errno(-ret)
	}

	return 0
}

func (r *Root) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return errno(r.disp.Getattr("/", &out.Attr))
}

func (r *Root) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return errno(r.disp.Statfs("/", out))
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, 0)

	ret := r.disp.Readdir("/", func(name string, attr *fuse.Attr) bool {
		entries = append(entries, fuse.DirEntry{
			Mode: attr.Mode,
			Name: name,
		})
		return true
	})

	if ret < 0 {
		return nil, errno(ret)
	}

	return fs.NewListDirStream(entries), 0
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	ret := r.disp.Getattr("/"+name, &out.Attr)
	if ret < 0 {
		return nil, errno(ret)
	}

	child := r.NewInode(ctx, &file{disp: r.disp, name: name}, fs.StableAttr{Mode: fuse.S_IFREG})

	return child, 0
}

func (r *Root) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if ret := r.disp.Create("/"+name, mode); ret < 0 {
		return nil, nil, 0, errno(ret)
	}

	if ret := r.disp.Getattr("/"+name, &out.Attr); ret < 0 {
		return nil, nil, 0, errno(ret)
	}

	f := &file{disp: r.disp, name: name}
	child := r.NewInode(ctx, f, fs.StableAttr{Mode: fuse.S_IFREG})

	return child, f, fuse.FOPEN_DIRECT_IO, 0
}

func (r *Root) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(r.disp.Unlink("/" + name))
}

type file struct {
	fs.Inode

	disp *fusespectrum.Dispatcher
	name string
}

var _ = (fs.NodeGetattrer)((*file)(nil))
var _ = (fs.NodeSetattrer)((*file)(nil))
var _ = (fs.NodeOpener)((*file)(nil))
var _ = (fs.NodeReader)((*file)(nil))
var _ = (fs.NodeWriter)((*file)(nil))
var _ = (fs.NodeReleaser)((*file)(nil))

func (f *file) path() string {
	return "/" + f.name
}

func (f *file) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return errno(f.disp.Getattr(f.path(), &out.Attr))
}

func (f *file) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if ret := f.disp.Truncate(f.path(), size); ret < 0 {
			return errno(ret)
		}
	}

	return errno(f.disp.Getattr(f.path(), &out.Attr))
}

func (f *file) Open(ctx context.Context, openFlags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if ret := f.disp.Open(f.path()); ret < 0 {
		return nil, 0, errno(ret)
	}

	return f, fuse.FOPEN_DIRECT_IO, 0
}

func (f *file) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n := f.disp.Read(f.path(), dest, off)
	if n < 0 {
		return nil, errno(n)
	}

	return fuse.ReadResultData(dest[:n]), 0
}

func (f *file) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n := f.disp.Write(f.path(), data, off)
	if n < 0 {
		return 0, errno(n)
	}

	return uint32(n), 0
}

func (f *file) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	return errno(f.disp.Release(f.path()))
}

// Mount attaches the dispatcher at mountpoint and returns the running
// server; the caller waits on it and unmounts.
func Mount(mountpoint string, disp *fusespectrum.Dispatcher, debug bool) (*fuse.Server, error) {
	opts := &fs.Options{}
	opts.Debug = debug

	return fs.Mount(mountpoint, &Root{disp: disp}, opts)
}
