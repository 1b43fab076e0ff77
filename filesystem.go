package fusespectrum

import (
	"log"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// Filesystem is the set of callbacks a mounted filesystem answers.
// Return values follow the POSIX convention: negative errno on
// failure, nonnegative on success. Read and Write return the number of
// bytes transferred.
type Filesystem interface {
	Getattr(path string, out *fuse.Attr) int

	Unlink(path string) int

	Truncate(path string, length uint64) int

	Open(path string) int

	Read(path string, dest []byte, offset int64) int

	Write(path string, data []byte, offset int64) int

	Statfs(path string, out *fuse.StatfsOut) int

	Release(path string) int

	// Readdir enumerates the directory at path. fill reports whether
	// enumeration should continue.
	Readdir(path string, fill func(name string, attr *fuse.Attr) bool) int

	Create(path string, mode uint32) int
}

// Dispatcher serializes host callbacks onto a Filesystem. Read-like
// operations take the lock shared, mutations take it exclusive, so
// every callback observes a consistent directory and block map.
// Unexpected failures collapse to -EIO.
type Dispatcher struct {
	mu sync.RWMutex
	fs Filesystem
}

func NewDispatcher(fs Filesystem) *Dispatcher {
	return &Dispatcher{fs: fs}
}

func protect(op func() int) (ret int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("error: %v", r)
			ret = -int(syscall.EIO)
		}
	}()

	return op()
}

func (d *Dispatcher) Getattr(path string, out *fuse.Attr) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return protect(func() int { return d.fs.Getattr(path, out) })
}

func (d *Dispatcher) Unlink(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return protect(func() int { return d.fs.Unlink(path) })
}

func (d *Dispatcher) Truncate(path string, length uint64) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return protect(func() int { return d.fs.Truncate(path, length) })
}

func (d *Dispatcher) Open(path string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return protect(func() int { return d.fs.Open(path) })
}

func (d *Dispatcher) Read(path string, dest []byte, offset int64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return protect(func() int { return d.fs.Read(path, dest, offset) })
}

func (d *Dispatcher) Write(path string, data []byte, offset int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return protect(func() int { return d.fs.Write(path, data, offset) })
}

func (d *Dispatcher) Statfs(path string, out *fuse.StatfsOut) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return protect(func() int { return d.fs.Statfs(path, out) })
}

func (d *Dispatcher) Release(path string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return protect(func() int { return d.fs.Release(path) })
}

func (d *Dispatcher) Readdir(path string, fill func(name string, attr *fuse.Attr) bool) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return protect(func() int { return d.fs.Readdir(path, fill) })
}

func (d *Dispatcher) Create(path string, mode uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return protect(func() int { return d.fs.Create(path, mode) })
}
