// Package cpmfs implements the CP/M-family flat filesystem over a
// sector-addressable disk: the multi-extent directory, the block
// allocator, and the file I/O callbacks. The two supported formats are
// configurations of the same engine; see Variant.
package cpmfs

import (
	"fmt"
	"log"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	fusespectrum "github.com/mdontu/fuse-spectrum"
)

// FS is the directory-and-allocation engine for one mounted image.
type FS struct {
	disk       fusespectrum.Disk
	variant    Variant
	interleave []int
	firstBlock int
	entries    []Entry
}

// New loads the directory of disk interpreted as the given variant.
// It fails with ErrUnsupportedGeometry when no interleave table
// matches the disk's sectors per head.
func New(disk fusespectrum.Disk, variant Variant) (*FS, error) {
	props := disk.Properties()

	fs := &FS{
		disk:       disk,
		variant:    variant,
		firstBlock: int(variant.DPB.OFF) * props.SectorsPerTrack() * props.SectorSize / blockSize,
	}

	for _, table := range variant.Interleaves {
		if len(table) == props.Sectors {
			fs.interleave = table
			break
		}
	}

	if fs.interleave == nil {
		return nil, fmt.Errorf("%w: no sector interleave available for the current number of sectors (%d)",
			fusespectrum.ErrUnsupportedGeometry, props.Sectors)
	}

	if err := fs.loadFAT(); err != nil {
		return nil, err
	}

	return fs, nil
}

// Close flushes the directory back to the disk if anything was
// written.
func (fs *FS) Close() error {
	if !fs.disk.Modified() {
		return nil
	}

	return fs.saveFAT()
}

// ipos maps a logical sector position to its physical position through
// the interleave table.
func (fs *FS) ipos(pos int) (int, error) {
	props := fs.disk.Properties()

	apos, err := fusespectrum.LinearDiskPos(props, pos)
	if err != nil {
		return 0, err
	}

	bpos, err := fusespectrum.NewDiskPos(props, apos.Track, apos.Head, fs.interleave[apos.Sector])
	if err != nil {
		return 0, err
	}

	return bpos.Pos, nil
}

// readBlock assembles logical block number block; unformatted sectors
// read as zero fill.
func (fs *FS) readBlock(block int) ([]byte, error) {
	sectorSize := fs.disk.Properties().SectorSize
	buf := make([]byte, 0, blockSize)

	start := (fs.firstBlock + block) * blockSize / sectorSize
	for i := start; i < start+blockSize/sectorSize; i++ {
		pos, err := fs.ipos(i)
		if err != nil {
			return nil, err
		}

		sector := fs.disk.Read(pos)
		if sector.Empty() {
			buf = append(buf, make([]byte, sectorSize)...)
		} else {
			buf = append(buf, sector...)
		}
	}

	return buf, nil
}

func (fs *FS) writeBlock(block int, buf []byte) error {
	sectorSize := fs.disk.Properties().SectorSize

	start := (fs.firstBlock + block) * blockSize / sectorSize
	for nsect := 0; len(buf) > 0; nsect++ {
		n := sectorSize
		if n > len(buf) {
			n = len(buf)
		}

		pos, err := fs.ipos(start + nsect)
		if err != nil {
			return err
		}

		if err := fs.disk.Write(pos, fusespectrum.Sector(buf[:n])); err != nil {
			return err
		}

		buf = buf[n:]
	}

	return nil
}

func (fs *FS) loadFAT() error {
	fs.entries = fs.entries[:0]

	for _, block := range []int{0, 1} {
		buf, err := fs.readBlock(block)
		if err != nil {
			return err
		}

		for off := 0; off+entrySize <= len(buf); off += entrySize {
			fs.entries = append(fs.entries, decodeEntry(buf[off:off+entrySize]))
		}
	}

	return nil
}

// freeBlockMap computes the free-block bitmap: blocks 0 and 1 hold the
// directory, every allocation unit of a live entry is taken.
func (fs *FS) freeBlockMap() ([]bool, error) {
	free := make([]bool, fs.disk.Properties().Size()/blockSize-fs.firstBlock)
	for i := range free {
		free[i] = true
	}

	free[0] = false
	free[1] = false

	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Free() {
			continue
		}

		for _, au := range e.AllocationUnits {
			if int(au) >= len(free) {
				return nil, fmt.Errorf("allocation unit out of range: %d (max: %d)", au, len(free)-1)
			}
			free[au] = false
		}
	}

	return free, nil
}

func (fs *FS) saveFAT() error {
	free, err := fs.freeBlockMap()
	if err != nil {
		return err
	}

	wipe := make([]byte, blockSize)
	for i := range wipe {
		wipe[i] = freeByte
	}

	for block, isFree := range free {
		if isFree {
			if err := fs.writeBlock(block, wipe); err != nil {
				return err
			}
		}
	}

	buf := make([]byte, len(fs.entries)*entrySize)
	for i := range fs.entries {
		fs.entries[i].encode(buf[i*entrySize:])
	}

	for i := 0; i < len(buf)/blockSize; i++ {
		if err := fs.writeBlock(i, buf[i*blockSize:(i+1)*blockSize]); err != nil {
			return err
		}
	}

	if r := len(buf) % blockSize; r != 0 {
		if err := fs.writeBlock(len(buf)/blockSize+1, buf[len(buf)-r:]); err != nil {
			return err
		}
	}

	return nil
}

// find returns the index of the primary entry for name, or -1.
func (fs *FS) find(name string) int {
	for i := range fs.entries {
		e := &fs.entries[i]
		if !e.Free() && !fs.variant.IsExtent(e) && e.Name() == name {
			return i
		}
	}

	return -1
}

// splitPath validates the flat path shape: only "/" and "/<filename>"
// exist.
func splitPath(p string) (name string, root, ok bool) {
	if p == "/" {
		return "", true, true
	}

	if path.Dir(p) != "/" {
		return "", false, false
	}

	return path.Base(p), false, true
}

func eio(err error) int {
	log.Printf("error: %v", err)
	return -int(syscall.EIO)
}

func (fs *FS) Getattr(p string, out *fuse.Attr) int {
	name, root, ok := splitPath(p)
	if !ok {
		return -int(syscall.ENOENT)
	}

	props := fs.disk.Properties()

	if root {
		n := 0
		for i := range fs.entries {
			e := &fs.entries[i]
			if !e.Free() && !fs.variant.IsExtent(e) {
				n++
			}
		}

		*out = fuse.Attr{}
		out.Mode = syscall.S_IFDIR | 0755
		out.Nlink = 1
		out.Size = uint64(n * 2)
		out.Blksize = uint32(props.SectorSize)
		out.Blocks = blockSize * 2 / 512

		return 0
	}

	size := 0
	entries := 0

	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Free() {
			continue
		}

		if e.Name() == name {
			size += e.Size()
			entries++

			if !e.Full() {
				break
			}
		}
	}

	if entries == 0 {
		return -int(syscall.ENOENT)
	}

	*out = fuse.Attr{}
	out.Mode = syscall.S_IFREG | 0644
	out.Nlink = 1
	out.Size = uint64(size)
	out.Blksize = uint32(props.SectorSize)
	out.Blocks = uint64(size / 512)
	if size%512 != 0 {
		out.Blocks++
	}

	return 0
}

func (fs *FS) Unlink(p string) int {
	name, root, ok := splitPath(p)
	if !ok || root {
		return -int(syscall.ENOENT)
	}

	i := fs.find(name)
	if i < 0 {
		return -int(syscall.ENOENT)
	}

	fs.entries[i].Clear()

	return 0
}

func (fs *FS) Truncate(p string, length uint64) int {
	name, root, ok := splitPath(p)
	if !ok || root {
		return -int(syscall.ENOENT)
	}

	size := 0
	blocks := 0
	entries := 0

	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Free() {
			continue
		}

		if e.Name() != name {
			continue
		}

		size += e.Size()
		blocks += e.Blocks()
		entries++

		if !e.Full() {
			break
		}
	}

	if entries == 0 {
		return -int(syscall.ENOENT)
	}

	if length == uint64(size) {
		return 0
	}

	if length < uint64(size) {
		return fs.shrink(name, length, blocks)
	}

	return fs.grow(name, length, blocks)
}

// shrink releases allocation units from the tail of the file, walking
// the extents in reverse.
func (fs *FS) shrink(name string, length uint64, blocks int) int {
	n := int(length / blockSize)
	if length%blockSize != 0 {
		n++
	}
	n = blocks - n

	for i := len(fs.entries) - 1; i >= 0; i-- {
		e := &fs.entries[i]
		if e.Free() {
			continue
		}

		if e.Name() != name {
			continue
		}

		aunits := maxAllocationUnits
		for aunits > 0 && n > 0 {
			if e.AllocationUnits[aunits-1] != 0 {
				e.AllocationUnits[aunits-1] = 0
				n--
			}
			aunits--
		}

		e.RecordCount = byte(e.Blocks() * blockSize / recordSize)
		if e.RecordCount == 0 && n > 0 {
			e.Clear()
		}
	}

	if n > 0 {
		return -int(syscall.ENOENT)
	}

	return 0
}

// grow extends the file to length bytes, rounded up to whole blocks,
// filling partially-used extents first and claiming fresh directory
// slots for new extents.
// Newly-allocated blocks are wiped with the free byte.
func (fs *FS) grow(name string, length uint64, blocks int) int {
	blockMap, err := fs.freeBlockMap()
	if err != nil {
		return eio(err)
	}

	getFreeBlock := func() uint16 {
		for i, isFree := range blockMap {
			if isFree {
				blockMap[i] = false
				return uint16(i)
			}
		}
		return 0
	}

	n := int(length / blockSize)
	if length%blockSize != 0 {
		n++
	}
	n -= blocks

	wipe := make([]byte, blockSize)
	for i := range wipe {
		wipe[i] = freeByte
	}

	full := false
	extents := 0

	for i := range fs.entries {
		e := &fs.entries[i]

		if !full {
			if e.Free() {
				continue
			}

			if e.Name() != name {
				continue
			}

			extents++

			if e.Full() {
				continue
			}
		} else {
			if !e.Free() {
				continue
			}

			e.Clear()
			e.UserCode = 0
			e.SetName(name)
			fs.variant.SetExtent(e, extents)
			extents++
		}

		aunits := 0
		for ; aunits < maxAllocationUnits && n > 0; aunits++ {
			if e.AllocationUnits[aunits] != 0 {
				continue
			}

			block := getFreeBlock()
			if block == 0 {
				break
			}

			e.AllocationUnits[aunits] = block

			// wipe the block's contents
			if err := fs.writeBlock(int(block), wipe); err != nil {
				return eio(err)
			}

			n--
		}

		e.RecordCount = byte(aunits * blockSize / recordSize)

		full = e.Full()
	}

	if n > 0 {
		return -int(syscall.ENOSPC)
	}

	return 0
}

func (fs *FS) Open(p string) int {
	name, root, ok := splitPath(p)
	if !ok || root {
		return -int(syscall.ENOENT)
	}

	if fs.find(name) < 0 {
		return -int(syscall.ENOENT)
	}

	return 0
}

// totalSize returns the size in bytes of name: the record counts of
// every extent of name times the record size.
func (fs *FS) totalSize(name string) int {
	size := 0

	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Free() {
			continue
		}

		if e.Name() == name {
			size += e.Size()
		}
	}

	return size
}

func (fs *FS) Read(p string, dest []byte, offset int64) int {
	name, root, ok := splitPath(p)
	if !ok || root {
		return -int(syscall.ENOENT)
	}

	totalSize := fs.totalSize(name)

	if offset >= int64(totalSize) {
		return 0
	}

	blockPos := int(offset / blockSize)
	blockOffset := int(offset % blockSize)
	remaining := len(dest)

	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Free() {
			continue
		}

		if e.Name() != name {
			continue
		}

		blocks := e.Blocks()
		if blockPos > blocks {
			blockPos -= blocks
			continue
		}

		for remaining > 0 && totalSize > 0 && blockPos < blocks {
			buf, err := fs.readBlock(int(e.AllocationUnits[blockPos]))
			if err != nil {
				return eio(err)
			}
			blockPos++

			sz := len(buf) - blockOffset
			if sz > remaining {
				sz = remaining
			}
			if sz > totalSize {
				sz = totalSize
			}

			copy(dest[len(dest)-remaining:], buf[blockOffset:blockOffset+sz])

			remaining -= sz
			totalSize -= sz

			blockOffset = 0
		}
		blockPos = 0
	}

	return len(dest) - remaining
}

func (fs *FS) Write(p string, data []byte, offset int64) int {
	name, root, ok := splitPath(p)
	if !ok || root {
		return -int(syscall.ENOENT)
	}

	totalSize := fs.totalSize(name)

	if offset+int64(len(data)) > int64(totalSize) {
		if ret := fs.Truncate(p, uint64(offset)+uint64(len(data))); ret < 0 {
			return ret
		}

		end := offset + int64(len(data))
		totalSize = int(end / blockSize)
		if end%blockSize != 0 {
			totalSize++
		}
		totalSize *= blockSize
	}

	blockPos := int(offset / blockSize)
	blockOffset := int(offset % blockSize)
	remaining := len(data)

	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Free() {
			continue
		}

		if e.Name() != name {
			continue
		}

		blocks := e.Blocks()
		if blockPos > blocks {
			blockPos -= blocks
			continue
		}

		for remaining > 0 && totalSize > 0 && blockPos < blocks {
			buf, err := fs.readBlock(int(e.AllocationUnits[blockPos]))
			if err != nil {
				return eio(err)
			}

			sz := len(buf) - blockOffset
			if sz > remaining {
				sz = remaining
			}
			if sz > totalSize {
				sz = totalSize
			}

			copy(buf[blockOffset:blockOffset+sz], data[len(data)-remaining:])

			if err := fs.writeBlock(int(e.AllocationUnits[blockPos]), buf); err != nil {
				return eio(err)
			}
			blockPos++

			remaining -= sz
			totalSize -= sz

			blockOffset = 0
		}
		blockPos = 0
	}

	return len(data) - remaining
}

func (fs *FS) Statfs(p string, out *fuse.StatfsOut) int {
	if p != "/" {
		return -int(syscall.ENOENT)
	}

	usedBlocks := 0
	freeEntries := 0

	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Free() {
			freeEntries++
		} else {
			usedBlocks += e.Blocks()
		}
	}

	totalBlocks := fs.disk.Properties().Size()/blockSize - fs.firstBlock - 2

	*out = fuse.StatfsOut{}
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64(totalBlocks)
	out.Bfree = uint64(totalBlocks - usedBlocks)
	out.Bavail = out.Bfree
	out.Files = uint64(len(fs.entries))
	out.Ffree = uint64(freeEntries)
	out.NameLen = nameSize

	return 0
}

func (fs *FS) Release(p string) int {
	name, root, ok := splitPath(p)
	if !ok || root {
		return -int(syscall.ENOENT)
	}

	if fs.find(name) < 0 {
		return -int(syscall.ENOENT)
	}

	return 0
}

func (fs *FS) Readdir(p string, fill func(name string, attr *fuse.Attr) bool) int {
	if p != "/" {
		return -int(syscall.ENOENT)
	}

	props := fs.disk.Properties()

	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Free() || fs.variant.IsExtent(e) {
			continue
		}

		size := fs.totalSize(e.Name())

		var attr fuse.Attr
		attr.Mode = syscall.S_IFREG | 0644
		attr.Nlink = 1
		attr.Size = uint64(size)
		attr.Blksize = uint32(props.SectorSize)
		attr.Blocks = uint64(size / 512)
		if size%512 != 0 {
			attr.Blocks++
		}

		if !fill(e.Name(), &attr) {
			break
		}
	}

	return 0
}

func (fs *FS) Create(p string, mode uint32) int {
	name, root, ok := splitPath(p)
	if !ok || root {
		return -int(syscall.ENOENT)
	}

	if fs.find(name) >= 0 {
		return -int(syscall.EEXIST)
	}

	for i := range fs.entries {
		e := &fs.entries[i]
		if !e.Free() {
			continue
		}

		e.Clear()
		e.UserCode = 0
		e.SetName(name)

		return 0
	}

	return -int(syscall.ENOSPC)
}
