// Package imd reads and writes ImageDisk (IMD) disk images.
//
// An IMD file is an ASCII header and comment followed by a sequence of
// track records; each sector within a track is stored verbatim, as a
// single-byte compressed run, or not at all.
package imd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"time"

	fusespectrum "github.com/mdontu/fuse-spectrum"
)

// Data transfer rate codes from the track header.
const (
	DTR500FM byte = iota
	DTR300FM
	DTR250FM
	DTR500MFM
	DTR300MFM
	DTR250MFM
)

const (
	headerLen = 29 // "IMD v.vv: mm/dd/yyyy hh:mm:ss"

	commentEnd = 0x1a

	cylinderMapFlag = 0x80
	headMapFlag     = 0x40
)

var headerRe = regexp.MustCompile(`^IMD\s[0-9]\.[0-9]{2}:\s`)

var sectorSizes = []int{128, 256, 512, 1024, 2048, 4096, 8192}

func sizeCode(size int) (byte, bool) {
	for code, n := range sectorSizes {
		if n == size {
			return byte(code), true
		}
	}
	return 0, false
}

type track struct {
	mode         byte
	cylinder     byte
	head         byte
	nsectors     byte
	ssize        byte
	numberingMap []byte
	cylinderMap  []byte
	headMap      []byte
	sectors      []fusespectrum.Sector
}

// sectorRef addresses a sector as (track index, sector index) so the
// index survives track vector growth.
type sectorRef struct {
	track  int
	sector int
}

// Disk is an IMD image held fully in memory.
type Disk struct {
	props    fusespectrum.DiskProperties
	tracks   []track
	index    map[int]sectorRef
	modified bool
}

func init() {
	fusespectrum.RegisterFormat(fusespectrum.Format{
		Name:   "imd",
		Detect: Detect,
		Open: func(path string) (fusespectrum.Disk, error) {
			return Open(path)
		},
	})
}

// Detect reports whether header starts an IMD image.
func Detect(header []byte) bool {
	return headerRe.Match(header)
}

// Open parses the IMD image at path.
func Open(path string) (*Disk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parse(data)
}

func parse(data []byte) (*Disk, error) {
	if len(data) < headerLen || !Detect(data) {
		return nil, fmt.Errorf("imd: bad header")
	}

	r := bytes.NewReader(data[headerLen:])

	// skip over the comment
	for {
		c, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("imd: unterminated comment")
		}
		if c == commentEnd {
			break
		}
	}

	d := &Disk{index: make(map[int]sectorRef)}

	// read track by track and sector by sector
	for {
		var hdr [5]byte

		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("imd: truncated track header")
		}

		t := track{
			mode:     hdr[0],
			cylinder: hdr[1],
			head:     hdr[2],
			nsectors: hdr[3],
			ssize:    hdr[4],
		}

		if t.mode > DTR250MFM {
			return nil, fmt.Errorf("imd: invalid mode byte: %d", t.mode)
		}

		if int(t.ssize) >= len(sectorSizes) {
			return nil, fmt.Errorf("imd: invalid sector size: %d", t.ssize)
		}

		t.numberingMap = make([]byte, t.nsectors)
		if _, err := io.ReadFull(r, t.numberingMap); err != nil {
			return nil, fmt.Errorf("imd: truncated sector numbering map")
		}

		if t.head&cylinderMapFlag != 0 {
			t.cylinderMap = make([]byte, t.nsectors)
			if _, err := io.ReadFull(r, t.cylinderMap); err != nil {
				return nil, fmt.Errorf("imd: truncated cylinder map")
			}
		}

		if t.head&headMapFlag != 0 {
			t.headMap = make([]byte, t.nsectors)
			if _, err := io.ReadFull(r, t.headMap); err != nil {
				return nil, fmt.Errorf("imd: truncated head map")
			}
		}

		size := sectorSizes[t.ssize]
		t.sectors = make([]fusespectrum.Sector, 0, t.nsectors)

		for i := 0; i < int(t.nsectors); i++ {
			hdr, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("imd: truncated sector record")
			}

			switch {
			case hdr == 0:
				t.sectors = append(t.sectors, nil)
			case hdr&0x01 != 0:
				buf := make(fusespectrum.Sector, size)
				if _, err := io.ReadFull(r, buf); err != nil {
					return nil, fmt.Errorf("imd: truncated sector data")
				}
				t.sectors = append(t.sectors, buf)
			default:
				b, err := r.ReadByte()
				if err != nil {
					return nil, fmt.Errorf("imd: truncated compressed sector")
				}
				buf := make(fusespectrum.Sector, size)
				for j := range buf {
					buf[j] = b
				}
				t.sectors = append(t.sectors, buf)
			}
		}

		d.tracks = append(d.tracks, t)
	}

	sortTracks(d.tracks)

	d.props = deriveProperties(d.tracks)

	for ti := range d.tracks {
		t := &d.tracks[ti]
		for i := 0; i < int(t.nsectors); i++ {
			dpos, err := fusespectrum.NewDiskPos(d.props, int(t.cylinder), int(t.head&0x01), int(t.numberingMap[i])-1)
			if err != nil {
				return nil, fmt.Errorf("imd: %w", err)
			}
			d.index[dpos.Pos] = sectorRef{track: ti, sector: i}
		}
	}

	return d, nil
}

func sortTracks(tracks []track) {
	// insertion sort keeps equal cylinders in file order
	for i := 1; i < len(tracks); i++ {
		for j := i; j > 0 && tracks[j].cylinder < tracks[j-1].cylinder; j-- {
			tracks[j], tracks[j-1] = tracks[j-1], tracks[j]
		}
	}
}

func deriveProperties(tracks []track) fusespectrum.DiskProperties {
	var maxCylinder, maxHead, sectorSize int

	counts := make(map[int]int)

	for _, t := range tracks {
		if c := int(t.cylinder); c > maxCylinder {
			maxCylinder = c
		}
		if h := int(t.head & 0x01); h > maxHead {
			maxHead = h
		}
		if s := sectorSizes[t.ssize]; s > sectorSize {
			sectorSize = s
		}
		counts[int(t.nsectors)]++
	}

	sectors := 0
	for n, c := range counts {
		if c > counts[sectors] || (c == counts[sectors] && n > sectors) {
			sectors = n
		}
	}

	if len(counts) > 1 {
		log.Printf("warning: multiple sector counts per track are not supported")
		log.Printf("warning: choosing the most common count: %d", sectors)
	}

	return fusespectrum.DiskProperties{
		Tracks:     maxCylinder + 1,
		Heads:      maxHead + 1,
		Sectors:    sectors,
		SectorSize: sectorSize,
	}
}

func (d *Disk) Properties() fusespectrum.DiskProperties {
	return d.props
}

func (d *Disk) Read(pos int) fusespectrum.Sector {
	if ref, ok := d.index[pos]; ok {
		return d.tracks[ref.track].sectors[ref.sector]
	}

	return nil
}

func (d *Disk) Write(pos int, sector fusespectrum.Sector) error {
	if pos < 0 || pos > d.props.MaxPos() {
		return fmt.Errorf("%w: %d (max: %d)", fusespectrum.ErrOutOfRange, pos, d.props.MaxPos())
	}

	if !sector.Empty() && len(sector) != d.props.SectorSize {
		return fmt.Errorf("%w: %d (expected: %d)", fusespectrum.ErrSectorSize, len(sector), d.props.SectorSize)
	}

	if ref, ok := d.index[pos]; ok {
		d.tracks[ref.track].sectors[ref.sector] = append(fusespectrum.Sector(nil), sector...)
	} else if err := d.materialize(pos, sector); err != nil {
		return err
	}

	d.modified = true

	return nil
}

// materialize builds the track enclosing pos, places sector in it and
// indexes every sector of the new track.
func (d *Disk) materialize(pos int, sector fusespectrum.Sector) error {
	dpos, err := fusespectrum.LinearDiskPos(d.props, pos)
	if err != nil {
		return err
	}

	t := track{
		cylinder: byte(dpos.Track),
		head:     byte(dpos.Head),
		nsectors: byte(d.props.Sectors),
	}

	if len(d.tracks) == 0 {
		t.mode = DTR250MFM
	} else {
		t.mode = d.tracks[0].mode
	}

	code, ok := sizeCode(len(sector))
	if !ok {
		return fmt.Errorf("imd: unsupported sector size: %d", len(sector))
	}
	t.ssize = code

	if len(d.tracks) == 0 {
		t.numberingMap = make([]byte, t.nsectors)
		for i := range t.numberingMap {
			t.numberingMap[i] = byte(i + 1)
		}
	} else {
		t.numberingMap = append([]byte(nil), d.tracks[0].numberingMap...)
	}

	t.sectors = make([]fusespectrum.Sector, t.nsectors)
	t.sectors[dpos.Sector] = append(fusespectrum.Sector(nil), sector...)

	d.tracks = append(d.tracks, t)
	ti := len(d.tracks) - 1

	for i := 0; i < int(t.nsectors); i++ {
		ipos, err := fusespectrum.NewDiskPos(d.props, int(t.cylinder), int(t.head), int(t.numberingMap[i])-1)
		if err != nil {
			return err
		}
		d.index[ipos.Pos] = sectorRef{track: ti, sector: i}
	}

	return nil
}

func (d *Disk) Modified() bool {
	return d.modified
}

func (d *Disk) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)

	fmt.Fprintf(w, "IMD 1.17: %s\r\n", time.Now().Format("01/02/2006 15:04:05"))
	fmt.Fprintf(w, "fsp %s%c", fusespectrum.Version, commentEnd)

	for _, t := range d.tracks {
		w.Write([]byte{t.mode, t.cylinder, t.head, t.nsectors, t.ssize})
		w.Write(t.numberingMap)

		if t.head&cylinderMapFlag != 0 {
			w.Write(t.cylinderMap)
		}

		if t.head&headMapFlag != 0 {
			w.Write(t.headMap)
		}

		for _, sector := range t.sectors {
			switch {
			case sector.Empty():
				w.WriteByte(0x00)
			case uniform(sector):
				w.Write([]byte{0x02, sector[0]})
			default:
				w.WriteByte(0x01)
				w.Write(sector)
			}
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// uniform reports whether every byte of the sector equals the first.
func uniform(s fusespectrum.Sector) bool {
	for _, b := range s {
		if b != s[0] {
			return false
		}
	}
	return true
}
