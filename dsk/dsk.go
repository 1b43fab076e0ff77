// Package dsk reads and writes CPC DSK disk images, both the standard
// and the extended layout.
package dsk

import (
	"bytes"
	"fmt"
	"os"

	fusespectrum "github.com/mdontu/fuse-spectrum"
)

const (
	dataAlignment  = 256
	sectorSizeUnit = 256

	creatorLen       = 14
	trackSizeTableLen = 204
)

var (
	stdSignature = []byte("MV - CPCEMU Disk-File\r\nDisk-Info\r\n")
	extSignature = []byte("EXTENDED CPC DSK File\r\nDisk-Info\r\n")
	trackTag     = []byte("Track-Info\r\n")
)

type sectorInfo struct {
	track      byte
	side       byte
	id         byte
	size       byte
	sreg1      byte
	sreg2      byte
	dataLength uint16
}

type track struct {
	track       byte
	side        byte
	sectorSize  byte
	sectorCount byte
	gap         byte
	filler      byte
	infos       []sectorInfo
	sectors     []fusespectrum.Sector
}

type sectorRef struct {
	track  int
	sector int
}

// Disk is a DSK image held fully in memory.
type Disk struct {
	props      fusespectrum.DiskProperties
	extended   bool
	trackSizes []byte
	tracks     []track
	index      map[int]sectorRef
	modified   bool
}

func init() {
	fusespectrum.RegisterFormat(fusespectrum.Format{
		Name:   "dsk",
		Detect: Detect,
		Open: func(path string) (fusespectrum.Disk, error) {
			return Open(path)
		},
	})
}

// Detect reports whether header starts a standard or extended DSK
// image.
func Detect(header []byte) bool {
	return bytes.HasPrefix(header, stdSignature) || bytes.HasPrefix(header, extSignature)
}

// reader is a bounds-checked cursor over the raw image. The first
// failed access sticks in err and turns every later access into a
// no-op.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("dsk: short file at offset %d", r.off)
	}
}

func (r *reader) read8() byte {
	if r.err != nil || r.off >= len(r.data) {
		r.fail()
		return 0
	}

	b := r.data[r.off]
	r.off++

	return b
}

func (r *reader) read16() uint16 {
	lo := r.read8()
	hi := r.read8()

	return uint16(lo) | uint16(hi)<<8
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || r.off+n > len(r.data) {
		r.fail()
		return nil
	}

	b := r.data[r.off : r.off+n]
	r.off += n

	return b
}

func (r *reader) skip(n int) {
	if r.err != nil || r.off+n > len(r.data) {
		r.fail()
		return
	}
	r.off += n
}

// Open parses the DSK image at path.
func Open(path string) (*Disk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return parse(data)
}

func parse(data []byte) (*Disk, error) {
	d := &Disk{index: make(map[int]sectorRef)}

	r := &reader{data: data}

	signature := r.bytes(len(stdSignature))
	if r.err != nil {
		return nil, fmt.Errorf("dsk: failed to read the file header")
	}

	// Jump over the creator string
	r.skip(creatorLen)

	tracks := int(r.read8())
	sides := int(r.read8())

	// Track size; only meaningful for the standard layout
	r.skip(2)

	switch {
	case bytes.Equal(signature, stdSignature):
		// Jump over the unused track size table
		r.skip(trackSizeTableLen)

		for i := 0; i < tracks; i++ {
			if err := d.parseTrack(r, false); err != nil {
				return nil, err
			}
		}
	case bytes.Equal(signature, extSignature):
		d.extended = true

		d.trackSizes = append(d.trackSizes, r.bytes(tracks*sides)...)

		// Position on the first track data
		r.off = dataAlignment

		for t := 0; t < tracks; t++ {
			for s := 0; s < sides; s++ {
				if d.trackSizes[t*sides+s] == 0 {
					continue
				}

				if err := d.parseTrack(r, true); err != nil {
					return nil, err
				}
			}
		}
	}

	if r.err != nil {
		return nil, r.err
	}

	var sectorCount, sectorSize int

	for _, t := range d.tracks {
		if n := int(t.sectorCount); n > sectorCount {
			sectorCount = n
		}
		if n := int(t.sectorSize) * sectorSizeUnit; n > sectorSize {
			sectorSize = n
		}
	}

	d.props = fusespectrum.DiskProperties{
		Tracks:     tracks,
		Heads:      sides,
		Sectors:    sectorCount,
		SectorSize: sectorSize,
	}

	for ti := range d.tracks {
		t := &d.tracks[ti]
		for i := range t.infos {
			info := &t.infos[i]

			dpos, err := fusespectrum.NewDiskPos(d.props, int(info.track), int(info.side), int(info.id)-1)
			if err != nil {
				return nil, fmt.Errorf("dsk: %w", err)
			}
			d.index[dpos.Pos] = sectorRef{track: ti, sector: i}
		}
	}

	return d, nil
}

func (d *Disk) parseTrack(r *reader, extended bool) error {
	trackPos := r.off

	tag := r.bytes(len(trackTag))
	if r.err != nil || !bytes.Equal(tag, trackTag) {
		return fmt.Errorf("dsk: unexpected track tag at offset %d", trackPos)
	}

	r.skip(4)

	t := track{}

	t.track = r.read8()
	t.side = r.read8()

	r.skip(2)

	t.sectorSize = r.read8()
	t.sectorCount = r.read8()
	t.gap = r.read8()
	t.filler = r.read8()

	for j := 0; j < int(t.sectorCount); j++ {
		info := sectorInfo{
			track: r.read8(),
			side:  r.read8(),
			id:    r.read8(),
			size:  r.read8(),
			sreg1: r.read8(),
			sreg2: r.read8(),
		}

		if extended {
			info.dataLength = r.read16()
		} else {
			r.skip(2)
		}

		t.infos = append(t.infos, info)
	}

	// Jump to the first sector data
	r.off = trackPos + dataAlignment

	for _, info := range t.infos {
		size := int(info.size) * sectorSizeUnit
		if extended {
			size = int(info.dataLength)
		}

		t.sectors = append(t.sectors, append(fusespectrum.Sector(nil), r.bytes(size)...))
	}

	if r.err != nil {
		return r.err
	}

	d.tracks = append(d.tracks, t)

	return nil
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

// materialize builds the track enclosing pos with the format defaults
// and places sector in it; the other sectors stay empty and serialize
// as filler.
func (d *Disk) materialize(pos int, sector fusespectrum.Sector) error {
	dpos, err := fusespectrum.LinearDiskPos(d.props, pos)
	if err != nil {
		return err
	}

	t := track{
		track:       byte(dpos.Track),
		side:        byte(dpos.Head),
		sectorSize:  byte(d.props.SectorSize / sectorSizeUnit),
		sectorCount: byte(d.props.Sectors),

		// PC-compatible disk controllers do not use a gap but drivers
		// specify 0x1b (27) just in case.
		gap: 0x1b,

		filler: 0xe5,
	}

	for i := 0; i < int(t.sectorCount); i++ {
		info := sectorInfo{
			track: byte(dpos.Track),
			side:  byte(dpos.Head),
			id:    byte(i + 1),
			size:  byte(d.props.SectorSize / sectorSizeUnit),
		}

		if d.extended {
			info.dataLength = uint16(d.props.SectorSize)
		}

		t.infos = append(t.infos, info)
	}

	t.sectors = make([]fusespectrum.Sector, t.sectorCount)
	t.sectors[dpos.Sector] = append(fusespectrum.Sector(nil), sector...)

	d.tracks = append(d.tracks, t)
	ti := len(d.tracks) - 1

	for i := 0; i < int(t.sectorCount); i++ {
		ipos, err := fusespectrum.NewDiskPos(d.props, dpos.Track, dpos.Head, i)
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
	var buf bytes.Buffer

	if d.extended {
		buf.Write(extSignature)
	} else {
		buf.Write(stdSignature)
	}

	creator := make([]byte, creatorLen)
	copy(creator, "fsp "+fusespectrum.Version)
	buf.Write(creator)

	buf.WriteByte(byte(d.props.Tracks))
	buf.WriteByte(byte(d.props.Heads))

	if d.extended {
		buf.Write([]byte{0x00, 0x00})
		buf.Write(d.trackSizes)
	} else {
		trackSize := d.props.Sectors*d.props.SectorSize + sectorSizeUnit
		buf.WriteByte(byte(trackSize & 0xff))
		buf.WriteByte(byte(trackSize >> 8))
		buf.Write(make([]byte, trackSizeTableLen))
	}

	if pad := buf.Len() % dataAlignment; pad != 0 {
		buf.Write(make([]byte, dataAlignment-pad))
	}

	for _, t := range d.tracks {
		trackPos := buf.Len()

		buf.Write(trackTag)
		buf.Write(make([]byte, 4))

		buf.WriteByte(t.track)
		buf.WriteByte(t.side)

		if d.extended {
			buf.Write([]byte{0x00, 0x00})
		} else {
			buf.Write([]byte{0x01, 0x00})
		}

		buf.WriteByte(t.sectorSize)
		buf.WriteByte(t.sectorCount)
		buf.WriteByte(t.gap)
		buf.WriteByte(t.filler)

		for _, info := range t.infos {
			buf.Write([]byte{info.track, info.side, info.id, info.size, info.sreg1, info.sreg2})
			buf.WriteByte(byte(info.dataLength & 0xff))
			buf.WriteByte(byte(info.dataLength >> 8))
		}

		buf.Write(make([]byte, trackPos+dataAlignment-buf.Len()))

		for _, sector := range t.sectors {
			if sector.Empty() {
				buf.Write(bytes.Repeat([]byte{t.filler}, int(t.sectorSize)*sectorSizeUnit))
			} else {
				buf.Write(sector)
			}
		}
	}

	return os.WriteFile(path, buf.Bytes(), 0644)
}
