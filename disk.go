package fusespectrum

import (
	"errors"
	"fmt"
	"os"
)

// Sector holds the raw contents of a single disk sector. A nil or
// zero-length Sector marks an unformatted position; readers substitute
// zero fill for it.
type Sector []byte

// Empty reports whether the sector is the unformatted sentinel.
func (s Sector) Empty() bool {
	return len(s) == 0
}

// DiskParameterBlock carries the CP/M layout constants of a filesystem
// variant. See https://www.seasip.info/Cpm/format22.html
type DiskParameterBlock struct {
	SPT uint16 // number of 128-byte records per track
	BSH uint8  // block shift; 3 => 1k, 4 => 2k, 5 => 4k ...
	BLM uint8  // block mask; 7 => 1k, 0x0f => 2k, 0x1f => 4k ...
	EXM uint8  // extent mask
	DSM uint16 // (no. of blocks on the disc) - 1
	DRM uint16 // (no. of directory entries) - 1
	AL0 uint8  // directory allocation bitmap, first byte
	AL1 uint8  // directory allocation bitmap, second byte
	CKS uint16 // checksum vector size, 0 for a fixed disc
	OFF uint16 // offset, number of reserved tracks
}

var (
	ErrUnknownFormat       = errors.New("unknown disk image format")
	ErrInvalidGeometry     = errors.New("invalid disk geometry")
	ErrOutOfRange          = errors.New("sector position out of range")
	ErrSectorSize          = errors.New("sector size mismatch")
	ErrUnsupportedGeometry = errors.New("unsupported disk geometry")
)

// Disk is a uniform sector-addressable view over a loaded disk image.
// Sectors are addressed by their linear position; see DiskPos.
type Disk interface {
	Properties() DiskProperties

	// Read returns the sector at pos, or the empty sentinel when the
	// position is unformatted.
	Read(pos int) Sector

	Write(pos int, sector Sector) error

	// Modified reports whether any write succeeded since load.
	Modified() bool

	Save(path string) error
}

// Format describes a disk image codec. Detect sniffs the first bytes
// of the file; Open parses the whole image.
type Format struct {
	Name   string
	Detect func(header []byte) bool
	Open   func(path string) (Disk, error)
}

var formats []Format

// RegisterFormat makes a codec available to Open. Codec packages call
// it from init; detection runs in registration order.
func RegisterFormat(f Format) {
	formats = append(formats, f)
}

const sniffLen = 256

// Open sniffs the image header and hands the file to the first codec
// that recognizes it.
func Open(path string) (Disk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	header := make([]byte, sniffLen)
	n, _ := f.Read(header)
	f.Close()

	for _, format := range formats {
		if format.Detect(header[:n]) {
			return format.Open(path)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}
