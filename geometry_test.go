package fusespectrum

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDiskPosRoundTrip(t *testing.T) {
	props := DiskProperties{Tracks: 80, Heads: 2, Sectors: 9, SectorSize: 512}

	for pos := 0; pos <= props.MaxPos(); pos++ {
		dpos, err := LinearDiskPos(props, pos)
		if err != nil {
			t.Fatalf("pos %d: %s", pos, err)
		}

		back, err := NewDiskPos(props, dpos.Track, dpos.Head, dpos.Sector)
		if err != nil {
			t.Fatalf("pos %d: %s", pos, err)
		}

		if back.Pos != pos {
			t.Fatalf("pos %d: round trip produced %d", pos, back.Pos)
		}
	}
}

func TestDiskPosForward(t *testing.T) {
	props := DiskProperties{Tracks: 80, Heads: 2, Sectors: 9, SectorSize: 512}

	tests := []struct {
		track, head, sector int
		pos                 int
	}{
		{0, 0, 0, 0},
		{0, 0, 8, 8},
		{0, 1, 0, 9},
		{1, 0, 0, 18},
		{3, 1, 4, 3*18 + 9 + 4},
		{79, 1, 8, props.MaxPos()},
	}

	for _, tt := range tests {
		dpos, err := NewDiskPos(props, tt.track, tt.head, tt.sector)
		if err != nil {
			t.Fatalf("(%d,%d,%d): %s", tt.track, tt.head, tt.sector, err)
		}

		if dpos.Pos != tt.pos {
			t.Errorf("(%d,%d,%d): got pos %d, want %d", tt.track, tt.head, tt.sector, dpos.Pos, tt.pos)
		}
	}
}

func TestValidate(t *testing.T) {
	props := DiskProperties{Tracks: 80, Heads: 2, Sectors: 9, SectorSize: 512}

	tests := []struct {
		track, head, sector int
	}{
		{80, 0, 0},
		{0, 2, 0},
		{0, 0, 9},
		{-1, 0, 0},
	}

	for _, tt := range tests {
		if _, err := NewDiskPos(props, tt.track, tt.head, tt.sector); !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("(%d,%d,%d): expected ErrInvalidGeometry, got %v", tt.track, tt.head, tt.sector, err)
		}
	}

	if _, err := LinearDiskPos(props, props.MaxPos()+1); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("expected ErrInvalidGeometry for pos past the end, got %v", err)
	}
}

func TestProperties(t *testing.T) {
	props := DiskProperties{Tracks: 80, Heads: 2, Sectors: 9, SectorSize: 512}

	if props.SectorsPerTrack() != 18 {
		t.Errorf("sectors per track: got %d, want 18", props.SectorsPerTrack())
	}

	if props.MaxPos() != 80*18-1 {
		t.Errorf("max pos: got %d, want %d", props.MaxPos(), 80*18-1)
	}

	if props.Size() != 80*18*512 {
		t.Errorf("size: got %d, want %d", props.Size(), 80*18*512)
	}
}

func TestOpenUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.img")
	if err := os.WriteFile(path, []byte("this is not a disk image"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}
