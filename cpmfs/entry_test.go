package cpmfs

import (
	"bytes"
	"testing"
)

func TestEntryCodecRoundTrip(t *testing.T) {
	e := Entry{
		UserCode:    0,
		ExLo:        3,
		ExHi:        1,
		RecordCount: 128,
	}
	e.SetName("TEST.BIN")
	e.AllocationUnits = [maxAllocationUnits]uint16{2, 3, 4, 0x1234, 0, 0, 0, 0}

	buf := make([]byte, entrySize)
	e.encode(buf)

	if buf[16] != 2 || buf[17] != 0 {
		t.Error("allocation units are not little-endian")
	}
	if buf[22] != 0x34 || buf[23] != 0x12 {
		t.Errorf("allocation unit 3 encoded as %02x %02x", buf[22], buf[23])
	}

	back := decodeEntry(buf)
	if back != e {
		t.Fatalf("round trip changed the entry:\n%+v\n%+v", e, back)
	}
}

func TestEntryAttributeBits(t *testing.T) {
	e := Entry{}
	e.SetName("FLAGGED.COM")

	// read-only and hidden flags ride the high bits of the ninth and
	// tenth name bytes
	e.RawName[8] |= 0x80
	e.RawName[9] |= 0x80

	if !e.ReadOnly() || !e.Hidden() {
		t.Fatal("attribute bits not reported")
	}

	if e.Name() != "FLAGGED.COM" {
		t.Fatalf("attribute bits leak into the name: %q", e.Name())
	}

	buf := make([]byte, entrySize)
	e.encode(buf)
	back := decodeEntry(buf)

	if !back.ReadOnly() || !back.Hidden() {
		t.Fatal("attribute bits lost across encode/decode")
	}
}

func TestEntryNames(t *testing.T) {
	tests := []struct {
		set  string
		want string
	}{
		{"A", "A"},
		{"HELLO.TXT", "HELLO.TXT"},
		{"ELEVEN.CHAR", "ELEVEN.CHAR"},
		{"WAYTOOLONGNAME.TXT", "WAYTOOLONGN"},
	}

	for _, tt := range tests {
		e := Entry{}
		e.SetName(tt.set)

		if got := e.Name(); got != tt.want {
			t.Errorf("SetName(%q): got %q, want %q", tt.set, got, tt.want)
		}
	}
}

func TestEntryNameSlashes(t *testing.T) {
	e := Entry{}
	e.SetName("A/B")

	if e.Name() != "A?B" {
		t.Fatalf("got %q, want %q", e.Name(), "A?B")
	}
}

func TestEntryClear(t *testing.T) {
	e := Entry{UserCode: 0, RecordCount: 42}
	e.SetName("GONE")
	e.AllocationUnits[0] = 7

	e.Clear()

	if !e.Free() {
		t.Fatal("cleared entry not free")
	}

	if e.RecordCount != 0 || e.Blocks() != 0 {
		t.Fatal("cleared entry retains allocation state")
	}

	if !bytes.Equal(e.RawName[:], bytes.Repeat([]byte{' '}, nameSize)) {
		t.Fatal("cleared entry retains a name")
	}
}

func TestEntryPredicates(t *testing.T) {
	e := Entry{RecordCount: 128}
	if !e.Full() {
		t.Error("an entry with 128 records should be full")
	}

	e.RecordCount = 127
	if e.Full() {
		t.Error("an entry with 127 records should not be full")
	}

	if e.Size() != 127*recordSize {
		t.Errorf("size: got %d, want %d", e.Size(), 127*recordSize)
	}

	cpm := Entry{ExLo: 0, ExHi: 1}
	if CPM.IsExtent(&cpm) {
		t.Error("CP/M treats ex_hi-only entries as primaries")
	}
	if !HC.IsExtent(&cpm) {
		t.Error("HC treats ex_hi-only entries as continuations")
	}

	both := Entry{ExLo: 1}
	if !CPM.IsExtent(&both) || !HC.IsExtent(&both) {
		t.Error("ex_lo != 0 marks a continuation in both variants")
	}
}

func TestVariantExtentEncoding(t *testing.T) {
	var e Entry

	CPM.SetExtent(&e, 33)
	if e.ExLo != 1 || e.ExHi != 1 {
		t.Errorf("CP/M encoding of extent 33: ex_lo=%d ex_hi=%d", e.ExLo, e.ExHi)
	}

	e = Entry{}
	HC.SetExtent(&e, 33)
	if e.ExLo != 33 || e.ExHi != 0 {
		t.Errorf("HC encoding of extent 33: ex_lo=%d ex_hi=%d", e.ExLo, e.ExHi)
	}
}
