package cpmfs

import (
	"fmt"
	"io"
)

// PrintFAT writes a human-readable listing of the live directory
// entries.
func (fs *FS) PrintFAT(w io.Writer) {
	n := 0

	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Free() {
			continue
		}

		fmt.Fprintf(w, "entry: %d\n", n)
		n++

		fmt.Fprintf(w, "\tname: %q", e.Name())

		if e.ReadOnly() {
			fmt.Fprint(w, " (read-only)")
		}

		if e.Hidden() {
			fmt.Fprint(w, " (hidden)")
		}

		if fs.variant.IsExtent(e) {
			fmt.Fprint(w, " (extent)")
		}

		fmt.Fprintln(w)

		fmt.Fprintf(w, "\trecord count: %d\n", e.RecordCount)

		fmt.Fprint(w, "\tallocation units: ")
		for _, au := range e.AllocationUnits {
			fmt.Fprintf(w, "%04x ", au)
		}
		fmt.Fprintln(w)
	}
}

// DumpFAT hexdumps the raw directory blocks.
func (fs *FS) DumpFAT(w io.Writer) error {
	for _, block := range []int{0, 1} {
		buf, err := fs.readBlock(block)
		if err != nil {
			return err
		}

		hexdump(w, buf)
	}

	return nil
}

const dumpLineLength = 32

func hexdump(w io.Writer, buf []byte) {
	for i := 0; i < len(buf); i += dumpLineLength {
		end := i + dumpLineLength
		if end > len(buf) {
			end = len(buf)
		}

		for j := i; j < end; j++ {
			fmt.Fprintf(w, "%02x ", buf[j])
		}

		fmt.Fprint(w, " ")
		for j := i; j < end; j++ {
			c := buf[j]
			if c < 32 || c > 127 {
				fmt.Fprint(w, ".")
			} else {
				fmt.Fprintf(w, "%c", c)
			}
		}
		fmt.Fprintln(w)
	}
}
