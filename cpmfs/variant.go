package cpmfs

import fusespectrum "github.com/mdontu/fuse-spectrum"

// Variant captures the points where the supported filesystems differ:
// the disk parameter block, the interleave tables, the continuation
// predicate, and the extent-number encoding. Everything else is the
// shared engine.
type Variant struct {
	Name string

	DPB fusespectrum.DiskParameterBlock

	// Interleaves are selected by sectors per head.
	Interleaves [][]int

	// IsExtent reports whether the entry is a continuation extent
	// rather than a primary.
	IsExtent func(e *Entry) bool

	// SetExtent encodes extent number n into the entry.
	SetExtent func(e *Entry, n int)
}

// CPM is the standard CP/M 2.2 3.5" format.
var CPM = Variant{
	Name: "cpm",
	DPB: fusespectrum.DiskParameterBlock{
		SPT: 32,
		BSH: 4,
		BLM: 15,
		EXM: 0,
		DSM: 341,
		DRM: 127,
		AL0: 0xc0,
		AL1: 0,
		CKS: 0,
		OFF: 2,
	},
	Interleaves: [][]int{
		{0, 2, 4, 6, 8, 1, 3, 5, 7},
	},
	IsExtent: func(e *Entry) bool {
		return e.ExLo != 0
	},
	SetExtent: func(e *Entry, n int) {
		e.ExLo = byte(n % 32)
		e.ExHi = byte(n / 32)
	},
}

// HC is the BASIC (HC/Amstrad) 3.5" format.
var HC = Variant{
	Name: "hc",
	DPB: fusespectrum.DiskParameterBlock{
		SPT: 32,
		BSH: 4,
		BLM: 15,
		EXM: 0,
		DSM: 320,
		DRM: 127,
		AL0: 0xc0,
		AL1: 0,
		CKS: 0,
		OFF: 0,
	},
	Interleaves: [][]int{
		{0, 2, 4, 6, 8, 10, 12, 14, 1, 3, 5, 7, 9, 11, 13, 15},
		{0, 2, 4, 6, 8, 1, 3, 5, 7},
	},
	IsExtent: func(e *Entry) bool {
		return e.ExLo != 0 || e.ExHi != 0
	},
	SetExtent: func(e *Entry, n int) {
		e.ExLo = byte(n)
	},
}
