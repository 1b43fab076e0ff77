// fsdump prints the geometry and directory of a disk image without
// mounting it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kisom/goutils/die"

	fusespectrum "github.com/mdontu/fuse-spectrum"
	"github.com/mdontu/fuse-spectrum/cpmfs"
	_ "github.com/mdontu/fuse-spectrum/dsk"
	_ "github.com/mdontu/fuse-spectrum/imd"
)

var (
	filesystem = flag.String("filesystem", "hc", "the filesystem type (cpm|hc)")
	raw        = flag.Bool("x", false, "hexdump the raw directory blocks")
)

func dumpImage(path string) {
	disk, err := fusespectrum.Open(path)
	die.If(err)

	props := disk.Properties()
	fmt.Printf("%s: %d tracks, %d heads, %d sectors/head, %d bytes/sector\n",
		path, props.Tracks, props.Heads, props.Sectors, props.SectorSize)

	variant := cpmfs.HC
	if *filesystem == "cpm" {
		variant = cpmfs.CPM
	}

	engine, err := cpmfs.New(disk, variant)
	die.If(err)

	engine.PrintFAT(os.Stdout)

	if *raw {
		die.If(engine.DumpFAT(os.Stdout))
	}
}

func main() {
	flag.Parse()

	for _, path := range flag.Args() {
		dumpImage(path)
	}
}
