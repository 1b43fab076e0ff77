package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	fusespectrum "github.com/mdontu/fuse-spectrum"
	"github.com/mdontu/fuse-spectrum/cpmfs"
	_ "github.com/mdontu/fuse-spectrum/dsk"
	_ "github.com/mdontu/fuse-spectrum/imd"
	"github.com/mdontu/fuse-spectrum/mount"
)

var (
	imageFile  string
	filesystem string
	debug      bool
)

func run(cmd *cobra.Command, args []string) error {
	disk, err := fusespectrum.Open(imageFile)
	if err != nil {
		return fmt.Errorf("failed to load the disk image %q: %w", imageFile, err)
	}

	var variant cpmfs.Variant

	switch filesystem {
	case "cpm":
		variant = cpmfs.CPM
	case "hc":
		variant = cpmfs.HC
	default:
		return fmt.Errorf("unsupported filesystem %q", filesystem)
	}

	engine, err := cpmfs.New(disk, variant)
	if err != nil {
		return err
	}

	server, err := mount.Mount(args[0], fusespectrum.NewDispatcher(engine), debug)
	if err != nil {
		return err
	}

	server.Wait()

	if err := engine.Close(); err != nil {
		return err
	}

	if disk.Modified() {
		return disk.Save(imageFile)
	}

	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "fuse-spectrum [flags] <mountpoint>",
		Short:         "Mount vintage CP/M-family floppy disk images",
		Version:       fusespectrum.Version,
		Args:          cobra.ExactArgs(1),
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.Flags().StringVar(&imageFile, "file", "", "the path to the disk image to load")
	root.Flags().StringVar(&filesystem, "filesystem", "hc", "the filesystem type (cpm|hc)")
	root.Flags().BoolVar(&debug, "debug", false, "print FUSE debug information")
	root.Flags().BoolP("version", "V", false, "print the version and exit")
	root.MarkFlagRequired("file")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
