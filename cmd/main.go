package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/dargueta/flashfs/blockdev"
	"github.com/dargueta/flashfs/chips"
	"github.com/dargueta/flashfs/fs"
	"github.com/dargueta/flashfs/utilities/compression"
)

var geometryFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "chip",
		Usage: "take the image geometry from the named catalog chip",
	},
	&cli.UintFlag{
		Name:  "block-size",
		Usage: "erase block size in bytes",
		Value: 4096,
	},
	&cli.UintFlag{
		Name:  "program-size",
		Usage: "program page size in bytes",
		Value: 256,
	},
}

func main() {
	app := cli.App{
		Name:  "flashfs",
		Usage: "Manage flash filesystem image files",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe an image and write a fresh filesystem to it",
				Action:    formatImage,
				ArgsUsage: "IMAGE",
				Flags: append([]cli.Flag{
					&cli.UintFlag{
						Name:  "block-count",
						Usage: "number of erase blocks (ignored with --chip)",
						Value: 1024,
					},
				}, geometryFlags...),
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				Action:    listDirectory,
				ArgsUsage: "IMAGE [PATH]",
				Flags:     geometryFlags,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				Action:    makeDirectory,
				ArgsUsage: "IMAGE PATH",
				Flags:     geometryFlags,
			},
			{
				Name:      "put",
				Usage:     "Copy a local file into the image",
				Action:    putFile,
				ArgsUsage: "IMAGE LOCAL_FILE DEST_PATH",
				Flags:     geometryFlags,
			},
			{
				Name:      "cat",
				Usage:     "Write a file's contents to stdout",
				Action:    catFile,
				ArgsUsage: "IMAGE PATH",
				Flags:     geometryFlags,
			},
			{
				Name:      "mv",
				Usage:     "Rename or move a file or directory",
				Action:    moveEntry,
				ArgsUsage: "IMAGE OLD_PATH NEW_PATH",
				Flags:     geometryFlags,
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or empty directory",
				Action:    removeEntry,
				ArgsUsage: "IMAGE PATH",
				Flags:     geometryFlags,
			},
			{
				Name:      "snapshot",
				Usage:     "Compress an image for archiving, or restore one",
				Action:    snapshotImage,
				ArgsUsage: "INPUT OUTPUT",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "extract",
						Usage: "decompress INPUT instead of compressing it",
					},
				},
			},
			{
				Name:      "chips",
				Usage:     "List the flash chip catalog, or show one part",
				Action:    showChips,
				ArgsUsage: "[SLUG]",
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

// imageGeometry resolves the device geometry for an existing image file from
// the shared flags, taking the block count from the file's size.
func imageGeometry(
	context *cli.Context, stream *os.File,
) (blockdev.Geometry, error) {
	if slug := context.String("chip"); slug != "" {
		chip, err := chips.GetPredefinedFlashChip(slug)
		if err != nil {
			return blockdev.Geometry{}, err
		}
		return chip.Geometry(), nil
	}

	blockSize := uint32(context.Uint("block-size"))
	blockCount, err := blockdev.DetermineBlockCount(stream, blockSize)
	if err != nil {
		return blockdev.Geometry{}, err
	}
	return blockdev.Geometry{
		BlockSize:   blockSize,
		BlockCount:  blockCount,
		ProgramSize: uint32(context.Uint("program-size")),
		EraseSize:   blockSize,
	}, nil
}

// mountImage opens the image named by the first positional argument and
// mounts the filesystem on it. Read-only commands pass readonly=true and get
// a mount that cannot touch the image, which also lets them work on files
// the user can't write. The caller must close the returned file.
func mountImage(
	context *cli.Context, readonly bool,
) (*fs.FS, *os.File, error) {
	if context.NArg() < 1 {
		return nil, nil, fmt.Errorf("missing image file argument")
	}
	path := context.Args().Get(0)

	mode := os.O_RDWR
	if readonly {
		mode = os.O_RDONLY
	}
	stream, err := os.OpenFile(path, mode, 0)
	if err != nil {
		return nil, nil, err
	}

	geo, err := imageGeometry(context, stream)
	if err != nil {
		stream.Close()
		return nil, nil, err
	}
	dev, err := blockdev.NewFileFlash(stream, geo, 0)
	if err != nil {
		stream.Close()
		return nil, nil, err
	}

	var filesystem *fs.FS
	if readonly {
		filesystem, err = fs.MountReadOnly(dev)
	} else {
		filesystem, err = fs.Mount(dev)
	}
	if err != nil {
		stream.Close()
		return nil, nil, fmt.Errorf("can't mount %q: %w", path, err)
	}
	return filesystem, stream, nil
}

func formatImage(context *cli.Context) error {
	if context.NArg() != 1 {
		return fmt.Errorf("expected exactly one argument, the image file")
	}
	path := context.Args().Get(0)

	var geo blockdev.Geometry
	if slug := context.String("chip"); slug != "" {
		chip, err := chips.GetPredefinedFlashChip(slug)
		if err != nil {
			return err
		}
		geo = chip.Geometry()
	} else {
		blockSize := uint32(context.Uint("block-size"))
		geo = blockdev.Geometry{
			BlockSize:   blockSize,
			BlockCount:  uint32(context.Uint("block-count")),
			ProgramSize: uint32(context.Uint("program-size")),
			EraseSize:   blockSize,
		}
	}
	if err := geo.Validate(); err != nil {
		return err
	}

	stream, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer stream.Close()

	// Size the file to the full device and start it in the erased state.
	if err = stream.Truncate(0); err != nil {
		return err
	}
	fill := make([]byte, geo.BlockSize)
	for i := range fill {
		fill[i] = 0xFF
	}
	for block := uint32(0); block < geo.BlockCount; block++ {
		if _, err = stream.Write(fill); err != nil {
			return err
		}
	}

	dev, err := blockdev.NewFileFlash(stream, geo, 0)
	if err != nil {
		return err
	}
	if err = fs.Format(dev); err != nil {
		return err
	}

	fmt.Printf(
		"formatted %s: %d blocks of %d bytes (%d KiB)\n",
		path,
		geo.BlockCount,
		geo.BlockSize,
		int64(geo.BlockCount)*int64(geo.BlockSize)/1024)
	return nil
}

func listDirectory(context *cli.Context) error {
	filesystem, stream, err := mountImage(context, true)
	if err != nil {
		return err
	}
	defer stream.Close()

	path := "/"
	if context.NArg() > 1 {
		path = context.Args().Get(1)
	}

	listing, err := filesystem.ReadDir(path)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, entry := range listing {
		if entry.IsDir() {
			fmt.Fprintf(writer, "%s\t\t%s/\n", entry.Kind, entry.Name)
		} else {
			fmt.Fprintf(writer, "%s\t%d\t%s\n", entry.Kind, entry.Size, entry.Name)
		}
	}
	return writer.Flush()
}

func makeDirectory(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected arguments: IMAGE PATH")
	}
	filesystem, stream, err := mountImage(context, false)
	if err != nil {
		return err
	}
	defer stream.Close()

	return filesystem.Mkdir(context.Args().Get(1))
}

func putFile(context *cli.Context) error {
	if context.NArg() != 3 {
		return fmt.Errorf("expected arguments: IMAGE LOCAL_FILE DEST_PATH")
	}
	data, err := os.ReadFile(context.Args().Get(1))
	if err != nil {
		return err
	}

	filesystem, stream, err := mountImage(context, false)
	if err != nil {
		return err
	}
	defer stream.Close()

	return filesystem.WriteFile(context.Args().Get(2), data)
}

func catFile(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected arguments: IMAGE PATH")
	}
	filesystem, stream, err := mountImage(context, true)
	if err != nil {
		return err
	}
	defer stream.Close()

	data, err := filesystem.ReadFile(context.Args().Get(1))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func moveEntry(context *cli.Context) error {
	if context.NArg() != 3 {
		return fmt.Errorf("expected arguments: IMAGE OLD_PATH NEW_PATH")
	}
	filesystem, stream, err := mountImage(context, false)
	if err != nil {
		return err
	}
	defer stream.Close()

	return filesystem.Rename(context.Args().Get(1), context.Args().Get(2))
}

func removeEntry(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected arguments: IMAGE PATH")
	}
	filesystem, stream, err := mountImage(context, false)
	if err != nil {
		return err
	}
	defer stream.Close()

	return filesystem.Remove(context.Args().Get(1))
}

func snapshotImage(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected arguments: INPUT OUTPUT")
	}
	input, err := os.Open(context.Args().Get(0))
	if err != nil {
		return err
	}
	defer input.Close()

	output, err := os.Create(context.Args().Get(1))
	if err != nil {
		return err
	}
	defer output.Close()

	if context.Bool("extract") {
		n, err := compression.DecompressImage(input, output)
		if err != nil {
			return err
		}
		fmt.Printf("restored %d bytes\n", n)
		return nil
	}

	if _, err = compression.CompressImage(input, output); err != nil {
		return err
	}
	info, err := output.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("compressed image to %d bytes\n", info.Size())
	return nil
}

func showChips(context *cli.Context) error {
	if context.NArg() > 0 {
		chip, err := chips.GetPredefinedFlashChip(context.Args().Get(0))
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s, %d)\n", chip.Name, chip.Manufacturer,
			chip.FirstYearAvailable)
		fmt.Printf("  interface:    %s\n", chip.Interface)
		fmt.Printf("  capacity:     %d bytes\n", chip.TotalSizeBytes())
		fmt.Printf("  erase sector: %d bytes x %d\n", chip.SectorSize,
			chip.SectorCount)
		fmt.Printf("  program page: %d bytes\n", chip.PageSize)
		if chip.Notes != "" {
			fmt.Printf("  notes:        %s\n", chip.Notes)
		}
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "SLUG\tMANUFACTURER\tCAPACITY\tSECTOR\tPAGE")
	for _, chip := range chips.ListPredefinedFlashChips() {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%d\t%d\n",
			chip.Slug,
			chip.Manufacturer,
			chip.TotalSizeBytes(),
			chip.SectorSize,
			chip.PageSize)
	}
	return writer.Flush()
}
