// Command sfsutil formats, inspects, and manipulates shadow file system
// images from the command line.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	shadowfs "github.com/dargueta/shadowfs"
	"github.com/dargueta/shadowfs/block"
	"github.com/dargueta/shadowfs/layout"
)

var presetFlag = &cli.StringFlag{Name: "preset", Value: "classic", Usage: "named geometry preset"}

var shadowFlag = &cli.UintFlag{Name: "shadow", Value: 0, Usage: "list shadow slot N instead of the live directory (1 <= N < ShadowSlots)"}

func main() {
	app := &cli.App{
		Usage: "Inspect and manipulate shadow file system images",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create a new image with the given geometry preset",
				ArgsUsage: "IMAGE_FILE",
				Flags:     []cli.Flag{presetFlag},
				Action:    formatImage,
			},
			{
				Name:      "ls",
				Usage:     "List files in the live directory, or a shadow slot with --shadow",
				ArgsUsage: "IMAGE_FILE",
				Flags:     []cli.Flag{presetFlag, shadowFlag},
				Action:    listFiles,
			},
			{
				Name:      "cat",
				Usage:     "Print a file's contents to stdout",
				ArgsUsage: "IMAGE_FILE NAME",
				Flags:     []cli.Flag{presetFlag},
				Action:    catFile,
			},
			{
				Name:      "put",
				Usage:     "Copy a local file into the image",
				ArgsUsage: "IMAGE_FILE NAME LOCAL_FILE",
				Flags:     []cli.Flag{presetFlag},
				Action:    putFile,
			},
			{
				Name:      "commit",
				Usage:     "Commit the live directory into the shadow ring",
				ArgsUsage: "IMAGE_FILE",
				Flags:     []cli.Flag{presetFlag},
				Action:    commitImage,
			},
			{
				Name:      "restore",
				Usage:     "Restore the live directory from a shadow slot",
				ArgsUsage: "IMAGE_FILE SLOT",
				Flags:     []cli.Flag{presetFlag},
				Action:    restoreImage,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func openExisting(context *cli.Context, path string) (*shadowfs.FileSystem, error) {
	g, err := layout.Preset(context.String("preset"))
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	dev := block.InitDisk(f, g.BlockBytes, g.NumBlocks).WithCloser(f)
	return shadowfs.Mount(g, dev, false)
}

func formatImage(context *cli.Context) error {
	path := context.Args().First()
	if path == "" {
		return fmt.Errorf("usage: sfsutil format [--preset NAME] IMAGE_FILE")
	}
	g, err := layout.Preset(context.String("preset"))
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(g.BlockBytes) * int64(g.NumBlocks)); err != nil {
		f.Close()
		return err
	}

	dev := block.InitDisk(f, g.BlockBytes, g.NumBlocks).WithCloser(f)
	fs, err := shadowfs.Mount(g, dev, true)
	if err != nil {
		return err
	}
	return fs.Close()
}

func listFiles(context *cli.Context) error {
	fs, err := openExisting(context, context.Args().First())
	if err != nil {
		return err
	}
	defer fs.Close()

	slot := context.Uint("shadow")
	if slot == 0 {
		for {
			name, ok, err := fs.GetNextFileName()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			size, err := fs.GetFileSize(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%d\n", name, size)
		}
		return nil
	}

	if slot > fs.ShadowDepth() {
		return fmt.Errorf("shadow slot %d out of range (this image keeps %d)", slot, fs.ShadowDepth())
	}
	names, err := fs.ListShadow(slot)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func catFile(context *cli.Context) error {
	path, name := context.Args().Get(0), context.Args().Get(1)
	if path == "" || name == "" {
		return fmt.Errorf("usage: sfsutil cat IMAGE_FILE NAME")
	}
	fs, err := openExisting(context, path)
	if err != nil {
		return err
	}
	defer fs.Close()

	fd, err := fs.FOpen(name)
	if err != nil {
		return err
	}
	defer fs.FClose(fd)

	size, err := fs.GetFileSize(name)
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	if _, err := fs.FRead(fd, buf); err != nil {
		return err
	}
	_, err = os.Stdout.Write(buf)
	return err
}

func putFile(context *cli.Context) error {
	path, name, localPath := context.Args().Get(0), context.Args().Get(1), context.Args().Get(2)
	if path == "" || name == "" || localPath == "" {
		return fmt.Errorf("usage: sfsutil put IMAGE_FILE NAME LOCAL_FILE")
	}
	fs, err := openExisting(context, path)
	if err != nil {
		return err
	}
	defer fs.Close()

	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}

	fd, err := fs.FOpen(name)
	if err != nil {
		return err
	}
	defer fs.FClose(fd)

	n, err := fs.FWrite(fd, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write: wrote %d of %d bytes (disk full)", n, len(data))
	}
	return nil
}

func commitImage(context *cli.Context) error {
	fs, err := openExisting(context, context.Args().First())
	if err != nil {
		return err
	}
	defer fs.Close()
	return fs.Commit()
}

func restoreImage(context *cli.Context) error {
	path, slotArg := context.Args().Get(0), context.Args().Get(1)
	fs, err := openExisting(context, path)
	if err != nil {
		return err
	}
	defer fs.Close()

	var k int
	if _, err := fmt.Sscanf(slotArg, "%d", &k); err != nil || k < 0 {
		return fmt.Errorf("invalid shadow slot %q", slotArg)
	}
	return fs.Restore(uint(k))
}
