// Command mkfs lays out a fresh, ready-to-mount filesystem image offline,
// the way xv6's mkfs.c does, rather than relying solely on first-boot
// formatting. It can also seed the image with a handful of host files at
// the root, grounded on the teacher's mkfs/mkfs.go addfiles/copydata walk.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"rvkernel/defs"
	"rvkernel/fs"
	"rvkernel/proc"
	"rvkernel/virtio"
)

const (
	defaultSizeBlocks = 2000
	defaultNinodes    = 200
	defaultNlogBlocks = 30
)

func main() {
	size := flag.Int("size", defaultSizeBlocks, "total blocks in the image")
	ninodes := flag.Int("ninodes", defaultNinodes, "inode count")
	nlog := flag.Int("nlog", defaultNlogBlocks, "log region size in blocks, including the header")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: mkfs [-size N] [-ninodes N] [-nlog N] <image> [host-file ...]")
		os.Exit(1)
	}
	image := args[0]
	seedFiles := args[1:]

	f, err := os.OpenFile(image, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	if err := f.Truncate(int64(*size) * virtio.BSIZE); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}

	disk := virtio.Open(f)
	defer disk.Close()

	bootProc := proc.NewTestProc()
	volume := fs.NewFs(bootProc, disk, *size, *ninodes, *nlog)

	for _, src := range seedFiles {
		if err := copyIn(bootProc, volume, src); err != nil {
			fmt.Fprintf(os.Stderr, "mkfs: %s: %v\n", src, err)
			os.Exit(1)
		}
	}

	fmt.Println(volume.Statistics())
}

// copyIn creates a root-level file named after src's base name and copies
// its entire contents into it, one host-read buffer at a time.
func copyIn(p *proc.Proc_t, volume *fs.Fs_t, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dst := "/" + filepath.Base(src)
	ip, errt := volume.Create(p, dst, defs.T_FILE)
	if errt != 0 {
		return fmt.Errorf("create %s: error %d", dst, errt)
	}
	defer volume.IunlockPut(ip)

	buf := make([]byte, fs.BSIZE)
	offset := 0
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			volume.BeginOp(p)
			w := volume.Writei(p, ip, false, buf[:n], 0, offset, n)
			volume.EndOp(p)
			if w != n {
				return fmt.Errorf("short write to %s (%d of %d)", dst, w, n)
			}
			offset += n
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
