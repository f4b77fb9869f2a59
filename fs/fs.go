package fs

import (
	"fmt"

	"rvkernel/defs"
	"rvkernel/klog"
	"rvkernel/proc"
	"rvkernel/stat"
	"rvkernel/virtio"
)

// Fs_t ties together the buffer cache, write-ahead log, and inode cache
// over a single volume, mounted at boot and reused for the filesystem's
// lifetime -- matching the teacher's single global mutable Fs_t (spec §9's
// "process-wide lifetime initialized on the boot hart").
type Fs_t struct {
	sb     Superblock_t
	bc     *Bcache_t
	log    *Log_t
	icache *icache_t
	disk   *virtio.Disk_t
}

// FormatGeometry derives the on-disk layout for a size-block volume with
// the given inode and log-block counts: two reserved blocks (boot,
// superblock), then the log, then inode blocks, then the free-block
// bitmap, then data blocks, matching fs_init's format branch and
// cmd/mkfs's offline layout.
func FormatGeometry(size, ninodes, nlog int) (logstart, inodestart, bmapstart, datastart, nblocks int) {
	logstart = 2
	inodestart = logstart + nlog
	bmapstart = computeBmapstart(inodestart, ninodes)
	nbitmapblocks := size/BPB + 1
	datastart = bmapstart + nbitmapblocks
	nblocks = size - datastart
	return
}

// NewFs mounts (or, on an unformatted volume, formats) dev, and recovers
// any committed-but-not-installed transaction left by a prior crash. size,
// ninodes, and nlog are only consulted when the volume needs formatting;
// an already-formatted volume's own superblock governs its geometry.
func NewFs(p *proc.Proc_t, disk *virtio.Disk_t, size, ninodes, nlog int) *Fs_t {
	f := &Fs_t{disk: disk}
	f.bc = NewBcache(disk)
	f.icache = newIcache()

	sbBuf := f.bc.Bread(ROOTDEV, 1)
	f.sb.Data = sbBuf.Data
	f.bc.Brelse(sbBuf)

	if f.sb.Magic() != FSMAGIC {
		klog.Printf("fs: unformatted volume, formatting (%d blocks, %d inodes, %d log blocks)", size, ninodes, nlog)
		f.format(p, size, ninodes, nlog)
	} else {
		klog.Printf("fs: mounting volume: %d blocks, %d inodes", f.sb.Size(), f.sb.Ninodes())
		f.log = NewLog(ROOTDEV, &f.sb, f.bc)
	}
	return f
}

// format lays out a fresh volume: writes the superblock, marks the
// metadata region used in the free-block bitmap, and creates the root
// directory with "." and ".." linked to itself -- the same sequence
// fs_init's format branch and cmd/mkfs follow.
func (f *Fs_t) format(p *proc.Proc_t, size, ninodes, nlog int) {
	logstart, inodestart, bmapstart, _, nblocks := FormatGeometry(size, ninodes, nlog)

	f.sb = Superblock_t{}
	f.sb.SetMagic(FSMAGIC)
	f.sb.SetSize(size)
	f.sb.SetNblocks(nblocks)
	f.sb.SetNinodes(ninodes)
	f.sb.SetNlog(nlog)
	f.sb.SetLogstart(logstart)
	f.sb.SetInodestart(inodestart)
	f.sb.SetBmapstart(bmapstart)

	sbBuf := f.bc.Bread(ROOTDEV, 1)
	sbBuf.Data = f.sb.Data
	f.bc.Bwrite(sbBuf)
	f.bc.Brelse(sbBuf)

	f.log = NewLog(ROOTDEV, &f.sb, f.bc)

	f.log.BeginOp(p)
	bm := f.bc.Bread(ROOTDEV, uint32(bmapstart))
	for block := 0; block <= bmapstart; block++ {
		bit := block % BPB
		bm.Data[bit/8] |= byte(1 << uint(bit%8))
	}
	f.log.Write(bm)
	f.bc.Brelse(bm)
	f.log.EndOp(p)

	f.log.BeginOp(p)
	root := f.Ialloc(p, ROOTDEV, defs.T_DIR)
	if root.Inum != ROOTINO {
		panic("format: root inode number is not ROOTINO")
	}
	f.Ilock(p, root)
	root.Nlink = 2
	root.Size = 0
	f.Iupdate(root)
	f.Dirlink(p, root, ".", ROOTINO)
	f.Dirlink(p, root, "..", ROOTINO)
	f.IunlockPut(root)
	f.log.EndOp(p)

	klog.Printf("fs: formatted volume: %d data blocks, root inode ready", nblocks)
}

// BeginOp and EndOp bracket a caller-driven transaction spanning more than
// one Fs_t call, such as a multi-chunk file write. Every mutation that
// reaches the log must happen between a matching pair.
func (f *Fs_t) BeginOp(p *proc.Proc_t) { f.log.BeginOp(p) }
func (f *Fs_t) EndOp(p *proc.Proc_t)   { f.log.EndOp(p) }

// Create resolves path's parent, allocates a new inode of type typ, and
// links it into the parent directory. If a file already exists at path,
// Create returns it instead (matching xv6's open(O_CREAT) semantics) when
// typ is defs.T_FILE; any other collision is EEXIST.
func (f *Fs_t) Create(p *proc.Proc_t, path string, typ int16) (*Inode_t, defs.Err_t) {
	f.log.BeginOp(p)
	defer f.log.EndOp(p)

	dp, name := f.NameiParent(p, path)
	if dp == nil {
		return nil, -defs.ENOENT
	}
	f.Ilock(p, dp)
	if dp.Type != defs.T_DIR {
		f.IunlockPut(dp)
		return nil, -defs.ENOTDIR
	}

	if ip, _ := f.Dirlookup(p, dp, name); ip != nil {
		f.IunlockPut(dp)
		f.Ilock(p, ip)
		if typ == defs.T_FILE && (ip.Type == defs.T_FILE || ip.Type == defs.T_DEV) {
			return ip, 0
		}
		f.IunlockPut(ip)
		return nil, -defs.EEXIST
	}

	ip := f.Ialloc(p, dp.Dev, typ)
	f.Ilock(p, ip)
	ip.Nlink = 1
	f.Iupdate(ip)

	if typ == defs.T_DIR {
		dp.Nlink++
		f.Iupdate(dp)
		f.Dirlink(p, ip, ".", ip.Inum)
		f.Dirlink(p, ip, "..", dp.Inum)
	}
	f.Dirlink(p, dp, name, ip.Inum)
	f.IunlockPut(dp)
	return ip, 0
}

// Unlink removes the directory entry at path. If the target inode still
// has other open references, its content survives until the last Iput
// triggers truncation (§3's Iput invariant).
func (f *Fs_t) Unlink(p *proc.Proc_t, path string) defs.Err_t {
	f.log.BeginOp(p)
	defer f.log.EndOp(p)

	dp, name := f.NameiParent(p, path)
	if dp == nil {
		return -defs.ENOENT
	}
	f.Ilock(p, dp)
	if name == "." || name == ".." {
		f.IunlockPut(dp)
		return -defs.EPERM
	}

	ip, off := f.Dirlookup(p, dp, name)
	if ip == nil {
		f.IunlockPut(dp)
		return -defs.ENOENT
	}
	f.Ilock(p, ip)
	if ip.Nlink < 1 {
		panic("Unlink: nlink underflow")
	}
	if ip.Type == defs.T_DIR && !f.dirEmpty(p, ip) {
		f.IunlockPut(ip)
		f.IunlockPut(dp)
		return -defs.EEXIST
	}

	var empty Dirent_t
	buf := make([]byte, direntSize)
	writeDirent(buf, empty)
	if f.Writei(p, dp, false, buf, 0, off, direntSize) != direntSize {
		panic("Unlink: failed to clear directory entry")
	}
	if ip.Type == defs.T_DIR {
		dp.Nlink--
		f.Iupdate(dp)
	}
	f.IunlockPut(dp)

	ip.Nlink--
	f.Iupdate(ip)
	f.IunlockPut(ip)
	return 0
}

// Stat resolves path and fills st with its metadata.
func (f *Fs_t) Stat(p *proc.Proc_t, path string, st *stat.Stat_t) defs.Err_t {
	f.log.BeginOp(p)
	defer f.log.EndOp(p)

	ip := f.Namei(p, path)
	if ip == nil {
		return -defs.ENOENT
	}
	f.Ilock(p, ip)
	st.Wdev(uint(ip.Dev))
	st.Wino(uint(ip.Inum))
	st.Wmode(uint(ip.Type))
	st.Wsize(uint(ip.Size))
	st.Wnlink(uint(ip.Nlink))
	f.IunlockPut(ip)
	return 0
}

// Sizes reports the number of in-use inode-cache slots and pinned
// buffer-cache slots, a cheap proxy for "inodes and blocks in use".
func (f *Fs_t) Sizes() (inodes int, buffers int) {
	h := ihart()
	f.icache.lock.Acquire(h)
	for i := range f.icache.entries {
		if f.icache.entries[i].Ref > 0 {
			inodes++
		}
	}
	f.icache.lock.Release(h)

	c := cpuTok()
	f.bc.lock.Acquire(c)
	for e := f.bc.l.Front(); e != nil; e = e.Next() {
		if e.Value.(*Buf_t).RefCnt > 0 {
			buffers++
		}
	}
	f.bc.lock.Release(c)
	return
}

// Statistics renders a one-line human-readable summary of cache
// occupancy, mirroring Ufs_t.Statistics.
func (f *Fs_t) Statistics() string {
	inodes, buffers := f.Sizes()
	return fmt.Sprintf("fs: %d/%d inodes cached, %d/%d buffers pinned, volume %d blocks",
		inodes, NINODE, buffers, NBUF, f.sb.Size())
}
