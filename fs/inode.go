package fs

import (
	"rvkernel/proc"
	"rvkernel/spinlock"
	"rvkernel/util"
	"rvkernel/vm"
)

// On-disk inode geometry: 12 direct block pointers plus one
// single-indirect pointer, matching the direct+single-indirect mapping
// the block layer is specified to support.
const (
	NDIRECT   = 12
	NINDIRECT = BSIZE / 4
	MAXFILE   = NDIRECT + NINDIRECT

	dinodeSize = 2 + 2 + 2 + 2 + 4 + (NDIRECT+1)*4 // 64 bytes
)

const (
	ROOTINO = 1
	ROOTDEV = 1
)

// dinode field byte offsets within one on-disk inode record.
const (
	doffType  = 0
	doffMajor = 2
	doffMinor = 4
	doffNlink = 6
	doffSize  = 8
	doffAddrs = 12
)

// NINODE bounds the in-memory inode cache; exhaustion is fatal.
const NINODE = 100

// Inode_t is the in-memory representation of an on-disk inode. Unlike
// the observed-broken source this specification is distilled from,
// Ilock/Iunlock here are a real sleeplock: concurrent lockers genuinely
// block rather than merely asserting a reference is held.
type Inode_t struct {
	Dev    int
	Inum   int
	Ref    int
	Valid  bool
	lk     *spinlock.Sleeplock_t

	Type  int16
	Major int16
	Minor int16
	Nlink int16
	Size  int
	Addrs [NDIRECT + 1]uint32
}

type icache_t struct {
	lock    spinlock.Spinlock_t
	entries [NINODE]Inode_t
}

func ihart() *spinlock.Cpu_t { return &spinlock.Cpu_t{ID: -1} }

func newIcache() *icache_t {
	ic := &icache_t{lock: spinlock.Spinlock_t{Name: "icache"}}
	for i := range ic.entries {
		ic.entries[i].lk = spinlock.MkSleeplock("inode")
	}
	return ic
}

// Iget returns the in-cache Inode_t for (dev, inum), bumping its
// refcount; it never touches disk -- loading is deferred to Ilock.
func (fs *Fs_t) Iget(dev, inum int) *Inode_t {
	h := ihart()
	fs.icache.lock.Acquire(h)
	defer fs.icache.lock.Release(h)

	var free *Inode_t
	for i := range fs.icache.entries {
		ip := &fs.icache.entries[i]
		if ip.Ref > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.Ref++
			return ip
		}
		if free == nil && ip.Ref == 0 {
			free = ip
		}
	}
	if free == nil {
		panic("Iget: inode cache exhausted")
	}
	free.Dev = dev
	free.Inum = inum
	free.Ref = 1
	free.Valid = false
	return free
}

// Idup bumps an inode's refcount without re-resolving it.
func (fs *Fs_t) Idup(ip *Inode_t) *Inode_t {
	h := ihart()
	fs.icache.lock.Acquire(h)
	ip.Ref++
	fs.icache.lock.Release(h)
	return ip
}

func iblock(inum int, sb *Superblock_t) int {
	return sb.Inodestart() + inum/IPB
}

// Ilock locks ip (blocking via a genuine sleeplock if already held) and
// loads it from disk on first use.
func (fs *Fs_t) Ilock(p *proc.Proc_t, ip *Inode_t) {
	if ip.Ref < 1 {
		panic("Ilock: unreferenced inode")
	}
	ip.lk.Acquire(ihart(), p.Pid)
	if !ip.Valid {
		b := fs.bc.Bread(ip.Dev, uint32(iblock(ip.Inum, &fs.sb)))
		off := (ip.Inum % IPB) * dinodeSize
		ip.Type = int16(util.Readn(b.Data[:], 2, off+doffType))
		ip.Major = int16(util.Readn(b.Data[:], 2, off+doffMajor))
		ip.Minor = int16(util.Readn(b.Data[:], 2, off+doffMinor))
		ip.Nlink = int16(util.Readn(b.Data[:], 2, off+doffNlink))
		ip.Size = util.Readn(b.Data[:], 4, off+doffSize)
		for i := range ip.Addrs {
			ip.Addrs[i] = uint32(util.Readn(b.Data[:], 4, off+doffAddrs+4*i))
		}
		fs.bc.Brelse(b)
		ip.Valid = true
		if ip.Type == 0 {
			panic("Ilock: inode has type 0 on disk")
		}
	}
}

// Iunlock releases ip's sleeplock.
func (fs *Fs_t) Iunlock(ip *Inode_t) {
	ip.lk.Release(ihart())
}

// Iupdate writes ip's in-memory fields back to its disk block as part of
// the current transaction.
func (fs *Fs_t) Iupdate(ip *Inode_t) {
	b := fs.bc.Bread(ip.Dev, uint32(iblock(ip.Inum, &fs.sb)))
	off := (ip.Inum % IPB) * dinodeSize
	util.Writen(b.Data[:], 2, off+doffType, int(ip.Type))
	util.Writen(b.Data[:], 2, off+doffMajor, int(ip.Major))
	util.Writen(b.Data[:], 2, off+doffMinor, int(ip.Minor))
	util.Writen(b.Data[:], 2, off+doffNlink, int(ip.Nlink))
	util.Writen(b.Data[:], 4, off+doffSize, ip.Size)
	for i, a := range ip.Addrs {
		util.Writen(b.Data[:], 4, off+doffAddrs+4*i, int(a))
	}
	fs.log.Write(b)
	fs.bc.Brelse(b)
}

// Iput drops a reference, truncating and recycling the inode if it was
// the last reference and no directory entry still links to it. For the
// root inode Iput only drops the reference; it is never truncated.
func (fs *Fs_t) Iput(ip *Inode_t) {
	h := ihart()
	fs.icache.lock.Acquire(h)
	if ip.Inum == ROOTINO {
		ip.Ref--
		fs.icache.lock.Release(h)
		return
	}
	if ip.Ref == 1 && ip.Valid && ip.Nlink == 0 {
		fs.icache.lock.Release(h)
		fs.Itrunc(ip)
		ip.Type = 0
		fs.Iupdate(ip)
		ip.Valid = false
		fs.icache.lock.Acquire(h)
	}
	ip.Ref--
	fs.icache.lock.Release(h)
}

// IunlockPut is the common Iunlock+Iput pairing.
func (fs *Fs_t) IunlockPut(ip *Inode_t) {
	fs.Iunlock(ip)
	fs.Iput(ip)
}

// Balloc finds a free block via the bitmap, marks it used, zeroes it,
// and returns its number.
func (fs *Fs_t) Balloc() uint32 {
	nblocks := fs.sb.Nblocks()
	for base := 0; base < nblocks; base += BPB {
		bm := fs.bc.Bread(ROOTDEV, uint32(fs.sb.Bmapstart()+base/BPB))
		for bit := 0; bit < BPB && base+bit < nblocks; bit++ {
			mask := byte(1 << uint(bit%8))
			if bm.Data[bit/8]&mask == 0 {
				bm.Data[bit/8] |= mask
				fs.log.Write(bm)
				fs.bc.Brelse(bm)

				blk := fs.bc.Bread(ROOTDEV, uint32(base+bit))
				blk.Data = [BSIZE]byte{}
				fs.log.Write(blk)
				fs.bc.Brelse(blk)
				return uint32(base + bit)
			}
		}
		fs.bc.Brelse(bm)
	}
	panic("Balloc: disk full")
}

// Bfree clears a block's bitmap bit. Freeing an already-free block is a
// contract violation.
func (fs *Fs_t) Bfree(blockno uint32) {
	bm := fs.bc.Bread(ROOTDEV, uint32(fs.sb.Bmapstart())+blockno/BPB)
	bit := blockno % BPB
	mask := byte(1 << uint(bit%8))
	if bm.Data[bit/8]&mask == 0 {
		panic("Bfree: double free of data block")
	}
	bm.Data[bit/8] &^= mask
	fs.log.Write(bm)
	fs.bc.Brelse(bm)
}

// blockMap translates a logical block number within ip to a physical
// block number, allocating direct or indirect blocks on demand.
func (fs *Fs_t) blockMap(ip *Inode_t, lbn int) uint32 {
	if lbn < NDIRECT {
		if ip.Addrs[lbn] == 0 {
			ip.Addrs[lbn] = fs.Balloc()
		}
		return ip.Addrs[lbn]
	}
	lbn -= NDIRECT
	if lbn >= NINDIRECT {
		panic("blockMap: logical block out of range")
	}
	if ip.Addrs[NDIRECT] == 0 {
		ip.Addrs[NDIRECT] = fs.Balloc()
	}
	ib := fs.bc.Bread(ip.Dev, ip.Addrs[NDIRECT])
	addr := uint32(util.Readn(ib.Data[:], 4, lbn*4))
	if addr == 0 {
		addr = fs.Balloc()
		util.Writen(ib.Data[:], 4, lbn*4, int(addr))
		fs.log.Write(ib)
	}
	fs.bc.Brelse(ib)
	return addr
}

// Itrunc frees every data block owned by ip, direct and indirect, and
// resets its size to zero.
func (fs *Fs_t) Itrunc(ip *Inode_t) {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			fs.Bfree(ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		ib := fs.bc.Bread(ip.Dev, ip.Addrs[NDIRECT])
		for j := 0; j < NINDIRECT; j++ {
			addr := uint32(util.Readn(ib.Data[:], 4, j*4))
			if addr != 0 {
				fs.Bfree(addr)
			}
		}
		fs.bc.Brelse(ib)
		fs.Bfree(ip.Addrs[NDIRECT])
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	fs.Iupdate(ip)
}

// Readi copies count bytes from ip starting at offset into dest, either a
// kernel byte slice or (if toUser) a user virtual address via the copy
// primitives.
func (fs *Fs_t) Readi(p *proc.Proc_t, ip *Inode_t, toUser bool, dest []byte, destVa vm.Va_t, offset, count int) int {
	if offset > ip.Size || offset+count < offset {
		return 0
	}
	if offset+count > ip.Size {
		count = ip.Size - offset
	}
	total := 0
	for total < count {
		b := fs.bc.Bread(ip.Dev, fs.blockMap(ip, offset/BSIZE))
		chunk := BSIZE - offset%BSIZE
		if rem := count - total; rem < chunk {
			chunk = rem
		}
		src := b.Data[offset%BSIZE : offset%BSIZE+chunk]
		if toUser {
			if !vm.CopyOut(p.AS.Pgtbl, destVa+vm.Va_t(total), src) {
				fs.bc.Brelse(b)
				return -1
			}
		} else {
			copy(dest[total:total+chunk], src)
		}
		fs.bc.Brelse(b)
		total += chunk
		offset += chunk
	}
	return count
}

// Writei copies count bytes into ip starting at offset from either a
// kernel byte slice or a user virtual address, growing the file and
// marking every touched block and the inode itself part of the
// transaction.
func (fs *Fs_t) Writei(p *proc.Proc_t, ip *Inode_t, fromUser bool, src []byte, srcVa vm.Va_t, offset, count int) int {
	if offset > ip.Size || offset+count < offset {
		return -1
	}
	if offset+count > MAXFILE*BSIZE {
		return -1
	}
	total := 0
	for total < count {
		b := fs.bc.Bread(ip.Dev, fs.blockMap(ip, offset/BSIZE))
		chunk := BSIZE - offset%BSIZE
		if rem := count - total; rem < chunk {
			chunk = rem
		}
		dst := b.Data[offset%BSIZE : offset%BSIZE+chunk]
		if fromUser {
			if !vm.CopyIn(p.AS.Pgtbl, dst, srcVa+vm.Va_t(total)) {
				fs.bc.Brelse(b)
				return -1
			}
		} else {
			copy(dst, src[total:total+chunk])
		}
		fs.log.Write(b)
		fs.bc.Brelse(b)
		total += chunk
		offset += chunk
	}
	if offset > ip.Size {
		ip.Size = offset
	}
	fs.Iupdate(ip)
	return count
}

// Ialloc scans the disk for a free (type-0) inode, claims it, and
// returns its in-cache representation, loaded but unlocked.
func (fs *Fs_t) Ialloc(p *proc.Proc_t, dev int, typ int16) *Inode_t {
	for inum := 1; inum < fs.sb.Ninodes(); inum++ {
		b := fs.bc.Bread(dev, uint32(iblock(inum, &fs.sb)))
		off := (inum % IPB) * dinodeSize
		if util.Readn(b.Data[:], 2, off+doffType) == 0 {
			for i := 0; i < dinodeSize; i++ {
				b.Data[off+i] = 0
			}
			util.Writen(b.Data[:], 2, off+doffType, int(typ))
			fs.log.Write(b)
			fs.bc.Brelse(b)

			ip := fs.Iget(dev, inum)
			fs.Ilock(p, ip)
			fs.Iunlock(ip)
			return ip
		}
		fs.bc.Brelse(b)
	}
	panic("Ialloc: no free inodes")
}
