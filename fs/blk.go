package fs

import (
	"container/list"

	"rvkernel/spinlock"
	"rvkernel/virtio"
)

// BSIZE is the size of a disk block in bytes. Sectors below the block
// layer are 512 bytes, so a block spans BSIZE/512 sectors.
const BSIZE = virtio.BSIZE

// Buf_t is one cached disk block: a fixed-size buffer threaded onto the
// cache's LRU list, with reference counting deciding eviction eligibility
// and Valid distinguishing "holds disk contents" from "freshly
// repurposed, contents undefined".
type Buf_t struct {
	Dev     int
	BlockNo uint32
	Valid   bool
	RefCnt  int
	Data    [BSIZE]byte
}

// NBUF bounds the number of blocks the cache can hold concurrently
// pinned or cached; exhaustion (every slot pinned) is fatal, per the
// resource-exhaustion taxonomy.
const NBUF = 32

// Bcache_t is the fixed pool of buffers threaded onto a doubly-linked
// LRU list, grounded on fs.BlkList_t's container/list wrapper.
type Bcache_t struct {
	lock  spinlock.Spinlock_t
	l     *list.List // MRU at Back, LRU at Front
	disk  *virtio.Disk_t
	slots [NBUF]*list.Element
}

func NewBcache(disk *virtio.Disk_t) *Bcache_t {
	bc := &Bcache_t{lock: spinlock.Spinlock_t{Name: "bcache"}, l: list.New(), disk: disk}
	for i := 0; i < NBUF; i++ {
		b := &Buf_t{}
		bc.slots[i] = bc.l.PushBack(b)
	}
	return bc
}

func cpuTok() *spinlock.Cpu_t { return &spinlock.Cpu_t{ID: -1} }

// get implements buffer_get: a forward scan for a cache hit (pins it and
// returns), else a scan starting at the LRU (Front) end for a refcnt==0
// victim to repurpose, so the least-recently-released buffer is evicted
// before a more recently released one. Cache exhaustion (no victim
// available) is fatal.
func (bc *Bcache_t) get(dev int, blockno uint32) *Buf_t {
	c := cpuTok()
	bc.lock.Acquire(c)
	defer bc.lock.Release(c)

	for e := bc.l.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buf_t)
		if b.Dev == dev && b.BlockNo == blockno {
			b.RefCnt++
			return b
		}
	}
	for e := bc.l.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buf_t)
		if b.RefCnt == 0 {
			b.Dev = dev
			b.BlockNo = blockno
			b.Valid = false
			b.RefCnt = 1
			return b
		}
	}
	panic("Bcache_t.get: buffer cache exhausted")
}

// Bread returns a pinned, valid buffer for (dev, blockno), reading from
// disk only if it was not already cached.
func (bc *Bcache_t) Bread(dev int, blockno uint32) *Buf_t {
	b := bc.get(dev, blockno)
	if !b.Valid {
		bc.readInto(b, blockno)
		b.Valid = true
	}
	return b
}

// readInto performs the actual disk read, since virtio.Buf carries its
// own copy of Data rather than aliasing Buf_t's array.
func (bc *Bcache_t) readInto(b *Buf_t, blockno uint32) {
	vb := &virtio.Buf{BlockNo: blockno}
	bc.disk.Rw(vb, false)
	b.Data = vb.Data
}

// Bwrite writes a pinned buffer to disk. Calling it on an unpinned
// buffer is a contract violation.
func (bc *Bcache_t) Bwrite(b *Buf_t) {
	if b.RefCnt < 1 {
		panic("Bwrite: buffer not pinned")
	}
	vb := &virtio.Buf{BlockNo: b.BlockNo, Data: b.Data}
	bc.disk.Rw(vb, true)
}

// Brelse decrements refcnt and, on reaching zero, moves the buffer to
// the MRU end of the list.
func (bc *Bcache_t) Brelse(b *Buf_t) {
	c := cpuTok()
	bc.lock.Acquire(c)
	defer bc.lock.Release(c)
	b.RefCnt--
	if b.RefCnt == 0 {
		for _, e := range bc.slots {
			if e.Value.(*Buf_t) == b {
				bc.l.MoveToBack(e)
				break
			}
		}
	}
}

// Bpin/Bunpin adjust refcnt without moving the buffer in the LRU list,
// used to keep log-critical blocks resident across a transaction.
func (bc *Bcache_t) Bpin(b *Buf_t) {
	c := cpuTok()
	bc.lock.Acquire(c)
	b.RefCnt++
	bc.lock.Release(c)
}

func (bc *Bcache_t) Bunpin(b *Buf_t) {
	c := cpuTok()
	bc.lock.Acquire(c)
	b.RefCnt--
	bc.lock.Release(c)
}
