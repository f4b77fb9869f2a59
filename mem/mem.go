// Package mem implements the physical frame allocator: two disjoint
// pools (kernel, user), each a singly-linked intrusive freelist whose
// node header lives in the frame it describes.
package mem

import (
	"sync"
	"unsafe"

	"rvkernel/klog"
	"rvkernel/util"
)

// Pa_t is a physical address.
type Pa_t uintptr

const PGSIZE = 4096

// Page-table entry flag bits, SV39 layout.
const (
	PTE_V = 1 << 0
	PTE_R = 1 << 1
	PTE_W = 1 << 2
	PTE_X = 1 << 3
	PTE_U = 1 << 4
)

// sentinel is written across every frame handed out by Alloc, so that use
// of stale data reads as garbage rather than plausible zero bytes.
const sentinel = 0x5a

// Pool identifies which region a frame belongs to.
type Pool int

const (
	KernelPool Pool = iota
	UserPool
)

// PhysBase is the simulated DRAM start address, matching the SV39 layout
// spec's kernel physical range [0x80000000, 0x80000000+128MiB).
const PhysBase Pa_t = 0x80000000

// Physmem is the backing arena for every "physical" address mem hands
// out: since this kernel runs as a host process rather than directly on
// hardware, physical addresses are PhysBase-relative offsets into this
// byte slice rather than real bus addresses.
var Physmem []byte

// Bytes returns the n-byte slice of Physmem backing physical address pa.
func Bytes(pa Pa_t, n int) []byte {
	off := int(pa - PhysBase)
	if off < 0 || n < 0 || off+n > len(Physmem) {
		panic("mem.Bytes: out of range")
	}
	return Physmem[off : off+n]
}

// AllocRegion is one pool's freelist. The freelist threads through the
// frames themselves: the first 8 bytes of each free frame hold the
// physical address of the next free frame (0 terminates the chain).
type AllocRegion struct {
	name       string
	begin, end Pa_t
	lock       sync.Mutex
	freeCount  int
	freeHead   Pa_t // 0 means empty; frames never legitimately sit at 0
}

var (
	Kernel AllocRegion
	User   AllocRegion
)

func nextPtr(pa Pa_t) *Pa_t {
	return (*Pa_t)(ptrAt(pa))
}

// ptrAt is isolated here because it is the one place this package reaches
// into Physmem with unsafe aliasing, matching the teacher's discipline of
// confining raw pointer arithmetic to the allocator module.
func ptrAt(pa Pa_t) unsafe.Pointer {
	b := Bytes(pa, 8)
	return unsafe.Pointer(&b[0])
}

// Init threads every PGSIZE-aligned frame in [begin, end) onto r's
// freelist. begin and end must already be page-aligned.
func (r *AllocRegion) Init(name string, begin, end Pa_t) {
	if begin%PGSIZE != 0 || end%PGSIZE != 0 || end < begin {
		// Bad pool geometry at boot time, before any process exists to
		// recover from a panic -- log and halt the whole kernel process
		// instead.
		klog.Fatalf("AllocRegion.Init: misaligned range [%#x, %#x)", begin, end)
	}
	r.name = name
	r.begin, r.end = begin, end
	r.freeHead = 0
	r.freeCount = 0
	for pa := begin; pa < end; pa += PGSIZE {
		r.pushLocked(pa)
	}
	klog.Printf("mem: %s pool [%#x, %#x) %d frames", name, begin, end, r.freeCount)
}

func (r *AllocRegion) pushLocked(pa Pa_t) {
	*nextPtr(pa) = r.freeHead
	r.freeHead = pa
	r.freeCount++
}

// Alloc pops a frame from the pool, fills it with the sentinel pattern,
// and returns its address. Exhaustion is fatal.
func (r *AllocRegion) Alloc() Pa_t {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.freeHead == 0 {
		panic("AllocRegion.Alloc: " + r.name + " pool exhausted")
	}
	pa := r.freeHead
	r.freeHead = *nextPtr(pa)
	r.freeCount--
	buf := Bytes(pa, PGSIZE)
	for i := range buf {
		buf[i] = sentinel
	}
	return pa
}

// Free returns a frame to the pool. addr must be page-aligned and within
// the pool's range; freeing an address twice in a row (detectable because
// it would already be the freelist head) is fatal, matching the teacher's
// "no silent double free" discipline.
func (r *AllocRegion) Free(addr Pa_t) {
	if addr%PGSIZE != 0 {
		panic("AllocRegion.Free: misaligned address")
	}
	if addr < r.begin || addr >= r.end {
		panic("AllocRegion.Free: address outside " + r.name + " pool")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if addr == r.freeHead {
		panic("AllocRegion.Free: double free of " + r.name + " frame")
	}
	r.pushLocked(addr)
}

// FreeCount reports the number of frames currently on the freelist.
func (r *AllocRegion) FreeCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.freeCount
}

// FreeAuto dispatches a free to whichever pool's range contains addr.
func FreeAuto(addr Pa_t) {
	switch {
	case addr >= Kernel.begin && addr < Kernel.end:
		Kernel.Free(addr)
	case addr >= User.begin && addr < User.end:
		User.Free(addr)
	default:
		panic("FreeAuto: address in neither pool")
	}
}

// Round helpers specialized to PGSIZE, used throughout vm/proc/fs.
func Roundup(v Pa_t) Pa_t   { return util.Roundup(v, Pa_t(PGSIZE)) }
func Rounddown(v Pa_t) Pa_t { return util.Rounddown(v, Pa_t(PGSIZE)) }
