package vm

import (
	"sync"

	"rvkernel/mem"
)

// MakeKernelPagetable builds the kernel's page table: identity maps for
// UART, CLINT, PLIC, VirtIO, kernel text+data up to the allocatable
// region, the allocatable region itself, the trampoline page, and one
// guard-paged kernel stack per process slot.
func MakeKernelPagetable(nproc int, textEnd mem.Pa_t, trampoline mem.Pa_t) mem.Pa_t {
	kpt := NewPagetable()

	ident := func(pa mem.Pa_t, sz int, perm uint64) {
		MapPages(kpt, Va_t(pa), pa, sz, perm)
	}
	ident(UART0, mem.PGSIZE, mem.PTE_R|mem.PTE_W)
	ident(CLINT, CLINTSz, mem.PTE_R|mem.PTE_W)
	ident(PLIC, PLICSz, mem.PTE_R|mem.PTE_W)
	ident(VIRTIO0, mem.PGSIZE, mem.PTE_R|mem.PTE_W)

	// Kernel text+data up to the allocatable region: executable and
	// writable, matching a teaching kernel's single combined segment.
	ident(mem.PhysBase, int(textEnd-mem.PhysBase), mem.PTE_R|mem.PTE_W|mem.PTE_X)

	// Allocatable region: identity-mapped read/write, no execute.
	allocEnd := mem.PhysBase + mem.Pa_t(len(mem.Physmem))
	ident(textEnd, int(allocEnd-textEnd), mem.PTE_R|mem.PTE_W)

	// Trampoline page, shared read/execute at the top of every address
	// space.
	MapPages(kpt, TRAMPOLINE, trampoline, mem.PGSIZE, mem.PTE_R|mem.PTE_X)

	// One guard-paged kernel stack per process slot.
	for p := 0; p < nproc; p++ {
		stack := mem.Kernel.Alloc()
		MapPages(kpt, KSTACK(p), stack, mem.PGSIZE, mem.PTE_R|mem.PTE_W)
	}
	return kpt
}

// Region is an anonymous mapped range recorded in an address space's
// mmap list. Regions are drawn from a fixed-capacity pool, grounded on
// the original implementation's array-backed mmap_region_alloc/free
// rather than a dynamically growing slice.
type Region struct {
	Begin  Va_t
	Npages int
	Perm   uint64

	next     *Region // sorted mmap-list linkage, valid only while attached
	poolNext *Region // freelist linkage, valid only while free
}

const maxRegions = 256

var regionPool struct {
	mu   sync.Mutex
	free *Region
}

func init() {
	slots := make([]Region, maxRegions)
	for i := range slots {
		slots[i].poolNext = regionPool.free
		regionPool.free = &slots[i]
	}
}

func allocRegion() *Region {
	regionPool.mu.Lock()
	defer regionPool.mu.Unlock()
	if regionPool.free == nil {
		panic("vm: mmap-region pool exhausted")
	}
	r := regionPool.free
	regionPool.free = r.poolNext
	r.poolNext = nil
	r.next = nil
	return r
}

func freeRegion(r *Region) {
	regionPool.mu.Lock()
	defer regionPool.mu.Unlock()
	*r = Region{poolNext: regionPool.free}
	regionPool.free = r
}

// AddressSpace_t is a process's virtual address space: its top-level
// page table, the sorted mmap-region list, the heap/stack high-water
// marks, and the trapframe frame mapped at TRAPFRAME.
type AddressSpace_t struct {
	mu          sync.Mutex
	Pgtbl       mem.Pa_t
	HeapTop     Va_t
	UstackPages int
	mmap        *Region // sorted ascending by Begin
	Trapframe   mem.Pa_t
}

// NewAddressSpace allocates a fresh, empty address space with its
// trapframe frame allocated, zeroed, and mapped at TRAPFRAME.
func NewAddressSpace() *AddressSpace_t {
	as := &AddressSpace_t{Pgtbl: NewPagetable()}
	as.Trapframe = mem.Kernel.Alloc()
	buf := mem.Bytes(as.Trapframe, mem.PGSIZE)
	for i := range buf {
		buf[i] = 0
	}
	MapPages(as.Pgtbl, TRAPFRAME, as.Trapframe, mem.PGSIZE, mem.PTE_R|mem.PTE_W|mem.PTE_U)
	return as
}

// CopyTrapframe duplicates parent's trapframe content into child's, then
// zeroes child's a0 so the forked child observes a 0 return value (spec
// §4.6).
func CopyTrapframe(parent, child *AddressSpace_t) {
	copy(mem.Bytes(child.Trapframe, mem.PGSIZE), mem.Bytes(parent.Trapframe, mem.PGSIZE))
	trapframe(child.Trapframe).A0 = 0
}

func pageRound(v Va_t) Va_t { return Va_t(mem.Roundup(mem.Pa_t(v))) }

// Mmap inserts a new anonymous region of npages pages with the given
// permission bits, either at the caller-supplied page-aligned begin, or,
// if begin is 0, at the first gap above round_up(heap_top)+PGSIZE and
// below TRAPFRAME-ustack*PGSIZE-PGSIZE.
func (as *AddressSpace_t) Mmap(begin Va_t, npages int, perm uint64) Va_t {
	if npages <= 0 {
		panic("Mmap: npages must be positive")
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	length := npages * mem.PGSIZE
	if begin == 0 {
		lo := pageRound(as.HeapTop) + Va_t(mem.PGSIZE)
		hi := TRAPFRAME - Va_t(as.UstackPages)*Va_t(mem.PGSIZE) - Va_t(mem.PGSIZE)
		begin = as.firstFitLocked(lo, hi, length)
	} else if uintptr(begin)%mem.PGSIZE != 0 {
		panic("Mmap: begin not page-aligned")
	}

	r := allocRegion()
	r.Begin, r.Npages, r.Perm = begin, npages, perm
	as.insertLocked(r)

	for off := 0; off < length; off += mem.PGSIZE {
		pa := mem.User.Alloc()
		MapPages(as.Pgtbl, begin+Va_t(off), pa, mem.PGSIZE, perm|mem.PTE_U)
	}
	return begin
}

// firstFitLocked scans the sorted mmap list for the first gap of at
// least length bytes within [lo, hi).
func (as *AddressSpace_t) firstFitLocked(lo, hi Va_t, length int) Va_t {
	cand := lo
	for r := as.mmap; r != nil; r = r.next {
		if cand+Va_t(length) <= r.Begin {
			break
		}
		end := r.Begin + Va_t(r.Npages*mem.PGSIZE)
		if end > cand {
			cand = end
		}
	}
	if cand+Va_t(length) > hi {
		panic("Mmap: no room for region")
	}
	return cand
}

func (as *AddressSpace_t) insertLocked(r *Region) {
	if as.mmap == nil || r.Begin < as.mmap.Begin {
		r.next = as.mmap
		as.mmap = r
		return
	}
	p := as.mmap
	for p.next != nil && p.next.Begin < r.Begin {
		p = p.next
	}
	r.next = p.next
	p.next = r
}

// Munmap unmaps [begin, begin+npages*PGSIZE), freeing backing frames.
// Each existing region overlapping the target range is handled by one of
// five cases: disjoint (skip), fully covered (remove), prefix covered
// (shrink from left), suffix covered (shrink from right), or strictly
// interior (split into two).
func (as *AddressSpace_t) Munmap(begin Va_t, npages int) {
	as.mu.Lock()
	defer as.mu.Unlock()

	targetEnd := begin + Va_t(npages*mem.PGSIZE)

	var prev *Region
	r := as.mmap
	for r != nil {
		rEnd := r.Begin + Va_t(r.Npages*mem.PGSIZE)
		next := r.next

		switch {
		case rEnd <= begin || r.Begin >= targetEnd:
			// disjoint
		case r.Begin >= begin && rEnd <= targetEnd:
			// fully covered: remove
			if prev == nil {
				as.mmap = next
			} else {
				prev.next = next
			}
			freeRegion(r)
			r = next
			continue
		case r.Begin < begin && rEnd <= targetEnd:
			// suffix covered: shrink from right, keep [r.Begin, begin)
			r.Npages = int((begin - r.Begin) / Va_t(mem.PGSIZE))
		case r.Begin >= begin && rEnd > targetEnd:
			// prefix covered: shrink from left, keep [targetEnd, rEnd)
			r.Npages = int((rEnd - targetEnd) / Va_t(mem.PGSIZE))
			r.Begin = targetEnd
		default:
			// strictly interior: split into [r.Begin,begin) and
			// [targetEnd,rEnd)
			tail := allocRegion()
			tail.Begin = targetEnd
			tail.Npages = int((rEnd - targetEnd) / Va_t(mem.PGSIZE))
			tail.Perm = r.Perm
			tail.next = r.next
			r.next = tail
			r.Npages = int((begin - r.Begin) / Va_t(mem.PGSIZE))
		}
		prev = r
		r = next
	}

	UnmapPages(as.Pgtbl, begin, npages*mem.PGSIZE, true)
}

// HeapGrow moves the heap high-water mark from its current value by len
// bytes, mapping newly covered pages R|W|U. Returns the new top, or the
// unchanged old top if growth would collide with the stack guard.
func (as *AddressSpace_t) HeapGrow(length int) Va_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	old := as.HeapTop
	newTop := old + Va_t(length)
	if pageRound(newTop) >= TRAPFRAME-Va_t(256*mem.PGSIZE) {
		return old
	}
	oldPages := pageRound(old)
	newPages := pageRound(newTop)
	for va := oldPages; va < newPages; va += Va_t(mem.PGSIZE) {
		pa := mem.User.Alloc()
		MapPages(as.Pgtbl, va, pa, mem.PGSIZE, mem.PTE_R|mem.PTE_W|mem.PTE_U)
	}
	as.HeapTop = newTop
	return newTop
}

// HeapUngrow is the symmetric shrink: pages falling outside the new
// high-water mark are unmapped and freed.
func (as *AddressSpace_t) HeapUngrow(newTop Va_t) Va_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	old := as.HeapTop
	if newTop >= old {
		return old
	}
	oldPages := pageRound(old)
	newPages := pageRound(newTop)
	if newPages < oldPages {
		UnmapPages(as.Pgtbl, newPages, int(oldPages-newPages), true)
	}
	as.HeapTop = newTop
	return newTop
}

// CopyAddressSpace duplicates the heap range [PGSIZE, round_up(heapTop)),
// the user-stack range below the trapframe, and every anonymous mmap
// region from old into new, allocating a fresh frame per mapped source
// page and copying contents.
func CopyAddressSpace(old, new *AddressSpace_t) {
	old.mu.Lock()
	defer old.mu.Unlock()

	copyRange := func(begin, end Va_t, perm uint64) {
		for va := begin; va < end; va += Va_t(mem.PGSIZE) {
			srcPa := walkaddr(old.Pgtbl, va)
			if srcPa == 0 {
				continue
			}
			dstPa := mem.User.Alloc()
			copy(mem.Bytes(dstPa, mem.PGSIZE), mem.Bytes(srcPa, mem.PGSIZE))
			MapPages(new.Pgtbl, va, dstPa, mem.PGSIZE, perm)
		}
	}

	copyRange(Va_t(mem.PGSIZE), pageRound(old.HeapTop), mem.PTE_R|mem.PTE_W|mem.PTE_U)

	stackBegin := TRAPFRAME - Va_t(old.UstackPages)*Va_t(mem.PGSIZE)
	copyRange(stackBegin, TRAPFRAME, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	for r := old.mmap; r != nil; r = r.next {
		nr := allocRegion()
		nr.Begin, nr.Npages, nr.Perm = r.Begin, r.Npages, r.Perm
		new.insertLocked(nr)
		copyRange(r.Begin, r.Begin+Va_t(r.Npages*mem.PGSIZE), r.Perm|mem.PTE_U)
	}
	new.HeapTop = old.HeapTop
	new.UstackPages = old.UstackPages
}

// Destroy unmaps the trampoline and trapframe without freeing them, then
// frees every remaining mapped frame and page-table node.
func (as *AddressSpace_t) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	UnmapPages(as.Pgtbl, TRAMPOLINE, mem.PGSIZE, false)
	UnmapPages(as.Pgtbl, TRAPFRAME, mem.PGSIZE, false)
	for r := as.mmap; r != nil; {
		next := r.next
		freeRegion(r)
		r = next
	}
	as.mmap = nil
	DestroyAddressSpace(as.Pgtbl)
}
