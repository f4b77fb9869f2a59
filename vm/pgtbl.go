// Package vm implements SV39 paging: the three-level page-table walker,
// kernel map construction, and per-process address-space operations
// (mmap/munmap, heap grow/ungrow, address-space copy, user copy
// primitives).
package vm

import (
	"unsafe"

	"rvkernel/mem"
)

// Va_t is a virtual address.
type Va_t uintptr

const (
	// VA_MAX is the largest SV39 virtual address plus one.
	VA_MAX = 1 << 38

	TRAMPOLINE = Va_t(VA_MAX - mem.PGSIZE)
	TRAPFRAME  = TRAMPOLINE - mem.PGSIZE
)

// KSTACK returns the kernel-stack virtual address for process slot p,
// leaving an unmapped guard page immediately below it.
func KSTACK(p int) Va_t {
	return TRAMPOLINE - Va_t(p+1)*2*mem.PGSIZE
}

// Device MMIO addresses, identity-mapped into the kernel page table.
const (
	UART0  = mem.Pa_t(0x10000000)
	CLINT  = mem.Pa_t(0x02000000)
	CLINTSz = 0x10000
	PLIC   = mem.Pa_t(0x0c000000)
	PLICSz = 0x400000
	VIRTIO0 = mem.Pa_t(0x10001000)
)

const pteBitsPerLevel = 9
const pteEntries = 512

// pte2pa extracts the physical frame address from a page-table entry.
func pte2pa(pte uint64) mem.Pa_t {
	return mem.Pa_t((pte >> 10) << 12)
}

// pa2pte packs a physical frame address into the PPN field of a PTE.
func pa2pte(pa mem.Pa_t) uint64 {
	return (uint64(pa) >> 12) << 10
}

// pxindex extracts the 9-bit VPN slice for the given page-table level
// (2 = top, 0 = leaf).
func pxindex(level int, va Va_t) int {
	shift := 12 + level*pteBitsPerLevel
	return int((uintptr(va) >> shift) & 0x1ff)
}

// node reinterprets a page-table frame as 512 64-bit entries, matching
// the teacher's Pmap_t technique of viewing a frame as a typed array
// rather than copying it.
func node(pt mem.Pa_t) *[pteEntries]uint64 {
	return (*[pteEntries]uint64)(unsafe.Pointer(&mem.Bytes(pt, mem.PGSIZE)[0]))
}

// Trapframe_t is the saved user-mode register file mapped at TRAPFRAME
// in a process's address space. Only A0, the syscall/fork return-value
// slot this kernel actually reads or writes, is modeled; the rest of the
// frame is reserved space matching the trapframe's real PGSIZE footprint.
type Trapframe_t struct {
	A0 uint64
	_  [mem.PGSIZE/8 - 1]uint64
}

// trapframe reinterprets a trapframe frame as a Trapframe_t, the same
// technique node uses for page-table frames.
func trapframe(pa mem.Pa_t) *Trapframe_t {
	return (*Trapframe_t)(unsafe.Pointer(&mem.Bytes(pa, mem.PGSIZE)[0]))
}

// Walk descends three levels using the 9-bit VPN slices of va. On a zero
// entry at an internal level with alloc set, a zeroed frame is allocated
// from the kernel pool and installed as an internal (valid-only) entry.
// Returns a pointer to the level-0 entry, or nil if absent and alloc is
// false.
func Walk(pgtbl mem.Pa_t, va Va_t, alloc bool) *uint64 {
	for level := 2; level > 0; level-- {
		pn := node(pgtbl)
		pte := &pn[pxindex(level, va)]
		if *pte&mem.PTE_V == 0 {
			if !alloc {
				return nil
			}
			child := mem.Kernel.Alloc()
			zero := mem.Bytes(child, mem.PGSIZE)
			for i := range zero {
				zero[i] = 0
			}
			*pte = pa2pte(child) | mem.PTE_V
		}
		pgtbl = pte2pa(*pte)
	}
	pn := node(pgtbl)
	return &pn[pxindex(0, va)]
}

// MapPages installs len/PGSIZE leaf entries starting at va, each mapping
// the corresponding page of pa with perm|V. va, pa, and len must all be
// page-aligned and len > 0. Remapping an already-valid leaf is fatal.
func MapPages(pgtbl mem.Pa_t, va Va_t, pa mem.Pa_t, length int, perm uint64) {
	if uintptr(va)%mem.PGSIZE != 0 || uintptr(pa)%mem.PGSIZE != 0 || length%mem.PGSIZE != 0 || length <= 0 {
		panic("MapPages: misaligned arguments")
	}
	if uintptr(va)+uintptr(length) > VA_MAX {
		panic("MapPages: va+len exceeds VA_MAX")
	}
	for off := 0; off < length; off += mem.PGSIZE {
		pte := Walk(pgtbl, va+Va_t(off), true)
		if *pte&mem.PTE_V != 0 {
			panic("MapPages: remap of valid leaf")
		}
		*pte = pa2pte(pa+mem.Pa_t(off)) | perm | mem.PTE_V
	}
}

// UnmapPages clears leaf entries over [va, va+len). Absent entries are
// silently skipped. If free, the underlying frame is returned to the
// user pool.
func UnmapPages(pgtbl mem.Pa_t, va Va_t, length int, free bool) {
	if uintptr(va)%mem.PGSIZE != 0 || length%mem.PGSIZE != 0 {
		panic("UnmapPages: misaligned arguments")
	}
	for off := 0; off < length; off += mem.PGSIZE {
		pte := Walk(pgtbl, va+Va_t(off), false)
		if pte == nil || *pte&mem.PTE_V == 0 {
			continue
		}
		pa := pte2pa(*pte)
		*pte = 0
		if free {
			mem.User.Free(pa)
		}
	}
}

// freewalk recursively frees a page-table subtree rooted at pt at the
// given level. Leaf entries (level 0, or any level whose entry carries
// R/W/X) free their frame to the user pool; internal entries recurse
// before freeing the page-table frame itself to the kernel pool.
func freewalk(pt mem.Pa_t, level int) {
	pn := node(pt)
	for i := range pn {
		pte := &pn[i]
		if *pte&mem.PTE_V == 0 {
			continue
		}
		if level == 0 || *pte&(mem.PTE_R|mem.PTE_W|mem.PTE_X) != 0 {
			mem.User.Free(pte2pa(*pte))
		} else {
			child := pte2pa(*pte)
			if level > 0 {
				freewalk(child, level-1)
			}
			mem.Kernel.Free(child)
		}
		*pte = 0
	}
}

// DestroyAddressSpace frees an entire user address space: the caller must
// have already unmapped the trampoline and trapframe without freeing
// them (they are shared/per-process special mappings, not ordinary
// leaves owned by this tree).
func DestroyAddressSpace(root mem.Pa_t) {
	freewalk(root, 2)
	mem.Kernel.Free(root)
}

// NewPagetable allocates and zeroes a fresh top-level page-table frame.
func NewPagetable() mem.Pa_t {
	pt := mem.Kernel.Alloc()
	buf := mem.Bytes(pt, mem.PGSIZE)
	for i := range buf {
		buf[i] = 0
	}
	return pt
}

// walkaddr translates a user virtual address to its physical frame,
// returning 0 if unmapped or the entry is not user-accessible.
func walkaddr(pgtbl mem.Pa_t, va Va_t) mem.Pa_t {
	pte := Walk(pgtbl, va, false)
	if pte == nil || *pte&mem.PTE_V == 0 || *pte&mem.PTE_U == 0 {
		return 0
	}
	return pte2pa(*pte)
}

// CopyOut copies len(src) bytes from the kernel into the user address
// space starting at dstva, one page at a time.
func CopyOut(pgtbl mem.Pa_t, dstva Va_t, src []byte) bool {
	n := len(src)
	va := dstva
	off := 0
	for off < n {
		base := Va_t(uintptr(va) &^ (mem.PGSIZE - 1))
		pa := walkaddr(pgtbl, base)
		if pa == 0 {
			return false
		}
		pageoff := int(uintptr(va) - uintptr(base))
		chunk := mem.PGSIZE - pageoff
		if chunk > n-off {
			chunk = n - off
		}
		copy(mem.Bytes(pa, mem.PGSIZE)[pageoff:pageoff+chunk], src[off:off+chunk])
		off += chunk
		va += Va_t(chunk)
	}
	return true
}

// CopyIn copies len(dst) bytes from the user address space starting at
// srcva into dst, one page at a time.
func CopyIn(pgtbl mem.Pa_t, dst []byte, srcva Va_t) bool {
	n := len(dst)
	va := srcva
	off := 0
	for off < n {
		base := Va_t(uintptr(va) &^ (mem.PGSIZE - 1))
		pa := walkaddr(pgtbl, base)
		if pa == 0 {
			return false
		}
		pageoff := int(uintptr(va) - uintptr(base))
		chunk := mem.PGSIZE - pageoff
		if chunk > n-off {
			chunk = n - off
		}
		copy(dst[off:off+chunk], mem.Bytes(pa, mem.PGSIZE)[pageoff:pageoff+chunk])
		off += chunk
		va += Va_t(chunk)
	}
	return true
}

// CopyInStr copies a NUL-terminated string from the user address space,
// stopping at the first NUL or after maxlen bytes (in which case the
// last written byte is forced to NUL). Returns the bytes copied,
// excluding the terminator, and whether a NUL was found within maxlen.
func CopyInStr(pgtbl mem.Pa_t, srcva Va_t, maxlen int) ([]byte, bool) {
	out := make([]byte, 0, maxlen)
	va := srcva
	for len(out) < maxlen {
		base := Va_t(uintptr(va) &^ (mem.PGSIZE - 1))
		pa := walkaddr(pgtbl, base)
		if pa == 0 {
			return out, false
		}
		pageoff := int(uintptr(va) - uintptr(base))
		page := mem.Bytes(pa, mem.PGSIZE)
		for pageoff < mem.PGSIZE && len(out) < maxlen {
			c := page[pageoff]
			if c == 0 {
				return out, true
			}
			out = append(out, c)
			pageoff++
			va++
		}
	}
	if len(out) > 0 {
		out[len(out)-1] = 0
	}
	return out, false
}
