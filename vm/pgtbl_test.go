package vm

import (
	"testing"

	"rvkernel/mem"
)

// setupMem gives the vm package's tests a private physical arena and
// kernel/user pools, restored after the test.
func setupMem(t *testing.T, frames int) {
	t.Helper()
	oldPhysmem, oldK, oldU := mem.Physmem, mem.Kernel, mem.User
	mem.Physmem = make([]byte, frames*mem.PGSIZE)
	mem.Kernel = mem.AllocRegion{}
	mem.User = mem.AllocRegion{}
	half := frames / 2
	mem.Kernel.Init("kernel", mem.PhysBase, mem.PhysBase+mem.Pa_t(half*mem.PGSIZE))
	mem.User.Init("user", mem.PhysBase+mem.Pa_t(half*mem.PGSIZE), mem.PhysBase+mem.Pa_t(frames*mem.PGSIZE))
	t.Cleanup(func() { mem.Physmem, mem.Kernel, mem.User = oldPhysmem, oldK, oldU })
}

func TestMapPagesWalkRoundTrip(t *testing.T) {
	setupMem(t, 32)
	pgtbl := NewPagetable()

	pa := mem.User.Alloc()
	va := Va_t(0x1000)
	MapPages(pgtbl, va, pa, mem.PGSIZE, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	pte := Walk(pgtbl, va, false)
	if pte == nil {
		t.Fatal("Walk returned nil after MapPages")
	}
	if pte2pa(*pte) != pa {
		t.Fatalf("Walk translated %#x to %#x, want %#x", va, pte2pa(*pte), pa)
	}
	if *pte&mem.PTE_V == 0 || *pte&mem.PTE_U == 0 {
		t.Fatal("mapped leaf is missing V or U bits")
	}
}

func TestMapPagesRemapPanics(t *testing.T) {
	setupMem(t, 32)
	pgtbl := NewPagetable()
	pa := mem.User.Alloc()
	va := Va_t(0x2000)
	MapPages(pgtbl, va, pa, mem.PGSIZE, mem.PTE_R|mem.PTE_U)

	defer func() {
		if recover() == nil {
			t.Fatal("remapping an already-valid leaf did not panic")
		}
	}()
	MapPages(pgtbl, va, pa, mem.PGSIZE, mem.PTE_R|mem.PTE_U)
}

func TestUnmapPagesFreesFrame(t *testing.T) {
	setupMem(t, 32)
	pgtbl := NewPagetable()
	before := mem.User.FreeCount()

	pa := mem.User.Alloc()
	va := Va_t(0x3000)
	MapPages(pgtbl, va, pa, mem.PGSIZE, mem.PTE_R|mem.PTE_W|mem.PTE_U)
	UnmapPages(pgtbl, va, mem.PGSIZE, true)

	if got, exp := mem.User.FreeCount(), before; got != exp {
		t.Fatalf("FreeCount after Unmap(free=true): got %d, exp %d", got, exp)
	}
	if pte := Walk(pgtbl, va, false); pte != nil && *pte&mem.PTE_V != 0 {
		t.Fatal("leaf still valid after UnmapPages")
	}
}

func TestUnmapPagesAbsentIsNoop(t *testing.T) {
	setupMem(t, 32)
	pgtbl := NewPagetable()
	UnmapPages(pgtbl, Va_t(0x5000), mem.PGSIZE, true) // must not panic
}

func TestDestroyAddressSpaceFreesEverything(t *testing.T) {
	setupMem(t, 32)
	kBefore := mem.Kernel.FreeCount()
	uBefore := mem.User.FreeCount()

	pgtbl := NewPagetable() // consumed one kernel frame
	for i := 0; i < 3; i++ {
		pa := mem.User.Alloc()
		MapPages(pgtbl, Va_t((i+1)*mem.PGSIZE), pa, mem.PGSIZE, mem.PTE_R|mem.PTE_W|mem.PTE_U)
	}

	DestroyAddressSpace(pgtbl)

	if got, exp := mem.Kernel.FreeCount(), kBefore; got != exp {
		t.Fatalf("Kernel.FreeCount after Destroy: got %d, exp %d", got, exp)
	}
	if got, exp := mem.User.FreeCount(), uBefore; got != exp {
		t.Fatalf("User.FreeCount after Destroy: got %d, exp %d", got, exp)
	}
}

func TestCopyInOutRoundTrip(t *testing.T) {
	setupMem(t, 32)
	pgtbl := NewPagetable()
	pa := mem.User.Alloc()
	va := Va_t(0x4000)
	MapPages(pgtbl, va, pa, mem.PGSIZE, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	msg := []byte("hello from the kernel")
	if !CopyOut(pgtbl, va+16, msg) {
		t.Fatal("CopyOut failed against a mapped page")
	}
	back := make([]byte, len(msg))
	if !CopyIn(pgtbl, back, va+16) {
		t.Fatal("CopyIn failed against a mapped page")
	}
	if string(back) != string(msg) {
		t.Fatalf("CopyIn/CopyOut round trip mismatch: got %q, want %q", back, msg)
	}
}

func TestCopyInStrStopsAtNUL(t *testing.T) {
	setupMem(t, 32)
	pgtbl := NewPagetable()
	pa := mem.User.Alloc()
	va := Va_t(0x6000)
	MapPages(pgtbl, va, pa, mem.PGSIZE, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	CopyOut(pgtbl, va, []byte("hi\x00trailing garbage"))
	s, found := CopyInStr(pgtbl, va, 64)
	if !found {
		t.Fatal("CopyInStr did not find the NUL terminator")
	}
	if string(s) != "hi" {
		t.Fatalf("CopyInStr returned %q, want %q", s, "hi")
	}
}

func TestCopyInStrTruncatesAtMaxlen(t *testing.T) {
	setupMem(t, 32)
	pgtbl := NewPagetable()
	pa := mem.User.Alloc()
	va := Va_t(0x7000)
	MapPages(pgtbl, va, pa, mem.PGSIZE, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	long := make([]byte, 32)
	for i := range long {
		long[i] = 'x'
	}
	CopyOut(pgtbl, va, long)
	s, found := CopyInStr(pgtbl, va, 8)
	if found {
		t.Fatal("CopyInStr reported finding a NUL that isn't there")
	}
	if len(s) != 8 {
		t.Fatalf("CopyInStr with maxlen=8 returned %d bytes", len(s))
	}
}

func TestCopyOutUnmappedFails(t *testing.T) {
	setupMem(t, 32)
	pgtbl := NewPagetable()
	if CopyOut(pgtbl, Va_t(0x9000), []byte("nope")) {
		t.Fatal("CopyOut against an unmapped page reported success")
	}
}
