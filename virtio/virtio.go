// Package virtio implements a VirtIO block device driver over the
// standard legacy MMIO descriptor-ring protocol: a fixed descriptor ring,
// three-descriptor chained read/write requests, and completion draining.
//
// This kernel runs as a host process rather than under QEMU, so there is
// no real MMIO bus or PCI interrupt line, and no feature negotiation or
// magic/version/device-id check takes place. The "device" side is modeled as
// a goroutine that services the avail ring and posts to the used ring
// exactly as real virtio-blk firmware would, backed by an os.File
// (grounded on the teacher's ahci_disk_t).
package virtio

import (
	"os"
	"sync"

	"rvkernel/klog"
)

const (
	BSIZE      = 4096
	SectorSize = 512
	DescCount  = 8 // must be a power of two

	reqTypeIn  = 0 // read
	reqTypeOut = 1 // write
)

const (
	descFlagNext  = 1 << 0
	descFlagWrite = 1 << 1
)

// Buf is one block's worth of data moving across the ring, mirroring the
// original driver's inline buf.data/blockno fields rather than a
// pointer-to-page indirection.
type Buf struct {
	BlockNo uint32
	Data    [BSIZE]byte
}

type desc struct {
	addr  uint64 // opaque handle: index into disk.reqHeaders/disk.bufs/status byte
	kind  descKind
	idx   int
	len   uint32
	flags uint32
	next  int
}

type descKind int

const (
	kindNone descKind = iota
	kindHeader
	kindData
	kindStatus
)

type reqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

// Disk_t is a single virtio-blk device instance.
type Disk_t struct {
	mu sync.Mutex

	file *os.File

	descriptors [DescCount]desc
	descFree    [DescCount]bool

	avail    []int // ring of descriptor-chain heads, logically circular
	availIdx uint16

	usedRing  []int // completed chain heads, in completion order
	usedIndex uint16

	headers [DescCount]reqHeader
	status  [DescCount]byte
	bufs    [DescCount]*Buf

	notify chan struct{}
	done   chan struct{}
}

// Open wraps backing, an already-open file sized in BSIZE blocks, and
// starts the device-side servicing goroutine. It negotiates no features.
func Open(backing *os.File) *Disk_t {
	d := &Disk_t{
		file:   backing,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for i := range d.descFree {
		d.descFree[i] = true
	}
	d.avail = make([]int, 0, DescCount)
	d.usedRing = make([]int, 0, DescCount)
	go d.serviceLoop()
	klog.Printf("virtio: disk opened, %d descriptors", DescCount)
	return d
}

func (d *Disk_t) descAlloc() int {
	for i := range d.descFree {
		if d.descFree[i] {
			d.descFree[i] = false
			return i
		}
	}
	return -1
}

func (d *Disk_t) descFreeOne(i int) {
	if d.descFree[i] {
		panic("virtio: double free of descriptor")
	}
	d.descriptors[i] = desc{}
	d.descFree[i] = true
}

func (d *Disk_t) descChainFree(head int) {
	for {
		cur := d.descriptors[head]
		d.descFreeOne(head)
		if cur.flags&descFlagNext == 0 {
			break
		}
		head = cur.next
	}
}

func (d *Disk_t) allocThree() ([3]int, bool) {
	var out [3]int
	for i := 0; i < 3; i++ {
		idx := d.descAlloc()
		if idx < 0 {
			for j := 0; j < i; j++ {
				d.descFreeOne(out[j])
			}
			return out, false
		}
		out[i] = idx
	}
	return out, true
}

// Rw performs a blocking read or write of b, polling for completion the
// same way the original driver's virtio_disk_rw does (no true hardware
// interrupt exists to wait on in a host process).
func (d *Disk_t) Rw(b *Buf, write bool) {
	d.mu.Lock()
	var idxs [3]int
	for {
		var ok bool
		idxs, ok = d.allocThree()
		if ok {
			break
		}
		d.mu.Unlock()
		d.mu.Lock()
	}

	h := &d.headers[idxs[0]]
	h.Reserved = 0
	h.Sector = uint64(b.BlockNo) * (BSIZE / SectorSize)
	if write {
		h.Type = reqTypeOut
	} else {
		h.Type = reqTypeIn
	}

	d.descriptors[idxs[0]] = desc{kind: kindHeader, idx: idxs[0], flags: descFlagNext, next: idxs[1]}
	dataFlags := uint32(descFlagNext)
	if !write {
		dataFlags |= descFlagWrite
	}
	d.descriptors[idxs[1]] = desc{kind: kindData, idx: idxs[0], len: BSIZE, flags: dataFlags, next: idxs[2]}
	d.status[idxs[0]] = 0xff
	d.descriptors[idxs[2]] = desc{kind: kindStatus, idx: idxs[0], len: 1, flags: descFlagWrite}

	d.bufs[idxs[0]] = b
	d.avail = append(d.avail, idxs[0])
	d.availIdx++

	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}

	for {
		d.mu.Lock()
		if d.bufs[idxs[0]] == nil {
			d.mu.Unlock()
			break
		}
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.descChainFree(idxs[0])
	d.mu.Unlock()
}

// serviceLoop is the simulated device: it drains the avail ring,
// performs the requested I/O against the backing file, and posts
// completions to the used ring.
func (d *Disk_t) serviceLoop() {
	for {
		select {
		case <-d.notify:
		case <-d.done:
			return
		}
		d.mu.Lock()
		for len(d.avail) > 0 {
			head := d.avail[0]
			d.avail = d.avail[1:]
			h := d.headers[head]
			b := d.bufs[head]

			var status byte
			off := int64(h.Sector) * SectorSize
			if h.Type == reqTypeOut {
				if _, err := d.file.WriteAt(b.Data[:], off); err != nil {
					klog.Warn("virtio: write error: %v", err)
					status = 1
				}
			} else {
				if _, err := d.file.ReadAt(b.Data[:], off); err != nil {
					klog.Warn("virtio: read error: %v", err)
					status = 1
				}
			}
			d.status[head] = status
			d.usedRing = append(d.usedRing, head)
			d.usedIndex++
			d.mu.Unlock()
			d.processCompleted()
			d.mu.Lock()
		}
		d.mu.Unlock()
	}
}

// processCompleted drains the used ring, matching process_completed_requests:
// a nonzero completion status is a fatal firmware/wiring contract
// violation, never a recoverable error.
func (d *Disk_t) processCompleted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.usedRing) > 0 {
		head := d.usedRing[0]
		d.usedRing = d.usedRing[1:]
		if d.status[head] != 0 {
			panic("virtio: request completed with nonzero status")
		}
		d.bufs[head] = nil
	}
}

// Close stops the device-servicing goroutine.
func (d *Disk_t) Close() {
	close(d.done)
}
