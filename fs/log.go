package fs

import (
	"rvkernel/proc"
	"rvkernel/spinlock"
	"rvkernel/util"
)

// Log_t is a write-ahead log: a header block (transaction block count
// plus the destination block addresses) followed by that many shadow
// blocks. Transactions are bracketed by BeginOp/EndOp; Write absorbs
// repeated writes to the same block within one transaction.
type Log_t struct {
	lock spinlock.Spinlock_t

	dev         int
	start       int // block number of the log header
	logsize     int // shadow-block capacity (Nlog - 1)
	maxOpBlocks int

	activeOps  int
	committing bool
	blockAddrs []uint32

	bc *Bcache_t
}

func logHart() *spinlock.Cpu_t { return &spinlock.Cpu_t{ID: -1} }

// NewLog constructs the log for sb's volume and immediately recovers any
// committed-but-not-installed transaction left by a prior crash.
func NewLog(dev int, sb *Superblock_t, bc *Bcache_t) *Log_t {
	logsize := sb.Nlog() - 1
	if logsize <= 4 {
		panic("NewLog: log region too small")
	}
	l := &Log_t{
		lock:        spinlock.Spinlock_t{Name: "log"},
		dev:         dev,
		start:       sb.Logstart(),
		logsize:     logsize,
		maxOpBlocks: (logsize - 1 - 1 - 2) / 2,
		bc:          bc,
	}
	l.recover()
	return l
}

// readHeaderLocked loads the on-disk header into blockAddrs. The header
// layout is 4 bytes of count followed by 4-byte block addresses.
func (l *Log_t) readHeaderLocked() {
	hb := l.bc.Bread(l.dev, uint32(l.start))
	count := util.Readn(hb.Data[:], 4, 0)
	l.blockAddrs = l.blockAddrs[:0]
	for i := 0; i < count; i++ {
		addr := util.Readn(hb.Data[:], 4, 4+4*i)
		l.blockAddrs = append(l.blockAddrs, uint32(addr))
	}
	l.bc.Brelse(hb)
}

func (l *Log_t) writeHeaderLocked() {
	hb := l.bc.Bread(l.dev, uint32(l.start))
	util.Writen(hb.Data[:], 4, 0, len(l.blockAddrs))
	for i, addr := range l.blockAddrs {
		util.Writen(hb.Data[:], 4, 4+4*i, int(addr))
	}
	l.bc.Bwrite(hb)
	l.bc.Brelse(hb)
}

func (l *Log_t) recover() {
	l.readHeaderLocked()
	if len(l.blockAddrs) > 0 {
		l.installBlocks(true)
	}
	l.blockAddrs = l.blockAddrs[:0]
	l.writeHeaderLocked()
}

// BeginOp blocks while a commit is in progress or while admitting this
// operation could overflow the log, then counts it as active.
func (l *Log_t) BeginOp(p *proc.Proc_t) {
	hart := logHart()
	l.lock.Acquire(hart)
	for {
		if l.committing {
			proc.Sleep(p, l, &l.lock, hart)
			continue
		}
		if len(l.blockAddrs)+(l.activeOps+1)*l.maxOpBlocks > l.logsize {
			proc.Sleep(p, l, &l.lock, hart)
			continue
		}
		l.activeOps++
		break
	}
	l.lock.Release(hart)
}

// EndOp decrements the active-operation count; the last caller out
// commits the transaction.
func (l *Log_t) EndOp(p *proc.Proc_t) {
	hart := logHart()
	l.lock.Acquire(hart)
	l.activeOps--
	if l.committing {
		panic("EndOp: called while a commit is in progress")
	}
	doCommit := false
	if l.activeOps == 0 {
		doCommit = true
		l.committing = true
	} else {
		proc.Wakeup(l)
	}
	l.lock.Release(hart)

	if doCommit {
		l.commit()
		hart2 := logHart()
		l.lock.Acquire(hart2)
		l.committing = false
		l.lock.Release(hart2)
		proc.Wakeup(l)
	}
}

// Write records b as modified within the current transaction, pinning it
// the first time it is added so the cache cannot evict it before commit.
func (l *Log_t) Write(b *Buf_t) {
	hart := logHart()
	l.lock.Acquire(hart)
	defer l.lock.Release(hart)

	if len(l.blockAddrs) >= l.logsize {
		panic("Log_t.Write: transaction too large")
	}
	if l.activeOps < 1 {
		panic("Log_t.Write: called outside a transaction")
	}
	for _, a := range l.blockAddrs {
		if a == b.BlockNo {
			return
		}
	}
	l.blockAddrs = append(l.blockAddrs, b.BlockNo)
	l.bc.Bpin(b)
}

// commit is the four-step protocol: write shadow blocks, write the
// header with count > 0 (the commit point), install to destination, then
// write the header with count == 0.
func (l *Log_t) commit() {
	if len(l.blockAddrs) == 0 {
		return
	}
	l.writeLogBlocks()
	l.writeHeaderLocked()
	l.installBlocks(false)
	l.blockAddrs = l.blockAddrs[:0]
	l.writeHeaderLocked()
}

func (l *Log_t) writeLogBlocks() {
	for i, addr := range l.blockAddrs {
		logBlk := l.bc.Bread(l.dev, uint32(l.start+1+i))
		src := l.bc.Bread(l.dev, addr)
		logBlk.Data = src.Data
		l.bc.Bwrite(logBlk)
		l.bc.Brelse(src)
		l.bc.Brelse(logBlk)
	}
}

func (l *Log_t) installBlocks(recovery bool) {
	for i, addr := range l.blockAddrs {
		logBlk := l.bc.Bread(l.dev, uint32(l.start+1+i))
		dst := l.bc.Bread(l.dev, addr)
		dst.Data = logBlk.Data
		l.bc.Bwrite(dst)
		if !recovery {
			l.bc.Bunpin(dst)
		}
		l.bc.Brelse(logBlk)
		l.bc.Brelse(dst)
	}
}
