// Package proc implements the process table and scheduler: per-hart
// scheduler loops, sleep/wakeup on opaque wait-channel addresses,
// fork/wait/exit with reparenting to the init process, and the global
// wait-lock protecting the parent-pointer invariant.
//
// Each hart is a goroutine running Scheduler; each live process is its
// own goroutine blocked on a resume channel until a scheduler hands it
// the CPU. This channel rendezvous is the necessary stand-in for the
// teacher's assembly-level context switch: a process's slot lock is
// acquired once by the scheduler before handoff and released by the
// scheduler once the process parks again, so Acquire/Release of a slot
// lock only ever happens from scheduler-loop code, never from within a
// running process body.
package proc

import (
	"sync"

	"rvkernel/klog"
	"rvkernel/mem"
	"rvkernel/spinlock"
	"rvkernel/vm"
)

type State int

const (
	Unused State = iota
	Runnable
	Running
	Sleeping
	Zombie
)

const (
	NPROC = 64
	NCPU  = 2
)

// Proc_t is one process-table slot.
type Proc_t struct {
	lock spinlock.Spinlock_t

	Pid        int
	State      State
	Parent     *Proc_t
	ExitStatus int
	Chan       interface{}
	Killed     bool

	AS          *vm.AddressSpace_t
	KStack      vm.Va_t
	HeapTop     vm.Va_t
	UstackPages int
	Trapframe   mem.Pa_t // mirrors AS.Trapframe; owned for the lifetime of State != Unused

	// Cwd is the process's current-working-directory inode. Typed as
	// interface{} (rather than *fs.Inode_t) because package fs imports
	// proc for sleeplock/log-wait plumbing -- proc importing fs back would
	// cycle. Package fs type-asserts this on the way in and out.
	Cwd interface{}

	runningOn int // hart id while State == Running, else -1

	resume chan struct{}
	parked chan struct{}
}

var table struct {
	procs    [NPROC]Proc_t
	waitLock spinlock.Spinlock_t
	nextPid  int
	pidLock  sync.Mutex
}

var Cpus [NCPU]spinlock.Cpu_t

// ephemeral returns a throwaway Cpu_t for table-management calls made
// outside any scheduler loop (process creation, wait, wakeup). Each call
// site uses its own instance so concurrent callers never share mutable
// nesting-depth bookkeeping.
func ephemeral() *spinlock.Cpu_t { return &spinlock.Cpu_t{ID: -1} }

func init() {
	for i := range table.procs {
		p := &table.procs[i]
		p.lock = spinlock.Spinlock_t{Name: "proc.slot"}
		p.State = Unused
	}
	table.waitLock = spinlock.Spinlock_t{Name: "proc.waitLock"}
	table.nextPid = 1
	for i := range Cpus {
		Cpus[i] = spinlock.Cpu_t{ID: i}
	}
	spinlock.SetWaitProvider(sleepHook, wakeupHook)
}

func allocPid() int {
	table.pidLock.Lock()
	defer table.pidLock.Unlock()
	pid := table.nextPid
	table.nextPid++
	return pid
}

// allocProc finds an Unused slot, initializes it, and starts its body
// goroutine. Exhaustion (no free process slot) is fatal per spec's
// resource-exhaustion taxonomy.
func allocProc(parent *Proc_t, body func(*Proc_t)) *Proc_t {
	for i := range table.procs {
		p := &table.procs[i]
		hart := ephemeral()
		p.lock.Acquire(hart)
		if p.State == Unused {
			p.Pid = allocPid()
			p.Parent = parent
			p.ExitStatus = 0
			p.Chan = nil
			p.Killed = false
			p.runningOn = -1
			p.resume = make(chan struct{})
			p.parked = make(chan struct{}, 1)
			p.State = Runnable
			p.lock.Release(hart)
			go runBody(p, body)
			return p
		}
		p.lock.Release(hart)
	}
	panic("proc: no free process slot")
}

func runBody(p *Proc_t, body func(*Proc_t)) {
	<-p.resume
	status := 0
	func() {
		defer func() {
			if r := recover(); r != nil {
				klog.Warn("proc %d panicked: %v", p.Pid, r)
				status = -1
			}
		}()
		body(p)
		status = 0
	}()
	doExit(p, status)
	p.parked <- struct{}{}
	<-p.resume // Zombie slots never run again until reaped and reused.
}

// Scheduler runs one hart's scheduling loop: sweep the table, acquire
// each slot's lock, and switch to the first Runnable entry found.
func Scheduler(c *spinlock.Cpu_t) {
	for {
		for i := range table.procs {
			p := &table.procs[i]
			p.lock.Acquire(c)
			if p.State == Runnable {
				p.State = Running
				p.runningOn = c.ID
				p.resume <- struct{}{}
				<-p.parked
				p.runningOn = -1
			}
			p.lock.Release(c)
		}
	}
}

// Yield voluntarily gives up the CPU, marking the process Runnable
// again. A process already marked Killed returns immediately instead,
// the re-check point obliging its caller to notice Killed and unwind
// toward Exit rather than keep running.
func Yield(p *Proc_t) {
	if p.Killed {
		return
	}
	p.State = Runnable
	p.parked <- struct{}{}
	<-p.resume
}

// Sleep blocks the calling process on chan_, an opaque wait-channel
// address, atomically releasing lk first (unless lk is the process's own
// slot lock, which the scheduler alone manages and which the caller must
// therefore never pass here). A process already marked Killed skips the
// actual block -- lk is still released and reacquired around the
// no-op so callers' lock discipline is unaffected -- giving the caller's
// own loop an immediate re-check point instead of blocking indefinitely
// on a channel nothing will signal again.
func Sleep(p *Proc_t, chan_ interface{}, lk *spinlock.Spinlock_t, c *spinlock.Cpu_t) {
	if lk == &p.lock {
		panic("Sleep: may not sleep on the caller's own process lock")
	}
	if lk != nil {
		lk.Release(c)
	}
	if !p.Killed {
		p.Chan = chan_
		p.State = Sleeping
		p.parked <- struct{}{}
		<-p.resume
		p.Chan = nil
	}
	if lk != nil {
		lk.Acquire(c)
	}
}

// sleepHook adapts Sleep to the signature spinlock.Sleeplock_t expects;
// installed once via spinlock.SetWaitProvider so spinlock need not import
// proc.
func sleepHook(chan_ interface{}, lk *spinlock.Spinlock_t, c *spinlock.Cpu_t) {
	p := current(c)
	Sleep(p, chan_, lk, c)
}

// current finds the process presently Running on hart c.
func current(c *spinlock.Cpu_t) *Proc_t {
	for i := range table.procs {
		p := &table.procs[i]
		if p.State == Running && p.runningOn == c.ID {
			return p
		}
	}
	panic("current: no running process on this hart")
}

// Wakeup marks every Sleeping process waiting on chan_ Runnable.
func Wakeup(chan_ interface{}) {
	for i := range table.procs {
		p := &table.procs[i]
		hart := ephemeral()
		p.lock.Acquire(hart)
		if p.State == Sleeping && p.Chan == chan_ {
			p.State = Runnable
			p.Chan = nil
		}
		p.lock.Release(hart)
	}
}

func wakeupHook(chan_ interface{}) { Wakeup(chan_) }

// Kill marks the process identified by pid as killed and, if it is
// currently Sleeping, wakes it so it reaches a Sleep/Yield re-check
// point. Returns 0 if pid names a live (non-Unused) slot, -1 otherwise.
func Kill(pid int) int {
	for i := range table.procs {
		p := &table.procs[i]
		hart := ephemeral()
		p.lock.Acquire(hart)
		found := p.Pid == pid && p.State != Unused
		if found {
			p.Killed = true
			if p.State == Sleeping {
				p.State = Runnable
			}
		}
		p.lock.Release(hart)
		if found {
			return 0
		}
	}
	return -1
}

// Fork duplicates the parent's address space and starts a Runnable
// child whose trapframe a0 (the fork return value) is forced to zero.
func Fork(parent *Proc_t, childBody func(*Proc_t)) int {
	child := allocProc(parent, childBody)
	child.AS = vm.NewAddressSpace()
	vm.CopyAddressSpace(parent.AS, child.AS)
	vm.CopyTrapframe(parent.AS, child.AS)
	child.Trapframe = child.AS.Trapframe
	child.HeapTop = parent.AS.HeapTop
	child.UstackPages = parent.UstackPages

	hart := ephemeral()
	table.waitLock.Acquire(hart)
	child.Parent = parent
	table.waitLock.Release(hart)
	return child.Pid
}

// doExit marks p a Zombie, reparents its children to init, and wakes its
// parent.
func doExit(p *Proc_t, status int) {
	hart := ephemeral()
	table.waitLock.Acquire(hart)
	reparentLocked(p)
	p.ExitStatus = status
	parent := p.Parent
	table.waitLock.Release(hart)

	if p.AS != nil {
		p.AS.Destroy()
	}
	p.State = Zombie
	if parent != nil {
		Wakeup(parent)
	}
}

func reparentLocked(p *Proc_t) {
	for i := range table.procs {
		c := &table.procs[i]
		if c.Parent == p {
			c.Parent = initProc
		}
	}
}

var initProc *Proc_t

// SetInit designates p as the reparenting target for orphaned children.
func SetInit(p *Proc_t) { initProc = p }

// Wait blocks until a child exits, consumes its exit status into status,
// frees its slot, and returns its pid. Returns -1 if the caller has no
// children.
func Wait(parent *Proc_t, status *int) int {
	hart := ephemeral()
	table.waitLock.Acquire(hart)
	for {
		haveChild := false
		for i := range table.procs {
			c := &table.procs[i]
			if c.Parent != parent {
				continue
			}
			haveChild = true
			if c.State == Zombie {
				pid := c.Pid
				if status != nil {
					*status = c.ExitStatus
				}
				// The slot's own lock guards its fields against the
				// Scheduler's concurrent Acquire/Release sweep (spec §3
				// invariant (a)); reset them individually under it
				// rather than overwriting the struct wholesale, which
				// would stomp the lock's own atomic bookkeeping while a
				// scheduler goroutine might be mid-CAS on it.
				slotHart := ephemeral()
				c.lock.Acquire(slotHart)
				if c.Trapframe != 0 {
					mem.Kernel.Free(c.Trapframe)
				}
				c.Pid = 0
				c.State = Unused
				c.Parent = nil
				c.ExitStatus = 0
				c.Chan = nil
				c.Killed = false
				c.AS = nil
				c.KStack = 0
				c.HeapTop = 0
				c.UstackPages = 0
				c.Trapframe = 0
				c.Cwd = nil
				c.runningOn = -1
				c.resume = nil
				c.parked = nil
				c.lock.Release(slotHart)
				table.waitLock.Release(hart)
				return pid
			}
		}
		if !haveChild {
			table.waitLock.Release(hart)
			return -1
		}
		Sleep(parent, parent, &table.waitLock, hart)
	}
}

// Exit is the syscall entry point for a running process terminating
// itself with the given status.
func Exit(p *Proc_t, status int) {
	doExit(p, status)
	p.parked <- struct{}{}
	<-p.resume
}

// UserInit creates the first process (pid 1), which becomes the
// reparenting target for orphans.
func UserInit(body func(*Proc_t)) *Proc_t {
	p := allocProc(nil, body)
	p.AS = vm.NewAddressSpace()
	p.Trapframe = p.AS.Trapframe
	SetInit(p)
	return p
}

// NewTestProc returns a *Proc_t carrying a fresh pid but no table slot and
// no body goroutine: a calling-context token for code that needs a process
// identity (sleeplock holder id, Cwd) without a live scheduled process,
// such as the offline mkfs tool and this package's own tests.
func NewTestProc() *Proc_t {
	return &Proc_t{
		lock:  spinlock.Spinlock_t{Name: "proc.slot"},
		Pid:   allocPid(),
		State: Runnable,
	}
}
