// Package spinlock implements the kernel's lowest-level mutual-exclusion
// primitives: test-and-set spinlocks with holder tracking and interrupt
// nesting discipline, and sleeplocks layered on top of them.
//
// Harts are modeled as goroutines identified by a *Cpu_t the caller already
// holds (there is no hardware tp register to read in a hosted simulation),
// mirroring the teacher's per-CPU record in style if not in access path.
package spinlock

import (
	"fmt"
	"sync/atomic"
)

// Cpu_t is the per-hart record referenced by push_off/pop_off and by lock
// holder identification.
type Cpu_t struct {
	ID int

	// Noff is the spinlock nesting depth held by this hart.
	Noff int
	// Intena is the hart's saved interrupt-enable state. PushOff and
	// PopOff leave it unchanged.
	Intena bool
}

// PushOff records one more level of spinlock nesting on the hart. The
// hosted model has no interrupt-enable flag: PushOff disables nothing and
// does not change Intena.
func PushOff(c *Cpu_t) {
	old := c.Intena
	if c.Noff == 0 {
		c.Intena = old
	}
	c.Noff++
}

// PopOff drops one level of spinlock nesting; it restores no interrupt
// state. Calling it with no matching PushOff is fatal.
func PopOff(c *Cpu_t) {
	if c.Noff < 1 {
		panic("PopOff: not held")
	}
	c.Noff--
}

// Spinlock_t is a test-and-set lock with holder identification. Acquiring
// any spinlock raises the holder hart's nesting depth via PushOff;
// re-acquisition by the same hart is a fatal error.
type Spinlock_t struct {
	Name   string
	locked uint32
	holder int32 // hart id of the holder, or -1
}

// MkSpinlock constructs a named spinlock.
func MkSpinlock(name string) *Spinlock_t {
	return &Spinlock_t{Name: name, holder: -1}
}

// Acquire blocks until the lock is held by the calling hart c.
func (lk *Spinlock_t) Acquire(c *Cpu_t) {
	PushOff(c)
	if lk.Holding(c) {
		panic(fmt.Sprintf("Spinlock_t.Acquire: %s already held by hart %d", lk.Name, c.ID))
	}
	for !atomic.CompareAndSwapUint32(&lk.locked, 0, 1) {
	}
	atomic.StoreInt32(&lk.holder, int32(c.ID))
}

// Release releases the lock and lowers the hart's nesting depth via
// PopOff.
func (lk *Spinlock_t) Release(c *Cpu_t) {
	if !lk.Holding(c) {
		panic("Spinlock_t.Release: not held by this hart")
	}
	atomic.StoreInt32(&lk.holder, -1)
	atomic.StoreUint32(&lk.locked, 0)
	PopOff(c)
}

// Holding reports whether hart c currently holds the lock.
func (lk *Spinlock_t) Holding(c *Cpu_t) bool {
	return atomic.LoadUint32(&lk.locked) == 1 && atomic.LoadInt32(&lk.holder) == int32(c.ID)
}

// waiter is the signature used to block the calling hart on an opaque
// wait-channel while releasing a held spinlock, and to wake waiters. The
// provider is installed by package proc, which implements sleep/wakeup
// over the process table; spinlock cannot import proc without a cycle, so
// this mirrors the teacher's forward-declared hook pattern (vm.Cpumap in
// vm/as.go) rather than a direct call.
type waiter struct {
	sleep func(chan_ interface{}, lk *Spinlock_t, c *Cpu_t)
	wake  func(chan_ interface{})
}

var wait waiter

// SetWaitProvider installs the sleep/wakeup implementation used by
// Sleeplock_t. Called once by package proc during kernel init.
func SetWaitProvider(sleep func(chan_ interface{}, lk *Spinlock_t, c *Cpu_t), wake func(chan_ interface{})) {
	wait.sleep = sleep
	wait.wake = wake
}

// Sleeplock_t may be held across voluntary yields, unlike Spinlock_t.
// Acquisition blocks (via the installed wait provider) rather than
// busy-spins when the lock is already held.
type Sleeplock_t struct {
	Name   string
	mu     Spinlock_t
	locked bool
	holder int // pid, or -1
}

// MkSleeplock constructs a named sleeplock.
func MkSleeplock(name string) *Sleeplock_t {
	return &Sleeplock_t{Name: name, mu: Spinlock_t{Name: name + ".mu", holder: -1}, holder: -1}
}

// Acquire blocks the calling hart/process until the sleeplock is free.
func (s *Sleeplock_t) Acquire(c *Cpu_t, pid int) {
	s.mu.Acquire(c)
	for s.locked {
		if wait.sleep == nil {
			panic("Sleeplock_t.Acquire: wait provider not installed")
		}
		wait.sleep(s, &s.mu, c)
	}
	s.locked = true
	s.holder = pid
	s.mu.Release(c)
}

// Release frees the sleeplock and wakes any waiters.
func (s *Sleeplock_t) Release(c *Cpu_t) {
	s.mu.Acquire(c)
	s.locked = false
	s.holder = -1
	s.mu.Release(c)
	if wait.wake != nil {
		wait.wake(s)
	}
}

// Holding reports whether pid holds the sleeplock.
func (s *Sleeplock_t) Holding(pid int) bool {
	c := &Cpu_t{ID: -2}
	s.mu.Acquire(c)
	defer s.mu.Release(c)
	return s.locked && s.holder == pid
}
