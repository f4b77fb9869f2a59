package proc

import (
	"os"
	"testing"
	"time"

	"rvkernel/mem"
	"rvkernel/spinlock"
)

// TestMain gives every test in this package a backing physical arena and a
// pair of running scheduler harts, matching what a real boot sequence sets
// up before the first process ever runs.
func TestMain(m *testing.M) {
	mem.Physmem = make([]byte, 16*1024*1024)
	mem.Kernel.Init("kernel", mem.PhysBase, mem.PhysBase+8*1024*1024)
	mem.User.Init("user", mem.PhysBase+8*1024*1024, mem.PhysBase+16*1024*1024)

	for i := range Cpus {
		go Scheduler(&Cpus[i])
	}

	os.Exit(m.Run())
}

func TestForkWaitExitDeliversStatus(t *testing.T) {
	done := make(chan int, 1)
	parentBody := func(p *Proc_t) {
		Fork(p, func(c *Proc_t) {
			Exit(c, 7)
		})
		var status int
		Wait(p, &status)
		done <- status
	}
	UserInit(parentBody)

	select {
	case status := <-done:
		if status != 7 {
			t.Fatalf("exit status delivered to Wait: got %d, want 7", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fork/wait/exit to complete")
	}
}

func TestWaitWithNoChildrenReturnsNegativeOne(t *testing.T) {
	done := make(chan int, 1)
	UserInit(func(p *Proc_t) {
		done <- Wait(p, nil)
	})

	select {
	case pid := <-done:
		if pid != -1 {
			t.Fatalf("Wait with no children: got pid %d, want -1", pid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for childless Wait to return")
	}
}

func TestSleepWakeupNoLostWakeup(t *testing.T) {
	// Two children race to Sleep/Wakeup on a shared channel address owned
	// by the parent; both must eventually observe the wakeup regardless
	// of scheduling order.
	var chanAddr int
	woken := make(chan int, 2)
	done := make(chan struct{})

	UserInit(func(p *Proc_t) {
		for i := 0; i < 2; i++ {
			Fork(p, func(c *Proc_t) {
				hart := ephemeral()
				lk := spinlock.Spinlock_t{Name: "test"}
				lk.Acquire(hart)
				Sleep(c, &chanAddr, &lk, hart)
				lk.Release(hart)
				woken <- c.Pid
				Exit(c, 0)
			})
		}
		// Give both children a chance to reach Sleep before waking them.
		time.Sleep(50 * time.Millisecond)
		Wakeup(&chanAddr)

		var status int
		Wait(p, &status)
		Wait(p, &status)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sleep/wakeup to resolve both children")
	}

	select {
	case <-woken:
	default:
		t.Fatal("first child never woke up")
	}
	select {
	case <-woken:
	default:
		t.Fatal("second child never woke up")
	}
}

func TestKillWakesSleepingProcessAndShortCircuitsSleep(t *testing.T) {
	// A child sleeps on a channel nothing will ever wake normally; Kill
	// must wake it anyway and the re-check point must keep it from
	// blocking a second time.
	var chanAddr int
	result := make(chan bool, 1)
	var childPid int
	pidReady := make(chan struct{})

	UserInit(func(p *Proc_t) {
		Fork(p, func(c *Proc_t) {
			childPid = c.Pid
			close(pidReady)
			hart := ephemeral()
			lk := spinlock.Spinlock_t{Name: "test"}
			lk.Acquire(hart)
			Sleep(c, &chanAddr, &lk, hart)
			lk.Release(hart)
			result <- c.Killed
			Exit(c, 0)
		})

		<-pidReady
		time.Sleep(50 * time.Millisecond)
		if got := Kill(childPid); got != 0 {
			t.Errorf("Kill(%d) = %d, want 0", childPid, got)
		}

		var status int
		Wait(p, &status)
	})

	select {
	case killed := <-result:
		if !killed {
			t.Fatal("child woke from Sleep but did not observe Killed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for killed child to wake")
	}

	if got := Kill(999999); got != -1 {
		t.Fatalf("Kill of nonexistent pid = %d, want -1", got)
	}
}

func TestForkCarriesHeapTop(t *testing.T) {
	done := make(chan bool, 1)
	UserInit(func(p *Proc_t) {
		p.AS.HeapGrow(4096)
		// Fork copies the parent's heap; verify that the child's address
		// space carries the parent's heap top.
		Fork(p, func(c *Proc_t) {
			ok := c.AS.HeapTop == p.AS.HeapTop
			done <- ok
			Exit(c, 0)
		})
		var status int
		Wait(p, &status)
	})

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("child's heap top did not match the parent's at fork time")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fork heap check")
	}
}
