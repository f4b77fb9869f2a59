// Package klog provides kernel-console-style logging: no timestamps, no
// structure, just lines -- the way a kernel's boot console behaves.
package klog

import (
	"log"
	"os"
)

var std = log.New(os.Stdout, "", 0)

// Printf writes a formatted line to the kernel console.
func Printf(format string, args ...interface{}) {
	std.Printf(format, args...)
}

// Warn writes a formatted warning line, prefixed like the teacher's
// "WARNING: ..." disk sanity-check prints.
func Warn(format string, args ...interface{}) {
	std.Printf("WARNING: "+format, args...)
}

// Fatalf logs and halts the process. Used only for contract violations and
// resource exhaustion per spec's error taxonomy -- callers should normally
// just panic directly; this exists for boot-time failures before recover
// paths make sense.
func Fatalf(format string, args ...interface{}) {
	std.Fatalf(format, args...)
}
