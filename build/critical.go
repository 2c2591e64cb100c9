package build

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Release indicates which build this binary was compiled as: "standard",
// "dev", or "testing". It can be overridden at link time with -ldflags;
// it defaults to "standard".
var Release = "standard"

// DEBUG controls whether Critical and Severe panic in addition to logging.
// It defaults to false; no package in this module sets it.
var DEBUG = false

// Critical should be called when an internal invariant has been violated —
// a programmer error, not a user-facing failure. It prints the call stack
// to stderr (except in "testing" builds) and panics when DEBUG is set.
func Critical(v ...interface{}) {
	s := "critical error: " + fmt.Sprintln(v...)
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}

// Severe logs a message about a significant but non-fatal problem, such as
// the progress store abandoning its backing database. It panics when DEBUG
// is set, so test binaries catch severe conditions immediately.
func Severe(v ...interface{}) {
	s := "severe error: " + fmt.Sprintln(v...)
	if Release != "testing" {
		debug.PrintStack()
		os.Stderr.WriteString(s)
	}
	if DEBUG {
		panic(s)
	}
}
