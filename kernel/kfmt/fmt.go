// Package kfmt implements the kernel log. Output is buffered in a ring buffer
// until a sink is attached with SetOutputSink; from then on it is written
// straight to the sink.
package kfmt

import (
	"fmt"
	"io"

	"gopheros/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes writers since the log is shared by every
	// processor.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it. Passing nil reverts to
// buffering.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes to the active
// output sink. By convention messages start with the emitting module name in
// brackets, e.g. "[vmm] ...".
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	var w io.Writer = &earlyPrintBuffer
	if outputSink != nil {
		w = outputSink
	}

	_, _ = fmt.Fprintf(w, format, args...)
}

// Fprintf behaves like Printf but writes to w. It does not take the output
// lock; w must not be shared across processors.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
