// Package lifecycle provides the process-wide signal-to-context wiring the
// CLI entrypoint uses to let in-flight operations (a Load, a Save, a fsync)
// notice SIGINT/SIGTERM and unwind instead of being killed mid-write.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context canceled on SIGINT or SIGTERM. A
// second signal bypasses cleanup and lets the default Go runtime behavior
// (process termination) take over, as a safety valve against a hung
// teardown.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
