// Package cleanup provides a registry of functions to run at process
// shutdown, plus a helper for repeated background ticks which stop
// cleanly when shutdown begins.
package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/go/util"
)

// CLEANUP_BUDGET is the total time allowed for all AtExit functions to
// run. Functions which have not started when the budget is exhausted
// are skipped.
const CLEANUP_BUDGET = 30 * time.Second

var (
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	atExitMtx sync.Mutex
	atExit    []func()
	sigCh     chan os.Signal
	once      sync.Once
)

func init() {
	resetContext()
}

// Reset the context. This is in a non-init function for testing purposes.
func resetContext() {
	newContext, newCancel := context.WithCancel(context.Background())
	ctx = newContext
	cancel = newCancel
}

// Repeat runs the tick function immediately and on the given timer. When
// Cleanup() is called, the optional cleanup function is run after waiting for
// the tick function to finish.
func Repeat(tickFrequency time.Duration, tick, cleanup func()) {
	wg.Add(1)
	go func() {
		// Returns after ctx is cancelled AND tick is finished.
		util.RepeatCtx(tickFrequency, ctx, tick)
		if cleanup != nil {
			cleanup()
		}
		wg.Done()
	}()
}

// AtExit registers a function to run when the process is asked to shut
// down, either via Cleanup() or via SIGINT/SIGTERM. Functions run in
// reverse registration order under a shared CLEANUP_BUDGET.
func AtExit(fn func()) {
	once.Do(listenForSignals)
	atExitMtx.Lock()
	defer atExitMtx.Unlock()
	atExit = append(atExit, fn)
}

func listenForSignals() {
	sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		sklog.Warningf("Caught signal %s; cleaning up.", sig)
		Cleanup()
		sklog.Flush()
		os.Exit(1)
	}()
}

// Cleanup cancels all tick functions registered via Repeat(), waits for
// them to fully stop, then runs the AtExit functions in reverse order
// of registration. AtExit functions share a total time budget; when the
// budget is exhausted the remaining functions are skipped.
func Cleanup() {
	sklog.Warningf("Shutdown request received.")
	cancel()
	wg.Wait()

	atExitMtx.Lock()
	fns := make([]func(), len(atExit))
	copy(fns, atExit)
	atExit = nil
	atExitMtx.Unlock()

	deadline := time.Now().Add(CLEANUP_BUDGET)
	for i := len(fns) - 1; i >= 0; i-- {
		if !time.Now().Before(deadline) {
			sklog.Errorf("Cleanup budget of %s exhausted; skipping %d remaining callbacks.", CLEANUP_BUDGET, i+1)
			break
		}
		runWithDeadline(fns[i], time.Until(deadline))
	}
	sklog.Warningf("Finished clean shutdown procedure.")
}

// runWithDeadline runs fn, waiting at most timeout for it to finish. A
// function which overruns is left running; its completion is logged.
func runWithDeadline(fn func(), timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				sklog.Errorf("Panic in cleanup callback: %v", r)
			}
		}()
		fn()
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		sklog.Errorf("Cleanup callback did not finish within %s; proceeding.", timeout)
	}
}
