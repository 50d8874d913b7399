// Package wkr provides the minimal goroutine-lifecycle helper embedded by
// the GATT and L2CAP transports, which own GhostDrop's background reader
// and retry-timer goroutines. It mirrors the worker.Worker contract that
// client2/connection.go, client2/arq.go, stream/stream.go and disk.go all
// embed: Go to launch a managed goroutine, HaltCh to observe a shutdown
// request, Halt to request one, and Wait to block until every launched
// goroutine has returned.
package wkr

import "sync"

// Worker is embedded by value by types that own one or more background
// goroutines with a single shared shutdown signal.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	initOnce sync.Once
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltCh
}

// Go launches fn in a new goroutine tracked by Wait.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt requests shutdown of every goroutine launched via Go. It is safe to
// call more than once; only the first call has effect.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// Wait blocks until every goroutine launched via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}
