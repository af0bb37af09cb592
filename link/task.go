package link

import (
	"context"
	"sync"

	"github.com/pulsekit/pulse2/logger"
)

// taskRunner manages the background goroutines owned by an Interface: the
// receive loop and the link bring-up task. Stopping the runner signals every
// task and waits for them to exit.
type taskRunner struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logger.Logger
}

func newTaskRunner(log logger.Logger) *taskRunner {
	ctx, cancel := context.WithCancel(context.Background())

	return &taskRunner{ctx: ctx, cancel: cancel, log: log}
}

// startLoop runs taskFunc repeatedly until it returns false or the runner
// stops. Panics are logged, not propagated; a panicking iteration terminates
// the task.
func (r *taskRunner) startLoop(name string, taskFunc func() bool) {
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer r.recoverPanic(name)
		defer r.log.Debug("task terminated", "task", name)

		for {
			select {
			case <-r.ctx.Done():
				return
			default:
				if !taskFunc() {
					return
				}
			}
		}
	}()
}

// startOnce runs fn in its own goroutine with panic protection.
func (r *taskRunner) startOnce(name string, fn func()) {
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer r.recoverPanic(name)

		fn()
	}()
}

func (r *taskRunner) recoverPanic(name string) {
	if v := recover(); v != nil {
		r.log.Error("panic in task", "task", name, "panic", v)
	}
}

// stop cancels all tasks and waits for them to terminate.
func (r *taskRunner) stop() {
	r.cancel()
	r.wg.Wait()
}

// done exposes the runner's cancellation channel.
func (r *taskRunner) done() <-chan struct{} {
	return r.ctx.Done()
}

// stopping reports whether stop has been requested.
func (r *taskRunner) stopping() bool {
	select {
	case <-r.ctx.Done():
		return true
	default:
		return false
	}
}
