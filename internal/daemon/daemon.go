// Package daemon provides a looper-style background task runner, the Go
// rendering of cubthread::looper / cubthread::create_daemon: a task that
// re-runs on a fixed interval and can additionally be nudged to run
// immediately via Wakeup.
package daemon

import (
	"context"
	"time"

	"github.com/cockroachdb/logtags"
	"go.uber.org/zap"
)

// Task is one iteration of daemon work. Returning an error logs it at the
// subsystem boundary and continues the loop; the original's task::execute
// has no return value and instead no-ops on internal failure, so we
// preserve that "log and continue" shape rather than aborting the loop.
type Task func(ctx context.Context) error

// Daemon runs Task on Interval until its context is canceled, or
// immediately whenever Wakeup is called.
type Daemon struct {
	name     string
	interval time.Duration
	task     Task
	log      *zap.Logger
	wake     chan struct{}
	done     chan struct{}
}

func New(name string, interval time.Duration, task Task, log *zap.Logger) *Daemon {
	return &Daemon{
		name:     name,
		interval: interval,
		task:     task,
		log:      log,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the daemon's loop goroutine. Callers should arrange for
// ctx to be canceled on shutdown and then receive from Done to join.
func (d *Daemon) Start(ctx context.Context) {
	go d.run(ctx)
}

// Wakeup requests an out-of-cycle run, mirroring daemon::wakeup(). It
// never blocks: a pending wakeup is coalesced if one is already queued.
func (d *Daemon) Wakeup() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the daemon's loop has exited after ctx cancellation.
func (d *Daemon) Done() <-chan struct{} { return d.done }

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)
	timer := time.NewTimer(d.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.runOnce(ctx)
			timer.Reset(d.interval)
		case <-d.wake:
			d.runOnce(ctx)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d.interval)
		}
	}
}

func (d *Daemon) runOnce(ctx context.Context) {
	ctx = logtags.AddTag(ctx, "daemon", d.name)
	if err := d.task(ctx); err != nil && d.log != nil {
		d.log.Error("daemon task failed", zap.String("daemon", d.name), zap.Error(err))
	}
}
