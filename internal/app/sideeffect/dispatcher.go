package sideeffect

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Failure is reported on the error channel when a task returns an error or panics.
type Failure struct {
	Task string
	Err  error
	At   time.Time
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Dispatcher runs post-commit side effects at most once, off the caller's
// path. A full queue drops the task and counts it.
type Dispatcher struct {
	queue   chan task
	errs    chan Failure
	timeout time.Duration
	log     zerolog.Logger
	dropped atomic.Uint64
	failed  atomic.Uint64
	done    chan struct{}
}

func NewDispatcher(size int, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		queue:   make(chan task, size),
		errs:    make(chan Failure, 64),
		timeout: timeout,
		log:     log.With().Str("component", "sideeffect").Logger(),
		done:    make(chan struct{}),
	}
}

// Dispatch enqueues fn without blocking and reports whether it was accepted.
func (d *Dispatcher) Dispatch(name string, fn func(ctx context.Context) error) bool {
	select {
	case d.queue <- task{name: name, run: fn}:
		return true
	default:
		d.dropped.Add(1)
		d.log.Warn().Str("task", name).Msg("side effect dropped, queue full")
		return false
	}
}

// Run executes queued tasks until ctx is done, then drains what is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case t := <-d.queue:
			d.execute(ctx, t)
		case <-ctx.Done():
			for {
				select {
				case t := <-d.queue:
					d.execute(context.WithoutCancel(ctx), t)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() { <-d.done }

func (d *Dispatcher) execute(parent context.Context, t task) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.run(ctx)
	}()
	if err == nil {
		return
	}
	d.failed.Add(1)
	d.log.Warn().Err(err).Str("task", t.name).Msg("side effect failed")
	select {
	case d.errs <- Failure{Task: t.name, Err: err, At: time.Now()}:
	default:
	}
}

func (d *Dispatcher) Errors() <-chan Failure { return d.errs }

func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }
