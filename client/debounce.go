package client

import (
	"context"
	"sync"
	"time"
)

// DefaultDebounceWait is the quiet period of contact search.
const DefaultDebounceWait = 300 * time.Millisecond

// Debouncer runs fn at most once per quiet period of wait, with the latest
// input. A new input cancels the in-flight run, and a superseded result is
// never passed to apply. apply runs with the debouncer lock held, so it must
// not call Trigger.
type Debouncer[R any] struct {
	wait  time.Duration
	fn    func(ctx context.Context, input string) (R, error)
	apply func(input string, result R, err error)

	mu     sync.Mutex
	gen    uint64
	timer  *time.Timer
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func NewDebouncer[R any](wait time.Duration, fn func(ctx context.Context, input string) (R, error),
	apply func(input string, result R, err error)) *Debouncer[R] {
	if wait <= 0 {
		wait = DefaultDebounceWait
	}
	return &Debouncer[R]{wait: wait, fn: fn, apply: apply}
}

// Trigger schedules a run with input, superseding any earlier input.
func (d *Debouncer[R]) Trigger(input string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.gen++
	gen := d.gen
	d.stopLocked()

	d.timer = time.AfterFunc(d.wait, func() { d.run(gen, input) })
}

func (d *Debouncer[R]) run(gen uint64, input string) {
	d.mu.Lock()
	if gen != d.gen || d.closed {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	defer cancel()

	result, err := d.fn(ctx, input)

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || d.closed {
		return
	}
	d.apply(input, result, err)
}

// stopLocked stops the pending timer and cancels the in-flight run.
func (d *Debouncer[R]) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// Stop drops pending input, cancels the in-flight run and waits for it.
func (d *Debouncer[R]) Stop() {
	d.mu.Lock()
	d.closed = true
	d.gen++
	d.stopLocked()
	d.mu.Unlock()
	d.wg.Wait()
}
