// Package job holds queue-level helpers shared by the job runner.
package job

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the job store reports a newly queued job.
type Waiter interface {
	WaitForNotification(ctx context.Context) error
}

// Notifier wakes idle workers when work may be available.
//
// A worker takes Next before looking for work and waits on it only when it found none,
// so a wakeup that lands in between is never lost.
type Notifier interface {
	// Listen relays store notifications until ctx is done.
	Listen(ctx context.Context)
	// Next returns a channel closed at the next wakeup.
	Next() <-chan struct{}
}

// NotifierOptions configure a Doorbell.
type NotifierOptions struct {
	Waiter Waiter
	// PollInterval bounds each wait. Workers are woken when it elapses even without a
	// notification, so a missed NOTIFY costs at most one interval.
	PollInterval time.Duration
	// ErrorBackoff is the pause after the waiter fails.
	ErrorBackoff time.Duration
}

// Doorbell is the Notifier backed by a store Waiter. Every wakeup closes the current
// channel and installs a fresh one.
type Doorbell struct {
	waiter       Waiter
	pollInterval time.Duration
	errorBackoff time.Duration

	mu   sync.Mutex
	ring chan struct{}
}

var _ Notifier = (*Doorbell)(nil)

// NewNotifier constructs a Doorbell.
func NewNotifier(opts NotifierOptions) (*Doorbell, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	backoff := opts.ErrorBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &Doorbell{
		waiter:       opts.Waiter,
		pollInterval: poll,
		errorBackoff: backoff,
		ring:         make(chan struct{}),
	}, nil
}

// Next returns the channel for the upcoming wakeup.
func (d *Doorbell) Next() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ring
}

// Ring wakes every worker waiting on the current channel.
func (d *Doorbell) Ring() {
	d.mu.Lock()
	close(d.ring)
	d.ring = make(chan struct{})
	d.mu.Unlock()
}

// Listen waits on the store in poll-sized windows and rings after each one. It rings a
// final time on return so no worker stays parked on a dead listener.
func (d *Doorbell) Listen(ctx context.Context) {
	defer d.Ring()
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, d.pollInterval)
		err := d.waiter.WaitForNotification(waitCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		d.Ring()

		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t := time.NewTimer(d.errorBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}
