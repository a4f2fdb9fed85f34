package chatsync

import (
	"context"
	"time"
)

// Coalescer collects values arriving in bursts and flushes them as one batch
// once no new value has arrived for Window, or MaxWait after the first value
// of the batch, whichever comes first.
type Coalescer[T comparable] struct {
	Window  time.Duration
	MaxWait time.Duration
	Flush   func(ctx context.Context, batch []T)
}

// Run consumes in until it is closed or ctx ends. Duplicate values inside a
// batch are collapsed. A pending batch is flushed when in closes.
func (c *Coalescer[T]) Run(ctx context.Context, in <-chan T) {
	window := c.Window
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	maxWait := c.MaxWait
	if maxWait <= 0 {
		maxWait = 4 * window
	}

	var (
		batch    []T
		seen     = make(map[T]struct{})
		idle     = time.NewTimer(window)
		deadline <-chan time.Time
	)
	stopTimer(idle)
	defer idle.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.Flush(ctx, batch)
		batch = nil
		seen = make(map[T]struct{})
		deadline = nil
		stopTimer(idle)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-in:
			if !ok {
				flush()
				return
			}
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				batch = append(batch, v)
			}
			if deadline == nil {
				deadline = time.After(maxWait)
			}
			stopTimer(idle)
			idle.Reset(window)
		case <-idle.C:
			flush()
		case <-deadline:
			flush()
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
