package fetch

import (
	"context"
	"io"
)

// Result is one item delivered by the Bridge: an archive, or the terminal
// error that ended discovery. After an error result the channel is closed.
type Result struct {
	Meta Meta
	Err  error
}

// Bridge couples an asynchronous archive source to the synchronous import
// loop through a bounded channel. Discovery order is preserved; channel
// capacity provides backpressure so the source cannot run arbitrarily far
// ahead of the writer.
type Bridge struct {
	ch chan Result
}

// NewBridge creates a bridge with the given channel capacity. A capacity
// below 1 is raised to 1.
func NewBridge(capacity int) *Bridge {
	if capacity < 1 {
		capacity = 1
	}
	return &Bridge{ch: make(chan Result, capacity)}
}

// Run drains the source into the channel and closes it when the source is
// exhausted, fails, or the context is cancelled. A source failure is
// forwarded as the final item rather than dropped. Run is meant to be called
// on its own goroutine.
func (b *Bridge) Run(ctx context.Context, src Source) {
	defer close(b.ch)

	for {
		meta, err := src.Next(ctx)
		if err == io.EOF {
			return
		}
		if err != nil {
			select {
			case b.ch <- Result{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case b.ch <- Result{Meta: meta}:
		case <-ctx.Done():
			return
		}
	}
}

// Archives returns the consumer side of the bridge.
func (b *Bridge) Archives() <-chan Result {
	return b.ch
}
