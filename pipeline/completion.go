package pipeline

import (
	"context"
	"sync"
)

// Completion resolves exactly once with the outcome of one submitted envelope.
type Completion struct {
	once *sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{
		once: &sync.Once{},
		done: make(chan struct{}),
	}
}

// complete reports false when the completion had already resolved.
func (c *Completion) complete(err error) bool {
	completed := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		completed = true
	})
	return completed
}

func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err is the outcome, nil until Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the envelope resolves or ctx ends, returning the envelope's outcome or ctx's error.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolved returns a completion that has already resolved with err.
func Resolved(err error) *Completion {
	c := newCompletion()
	c.complete(err)
	return c
}
