// Package cmd runs a set of long-lived components as one unit: all start
// together, the first real failure cancels the rest, and Wait returns once
// everything has exited.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Component is a long-running unit of the application. It blocks until ctx
// is cancelled or it fails on its own.
type Component func(ctx context.Context) error

// Group supervises components sharing one lifetime.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewGroup derives the group's lifetime from ctx. Cancelling ctx stops every
// component; so does the first component failure.
func NewGroup(ctx context.Context) *Group {
	gctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: gctx, cancel: cancel}
}

// Start launches a named component. A context.Canceled return is a normal
// shutdown, anything else is recorded as the group error and tears the
// group down.
func (g *Group) Start(name string, c Component) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := c(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.mu.Lock()
			if g.err == nil {
				g.err = fmt.Errorf("%s: %w", name, err)
			}
			g.mu.Unlock()
			g.cancel()
		}
	}()
}

// Wait blocks until all components exit and returns the first failure, if any.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
