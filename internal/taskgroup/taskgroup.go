// Package taskgroup runs best-effort background work with a concurrency
// limit. A failing task never cancels or fails its siblings; every task
// yields its own Result.
package taskgroup

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

type Result struct {
	Name string
	Err  error
}

type Group struct {
	ctx context.Context
	eg  errgroup.Group

	mu      sync.Mutex
	results []Result
}

// New returns a group whose tasks receive ctx. limit <= 0 means unlimited.
func New(ctx context.Context, limit int) *Group {
	g := &Group{ctx: ctx}
	if limit > 0 {
		g.eg.SetLimit(limit)
	}
	return g
}

// Go schedules fn. Panics inside fn are recovered into the task's error.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.eg.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			g.record(Result{Name: name, Err: err})
			err = nil
		}()
		return fn(g.ctx)
	})
}

func (g *Group) record(r Result) {
	g.mu.Lock()
	g.results = append(g.results, r)
	g.mu.Unlock()
}

// Wait blocks until every scheduled task returned and reports one Result per
// task in completion order.
func (g *Group) Wait() []Result {
	_ = g.eg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Result, len(g.results))
	copy(out, g.results)
	return out
}
