package taskgroup

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
)

func TestFailureDoesNotCancelSiblings(t *testing.T) {
	t.Parallel()
	g := New(context.Background(), 2)
	boom := errors.New("boom")
	var ran atomic.Int32

	g.Go("fail", func(context.Context) error { return boom })
	g.Go("panic", func(context.Context) error { panic("kaput") })
	for i := 0; i < 3; i++ {
		g.Go("ok", func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ran.Add(1)
			return nil
		})
	}

	results := g.Wait()
	if len(results) != 5 {
		t.Fatalf("results: got %d, want 5", len(results))
	}
	if got := ran.Load(); got != 3 {
		t.Errorf("siblings ran: got %d, want 3", got)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	if !errors.Is(results[0].Err, boom) {
		t.Errorf("fail task: got %v, want %v", results[0].Err, boom)
	}
	for _, r := range results[1:4] {
		if r.Name != "ok" || r.Err != nil {
			t.Errorf("ok task: got %+v", r)
		}
	}
	if results[4].Name != "panic" || results[4].Err == nil {
		t.Errorf("panic task: got %+v, want recovered error", results[4])
	}
}

func TestLimit(t *testing.T) {
	t.Parallel()
	g := New(context.Background(), 1)
	var active, peak atomic.Int32
	for i := 0; i < 4; i++ {
		g.Go("task", func(context.Context) error {
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			active.Add(-1)
			return nil
		})
	}
	g.Wait()
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrency: got %d, want 1", got)
	}
}

func TestWaitWithoutTasks(t *testing.T) {
	t.Parallel()
	if got := New(context.Background(), 0).Wait(); len(got) != 0 {
		t.Errorf("results: got %d, want 0", len(got))
	}
}
