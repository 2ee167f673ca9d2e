package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// LimitedRunner bounds the number of concurrent invocations across every
// job that shares it.
type LimitedRunner struct {
	next Runner
	sem  *semaphore.Weighted
}

// NewLimitedRunner wraps next so that at most n commands run at once.
func NewLimitedRunner(next Runner, n int) *LimitedRunner {
	if n < 1 {
		n = 1
	}
	return &LimitedRunner{
		next: next,
		sem:  semaphore.NewWeighted(int64(n)),
	}
}

// Run waits for a free slot, then runs c.
func (l *LimitedRunner) Run(ctx context.Context, c Command) (ExitResult, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return ExitResult{}, fmt.Errorf("%s: waiting for tool slot: %w", c.Tool, err)
	}
	defer l.sem.Release(1)
	return l.next.Run(ctx, c)
}
