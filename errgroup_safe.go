package droidnet

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	deviceRefreshInterval = 30 * time.Second
	restartBackoff        = 200 * time.Millisecond
	maxRestartBackoff     = 30 * time.Second
)

type task struct {
	name string
	fn   func(context.Context) error
}

// runGroup runs every task until ctx is cancelled or one of them returns an
// error, which cancels the others.
func runGroup(ctx context.Context, tasks ...task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		goSafe(gctx, g, t.name, t.fn)
	}
	return g.Wait()
}

// goSafe runs fn in the group and restarts it with exponential backoff when
// it panics. A panic does not cancel sibling tasks.
//
// Panics go to stderr instead of the logger, which may itself be the cause.
func goSafe(ctx context.Context, g *errgroup.Group, name string, fn func(context.Context) error) {
	if g == nil || fn == nil {
		return
	}
	g.Go(func() error {
		backoff := restartBackoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			recovered, err := call(ctx, fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff *= 2
			if backoff > maxRestartBackoff {
				backoff = maxRestartBackoff
			}
		}
	})
}

func call(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		recovered = recover()
	}()
	return nil, fn(ctx)
}
