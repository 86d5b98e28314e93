// Package appctx provides context utilities for background operations.
package appctx

import "context"

// Detached returns a context that keeps the parent's values but not its
// cancellation. Use it for work that must outlive the request that started it.
// The context is cancelled when stop is closed or the returned cancel is called.
func Detached(parent context.Context, stop <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
