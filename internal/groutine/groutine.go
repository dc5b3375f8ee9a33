// Package groutine starts named goroutines. The name is attached as a pprof
// label so long-lived workers (engine loop, callback dispatcher, scan loop)
// are identifiable in goroutine profiles.
package groutine

import (
	"context"
	"runtime/pprof"
)

// Go runs fn on a new goroutine labeled with name. A nil parent context
// falls back to context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine_name", name), fn)
}
