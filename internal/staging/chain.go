// Package staging fetches detector resources into a local cache before a
// run starts detecting.
package staging

import "context"

// Continuation is the work that runs once everything before it is staged
type Continuation func(ctx context.Context) error

// Step stages one resource and then invokes next. A step that fails must
// not call next.
type Step func(ctx context.Context, next Continuation) error

// Chain folds steps into a single continuation that runs them in order and
// finally invokes final. final runs only when every step succeeded.
func Chain(steps []Step, final Continuation) Continuation {
	next := final
	for i := len(steps) - 1; i >= 0; i-- {
		step, after := steps[i], next
		next = func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return step(ctx, after)
		}
	}
	return next
}
