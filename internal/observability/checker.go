package observability

import "context"

// Checker is implemented by any dependency that reports health for the
// readiness probe. Implementations must be safe for concurrent use and
// must respect the context deadline.
type Checker interface {
	// Name identifies the component, e.g. "postgres" or "redis".
	Name() string
	// Check returns nil when the component is healthy.
	Check(ctx context.Context) error
}

// CheckerFunc adapts a named function to the Checker interface.
type CheckerFunc struct {
	ComponentName string
	CheckFn       func(ctx context.Context) error
}

// Name returns the component name.
func (c CheckerFunc) Name() string { return c.ComponentName }

// Check runs the wrapped function.
func (c CheckerFunc) Check(ctx context.Context) error { return c.CheckFn(ctx) }
