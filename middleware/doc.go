// Package middleware provides composable middleware for job execution.
//
// A [Middleware] wraps a job handler. Middleware are composed with [Chain]
// and run around every execution by the worker pool. The first middleware
// in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs queue, attempt, duration and outcome
//   - [Recover] converts handler panics into errors
//   - [Timeout] abandons a handler that outlives its deadline with jobq.ErrTimeout
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records per-queue duration and outcome
//   - [Inject] exposes the running job to the handler through the context
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
