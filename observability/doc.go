// Package observability exposes jobq lifecycle metrics to Prometheus:
// an extension counting enqueues, completions, retries and dead jobs per
// queue, and a collector reporting the number of jobs in each state.
package observability
