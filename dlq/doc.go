// Package dlq exposes jobs that exhausted their attempt budget.
//
// A dead job stays in the backend in the dead state, with its payload,
// last error and attempt count intact. The [Service] lists them as
// [Entry] values, replays one as a fresh pending job, or purges them.
//
//	svc := dlq.NewService(backend, extensions, logger)
//
//	entries, err := svc.List(ctx, dlq.ListOpts{Queue: "send-email", Limit: 50})
//	newJob, err := svc.Replay(ctx, entries[0].JobID)
//	n, err := svc.Purge(ctx, "", time.Now().Add(-30*24*time.Hour))
//
// The admin API serves these under /v1/dead.
package dlq
