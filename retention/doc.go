// Package retention deletes terminal jobs once they are older than a
// configured window.
//
//	s, err := retention.NewScheduler(backend,
//	    retention.WithSchedule("0 3 * * *"),
//	    retention.WithCompletedRetention(7*24*time.Hour),
//	    retention.WithEmitter(extensions),
//	)
//	err = s.Start(ctx)
//
// Completed jobs are purged by default; dead jobs are kept for operators
// unless WithDeadRetention is set.
package retention
