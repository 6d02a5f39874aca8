// Package jobq is an asynchronous job queue with interchangeable
// persistence backends.
//
// Producers enqueue jobs by queue name; a worker pool claims them,
// runs the handler registered for the queue, and acknowledges or fails
// them. Failed jobs retry with exponential backoff until their attempt
// budget is spent, after which they stay in the dead state for an
// operator to inspect, replay or purge.
//
// # Backends
//
// A deployment picks exactly one backend at startup:
//
//   - buffered-db (backend/postgres): jobs are rows in a shared Postgres
//     database, claimed with FOR UPDATE SKIP LOCKED. Connections are held
//     only for the duration of a statement, so the backend runs
//     comfortably on a pool capped at two connections. An optional
//     buffered mode group-commits enqueues with COPY.
//   - broker (backend/redis): jobs are delivered through Redis Streams
//     consumer groups. Unacknowledged deliveries are reclaimed after a
//     visibility window and counted as failed attempts.
//   - memory (backend/memory): in-process, for tests and development.
//
// # Quick Start
//
//	b, err := setup.OpenBackend(ctx, cfg, logger)
//	eng, err := engine.New(b, cfg.EngineOptions(logger)...)
//
//	engine.Register(eng, job.NewDefinition("send-email",
//	    func(ctx context.Context, m EmailMessage) error { return mailer.Send(ctx, m) },
//	))
//
//	jobID, err := engine.Enqueue(ctx, eng, "send-email", EmailMessage{To: "a@b.com"},
//	    job.WithMaxAttempts(3))
//
//	err = eng.Start(ctx)
//
// All identifiers are TypeIDs (see package id).
package jobq
