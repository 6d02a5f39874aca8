// Package engine is the application-level API of jobq: register handlers,
// enqueue jobs, run the worker pool, and inspect what happened.
//
// # Building an Engine
//
//	b, err := setup.OpenBackend(ctx, cfg, logger)
//
//	eng, err := engine.New(b,
//	    engine.WithLogger(logger),
//	    engine.WithExtension(myExtension),
//	    engine.WithPrometheus(prometheus.DefaultRegisterer),
//	    engine.WithQueueConfig(queue.Config{Name: "send-email", RateLimit: 10}),
//	    engine.WithPoolOptions(worker.WithConcurrency(20)),
//	)
//
// The engine is bound to that backend for its lifetime. The retry
// schedule belongs to the backend, which applies it when a job fails.
//
// # Registering Work
//
//	engine.Register(eng, job.NewDefinition("send-email", sendEmail))
//	eng.RegisterHandler("search-index", func(ctx context.Context, raw []byte) error { ... })
//
// # Enqueuing Jobs
//
//	jobID, err := engine.Enqueue(ctx, eng, "send-email", EmailInput{To: "user@example.com"})
//	jobID, err = eng.Enqueue(ctx, "search-index", raw, job.WithDelay(time.Minute))
//
// An unavailable backend is retried with the reconnect backoff up to
// [WithEnqueueRetries] times before the error reaches the producer.
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware after the default stack
//   - [WithCodec]: payload codec for the typed API
//   - [WithQueueConfig]: per-queue rate limits and concurrency
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
//   - [WithPrometheus]: export lifecycle counters and a per-state gauge
//   - [WithRetention]: purge old completed jobs on a schedule
package engine
