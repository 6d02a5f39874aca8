// Package job defines the job entity, its state machine, enqueue options,
// typed definitions and the handler registry.
//
// # State Machine
//
// A [Job] moves through these states:
//
//	pending → claimed → running → completed
//	                  ↘         ↘
//	                    failed → pending (attempts < max, after RetryAfter)
//	                    dead     (attempts == max)
//
// Attempts counts failed attempts only, so a job that fails twice and
// then succeeds ends completed with Attempts == 2. The transitions are
// methods on *Job (Claim, MarkRunning, Extend, Complete, Fail, Requeue);
// backends persist their results but never change State directly.
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The queue name selects the
// handler at claim time:
//
//	var SendEmail = job.NewDefinition("send-email",
//	    func(ctx context.Context, m EmailMessage) error {
//	        return mailer.Send(ctx, m)
//	    },
//	    job.WithMaxAttempts(5),
//	)
//
// # Registry
//
// [Registry] maps queue names to type-erased [HandlerFunc] values. The
// engine package wraps it with engine.Register and engine.RegisterHandler.
package job
