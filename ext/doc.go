// Package ext defines the extension system for jobq.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics or writing logs. Each lifecycle hook is a separate
// interface so extensions opt in only to the events they care about.
//
// # Implementing an Extension
//
//	type Alerts struct{}
//
//	func (a *Alerts) Name() string { return "alerts" }
//
//	func (a *Alerts) OnJobDead(ctx context.Context, j *job.Job, err error) error {
//	    log.Printf("job %s on %s is dead: %v", j.ID, j.Queue, err)
//	    return nil
//	}
//
// # Hooks
//
//   - [JobEnqueued] job was accepted by the backend
//   - [JobStarted] a worker began executing the job
//   - [JobCompleted] job finished successfully
//   - [JobRetrying] an attempt failed and a retry is scheduled
//   - [JobDead] the attempt budget is spent
//   - [JobsReaped] a reap pass requeued or expired jobs
//   - [JobReplayed] a dead job was replayed
//   - [JobsPurged] terminal jobs were deleted
//   - [Shutdown] the engine is stopping
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never affect job processing.
package ext
