package audithook

// Audit actions. Each corresponds to one ext lifecycle hook and becomes the
// Action field of the record.
const (
	ActionJobEnqueued  = "job.enqueued"
	ActionJobStarted   = "job.started"
	ActionJobCompleted = "job.completed"
	ActionJobRetrying  = "job.retrying"
	ActionJobDead      = "job.dead"
	ActionJobReplayed  = "job.replayed"
	ActionJobsReaped   = "jobs.reaped"
	ActionJobsPurged   = "jobs.purged"
)

// Categories group related actions.
const (
	CategoryJob         = "jobq.job"
	CategoryMaintenance = "jobq.maintenance"
)

// Resource types.
const (
	ResourceJob   = "job"
	ResourceQueue = "queue"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobRetrying,
		ActionJobDead,
		ActionJobReplayed,
		ActionJobsReaped,
		ActionJobsPurged,
	}
}
