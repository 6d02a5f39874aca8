package redis

// Redis key naming conventions. All keys are prefixed with "jobq:" to
// avoid collisions with other tenants of the same database.

const keyPrefix = "jobq:"

// consumerGroup is the single consumer group every worker reads through.
const consumerGroup = "jobq"

// jobKey returns the hash holding one job: jobq:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// streamKey returns the delivery stream of a queue: jobq:stream:{queue}
func streamKey(queue string) string { return keyPrefix + "stream:" + queue }

// delayedKey returns the sorted set of jobs waiting for their run or retry
// time, scored by unix milliseconds: jobq:delayed:{queue}
func delayedKey(queue string) string { return keyPrefix + "delayed:" + queue }

// jobIDsKey is the set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// queuesKey is the set of every queue that has seen a job.
const queuesKey = keyPrefix + "queues"

// Stream message and hash field names.
const (
	fieldJobID = "job_id"
	fieldMsgID = "msg_id"
)
