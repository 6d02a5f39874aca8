package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// maxTxRetries bounds optimistic WATCH retries for one job.
const maxTxRetries = 8

// reaperConsumer owns deliveries taken over by Reap.
const reaperConsumer = "jobq-reaper"

func consumerName(worker id.WorkerID) string {
	if worker.IsNil() {
		return "anonymous"
	}
	return worker.String()
}

// Enqueue writes the job hash and either publishes it to the queue stream
// or parks it in the delayed set until RunAt.
func (b *Backend) Enqueue(ctx context.Context, j *job.Job) error {
	if err := b.check("enqueue"); err != nil {
		return err
	}
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return mapErr("enqueue check exists", err)
	}
	if exists > 0 {
		return fmt.Errorf("jobq/redis: enqueue %s: %w: duplicate id", jID, jobq.ErrInvalidJob)
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.SAdd(ctx, queuesKey, j.Queue)
	if j.RunAt.After(b.now()) {
		pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{Score: score(j.RunAt), Member: jID})
	} else {
		publish(ctx, pipe, j.Queue, jID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return mapErr("enqueue", err)
	}
	return nil
}

func publish(ctx context.Context, pipe goredis.Pipeliner, queue, jobID string) {
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey(queue),
		Values: map[string]any{fieldJobID: jobID},
	})
}

func ackAndDelete(ctx context.Context, pipe goredis.Pipeliner, queue, msgID string) {
	if msgID == "" {
		return
	}
	pipe.XAck(ctx, streamKey(queue), consumerGroup, msgID)
	pipe.XDel(ctx, streamKey(queue), msgID)
}

// Claim reads new deliveries through the consumer group and moves each
// job from pending to claimed under WATCH. When no queue has anything
// ready it blocks for up to the block timeout.
func (b *Backend) Claim(ctx context.Context, queues []string, limit int, worker id.WorkerID) ([]*job.Job, error) {
	if err := b.check("claim"); err != nil {
		return nil, err
	}
	out := []*job.Job{}
	if limit <= 0 {
		return out, nil
	}
	if len(queues) == 0 {
		known, err := b.client.SMembers(ctx, queuesKey).Result()
		if err != nil {
			return nil, mapErr("claim list queues", err)
		}
		slices.Sort(known)
		queues = known
	}
	if len(queues) == 0 {
		return out, nil
	}
	for _, q := range queues {
		if err := b.ensureGroup(ctx, q); err != nil {
			return nil, err
		}
	}

	consumer := consumerName(worker)
	for _, q := range queues {
		if len(out) >= limit {
			break
		}
		streams, err := b.read(ctx, []string{q}, consumer, int64(limit-len(out)), -1)
		if err != nil {
			return nil, mapErr("claim read", err)
		}
		out = b.claimDeliveries(ctx, streams, worker, out, limit)
	}

	if len(out) == 0 && b.blockTimeout > 0 {
		streams, err := b.read(ctx, queues, consumer, 1, b.blockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return out, nil
			}
			return nil, mapErr("claim block", err)
		}
		out = b.claimDeliveries(ctx, streams, worker, out, limit)
	}
	return out, nil
}

// read issues XREADGROUP for new messages. A negative block means do not
// block.
func (b *Backend) read(ctx context.Context, queues []string, consumer string, count int64, block time.Duration) ([]goredis.XStream, error) {
	streams := make([]string, 0, 2*len(queues))
	for _, q := range queues {
		streams = append(streams, streamKey(q))
	}
	for range queues {
		streams = append(streams, ">")
	}
	res, err := b.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return res, err
}

func (b *Backend) claimDeliveries(ctx context.Context, streams []goredis.XStream, worker id.WorkerID, out []*job.Job, limit int) []*job.Job {
	for _, s := range streams {
		queue := strings.TrimPrefix(s.Stream, keyPrefix+"stream:")
		for _, msg := range s.Messages {
			jobID, _ := msg.Values[fieldJobID].(string)
			if jobID == "" {
				b.drop(ctx, queue, msg.ID)
				continue
			}
			if len(out) >= limit {
				b.redeliver(ctx, queue, msg.ID, jobID)
				continue
			}

			claimed, err := b.transition(ctx, "claim", jobID, func(j *job.Job, _ string, now time.Time) (apply, error) {
				if err := j.Claim(worker, now, b.lease); err != nil {
					return nil, err
				}
				return func(pipe goredis.Pipeliner) {
					pipe.HSet(ctx, jobKey(jobID), jobToMap(j))
					pipe.HSet(ctx, jobKey(jobID), fieldMsgID, msg.ID)
				}, nil
			})
			switch {
			case err == nil:
				out = append(out, claimed)
			case errors.Is(err, jobq.ErrJobNotFound), errors.Is(err, jobq.ErrInvalidState):
				// Stale or duplicate delivery: someone else owns the job.
				b.logger.Debug("dropping delivery",
					"job_id", jobID,
					"queue", queue,
					"reason", jobq.ErrClaimConflict.Error(),
				)
				b.drop(ctx, queue, msg.ID)
			default:
				// Left pending in the group; Reap redelivers it.
				b.logger.Warn("claim transition failed",
					"job_id", jobID,
					"queue", queue,
					"error", err,
				)
			}
		}
	}
	return out
}

// drop acknowledges and deletes a delivery.
func (b *Backend) drop(ctx context.Context, queue, msgID string) {
	pipe := b.client.TxPipeline()
	ackAndDelete(ctx, pipe, queue, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("drop delivery failed", "queue", queue, "msg_id", msgID, "error", err)
	}
}

// redeliver republishes the job and retires the old delivery.
func (b *Backend) redeliver(ctx context.Context, queue, msgID, jobID string) {
	pipe := b.client.TxPipeline()
	publish(ctx, pipe, queue, jobID)
	ackAndDelete(ctx, pipe, queue, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("redeliver failed", "queue", queue, "job_id", jobID, "error", err)
	}
}

// apply queues the writes of one transition inside MULTI/EXEC.
type apply func(pipe goredis.Pipeliner)

// transition loads the job under WATCH, lets fn apply a state change, and
// commits fn's writes atomically. A nil apply writes nothing. Concurrent
// modification retries up to maxTxRetries times.
func (b *Backend) transition(ctx context.Context, op, jobID string, fn func(j *job.Job, msgID string, now time.Time) (apply, error)) (*job.Job, error) {
	key := jobKey(jobID)
	var out *job.Job
	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return fmt.Errorf("%w: %s", jobq.ErrJobNotFound, jobID)
		}
		j, err := mapToJob(vals)
		if err != nil {
			return err
		}
		write, err := fn(j, vals[fieldMsgID], b.now())
		if err != nil {
			return err
		}
		out = j
		if write == nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			write(pipe)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := b.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, mapErr(op, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("jobq/redis: %s %s: %w", op, jobID, jobq.ErrClaimConflict)
}

// MarkRunning moves a claimed job to running.
func (b *Backend) MarkRunning(ctx context.Context, jobID id.JobID, worker id.WorkerID) error {
	if err := b.check("mark running"); err != nil {
		return err
	}
	key := jobKey(jobID.String())
	_, err := b.transition(ctx, "mark running", jobID.String(), func(j *job.Job, _ string, now time.Time) (apply, error) {
		if err := j.MarkRunning(worker, now); err != nil {
			return nil, err
		}
		return func(pipe goredis.Pipeliner) {
			pipe.HSet(ctx, key, jobToMap(j))
		}, nil
	})
	return err
}

// Heartbeat extends the lease and resets the delivery's idle time so Reap
// leaves it alone.
func (b *Backend) Heartbeat(ctx context.Context, jobID id.JobID, worker id.WorkerID) error {
	if err := b.check("heartbeat"); err != nil {
		return err
	}
	key := jobKey(jobID.String())
	_, err := b.transition(ctx, "heartbeat", jobID.String(), func(j *job.Job, msgID string, now time.Time) (apply, error) {
		if err := j.Extend(worker, now, b.lease); err != nil {
			return nil, err
		}
		return func(pipe goredis.Pipeliner) {
			pipe.HSet(ctx, key, jobToMap(j))
			if msgID != "" {
				pipe.XClaimJustID(ctx, &goredis.XClaimArgs{
					Stream:   streamKey(j.Queue),
					Group:    consumerGroup,
					Consumer: consumerName(worker),
					MinIdle:  0,
					Messages: []string{msgID},
				})
			}
		}, nil
	})
	return err
}

// Acknowledge completes the job held by worker and retires its delivery. A
// completed job is left untouched.
func (b *Backend) Acknowledge(ctx context.Context, jobID id.JobID, worker id.WorkerID) error {
	if err := b.check("acknowledge"); err != nil {
		return err
	}
	key := jobKey(jobID.String())
	_, err := b.transition(ctx, "acknowledge", jobID.String(), func(j *job.Job, msgID string, now time.Time) (apply, error) {
		changed, err := j.Complete(worker, now)
		if err != nil || !changed {
			return nil, err
		}
		return func(pipe goredis.Pipeliner) {
			pipe.HSet(ctx, key, jobToMap(j))
			pipe.HDel(ctx, key, fieldMsgID)
			ackAndDelete(ctx, pipe, j.Queue, msgID)
		}, nil
	})
	return err
}

// Fail records a failed attempt, retires the delivery and parks a
// retrying job in the delayed set until RetryAfter.
func (b *Backend) Fail(ctx context.Context, jobID id.JobID, worker id.WorkerID, reason string) (*job.Job, error) {
	if err := b.check("fail"); err != nil {
		return nil, err
	}
	return b.transition(ctx, "fail", jobID.String(), func(j *job.Job, msgID string, now time.Time) (apply, error) {
		if err := j.Fail(worker, now, reason, b.bo); err != nil {
			return nil, err
		}
		return b.failWrites(ctx, j, msgID), nil
	})
}

func (b *Backend) failWrites(ctx context.Context, j *job.Job, msgID string) apply {
	key := jobKey(j.ID.String())
	return func(pipe goredis.Pipeliner) {
		pipe.HSet(ctx, key, jobToMap(j))
		pipe.HDel(ctx, key, fieldMsgID)
		ackAndDelete(ctx, pipe, j.Queue, msgID)
		if j.State == job.StateFailed && j.RetryAfter != nil {
			pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{Score: score(*j.RetryAfter), Member: j.ID.String()})
		}
	}
}

// Inspect returns a snapshot of the job.
func (b *Backend) Inspect(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	if err := b.check("inspect"); err != nil {
		return nil, err
	}
	vals, err := b.client.HGetAll(ctx, jobKey(jobID.String())).Result()
	if err != nil {
		return nil, mapErr("inspect", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", jobq.ErrJobNotFound, jobID)
	}
	return mapToJob(vals)
}

// scan loads every job matching match, oldest first.
func (b *Backend) scan(ctx context.Context, op string, match func(*job.Job) bool) ([]*job.Job, error) {
	ids, err := b.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, mapErr(op, err)
	}

	pipe := b.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(jID))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
			return nil, mapErr(op, err)
		}
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		vals, cmdErr := cmd.Result()
		if cmdErr != nil || len(vals) == 0 {
			continue
		}
		j, parseErr := mapToJob(vals)
		if parseErr != nil {
			continue
		}
		if match(j) {
			jobs = append(jobs, j)
		}
	}
	slices.SortFunc(jobs, func(a, c *job.Job) int {
		if cmp := a.CreatedAt.Compare(c.CreatedAt); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.ID.String(), c.ID.String())
	})
	return jobs, nil
}

// List returns matching jobs, oldest first.
func (b *Backend) List(ctx context.Context, opts backend.ListOpts) ([]*job.Job, error) {
	if err := b.check("list"); err != nil {
		return nil, err
	}
	jobs, err := b.scan(ctx, "list", opts.Matches)
	if err != nil {
		return nil, err
	}
	return backend.Page(jobs, opts.Offset, opts.Limit), nil
}

// Count returns the number of matching jobs.
func (b *Backend) Count(ctx context.Context, opts backend.CountOpts) (int64, error) {
	if err := b.check("count"); err != nil {
		return 0, err
	}
	jobs, err := b.scan(ctx, "count", opts.Matches)
	if err != nil {
		return 0, err
	}
	return int64(len(jobs)), nil
}

// Delete removes a terminal job.
func (b *Backend) Delete(ctx context.Context, jobID id.JobID) error {
	if err := b.check("delete"); err != nil {
		return err
	}
	return b.delete(ctx, jobID.String(), time.Time{})
}

// delete removes a terminal job, optionally only if it was last updated
// before cutoff.
func (b *Backend) delete(ctx context.Context, jobID string, cutoff time.Time) error {
	_, err := b.transition(ctx, "delete", jobID, func(j *job.Job, _ string, _ time.Time) (apply, error) {
		if !j.State.Terminal() {
			return nil, fmt.Errorf("%w: delete job %s in state %s", jobq.ErrInvalidState, jobID, j.State)
		}
		if !cutoff.IsZero() && !j.UpdatedAt.Before(cutoff) {
			return nil, nil
		}
		return func(pipe goredis.Pipeliner) {
			pipe.Del(ctx, jobKey(jobID))
			pipe.SRem(ctx, jobIDsKey, jobID)
			pipe.ZRem(ctx, delayedKey(j.Queue), jobID)
		}, nil
	})
	return err
}

// Purge deletes terminal jobs.
func (b *Backend) Purge(ctx context.Context, opts backend.PurgeOpts) (int64, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	if err := b.check("purge"); err != nil {
		return 0, err
	}
	jobs, err := b.scan(ctx, "purge", func(j *job.Job) bool {
		return j.State == opts.State &&
			(opts.Queue == "" || j.Queue == opts.Queue) &&
			(opts.Before.IsZero() || j.UpdatedAt.Before(opts.Before))
	})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, j := range jobs {
		switch err := b.delete(ctx, j.ID.String(), opts.Before); {
		case err == nil:
			n++
		case errors.Is(err, jobq.ErrJobNotFound), errors.Is(err, jobq.ErrInvalidState):
		default:
			return n, err
		}
	}
	return n, nil
}

// Reap promotes due delayed and retrying jobs into their streams and fails
// deliveries idle longer than the visibility timeout.
func (b *Backend) Reap(ctx context.Context) (backend.ReapResult, error) {
	var res backend.ReapResult
	if err := b.check("reap"); err != nil {
		return res, err
	}
	queues, err := b.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return res, mapErr("reap list queues", err)
	}
	slices.Sort(queues)
	for _, q := range queues {
		if err := b.promote(ctx, q, &res); err != nil {
			return res, err
		}
		if b.lease > 0 {
			if err := b.expire(ctx, q, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func (b *Backend) promote(ctx context.Context, queue string, res *backend.ReapResult) error {
	ids, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(b.now()), 'f', 0, 64),
		Count: b.reapBatch,
	}).Result()
	if err != nil {
		return mapErr("reap due jobs", err)
	}

	for _, jobID := range ids {
		requeued := false
		_, err := b.transition(ctx, "promote", jobID, func(j *job.Job, _ string, now time.Time) (apply, error) {
			key := jobKey(jobID)
			unpark := func(pipe goredis.Pipeliner) { pipe.ZRem(ctx, delayedKey(queue), jobID) }
			switch {
			case j.State == job.StateFailed && j.Attempts < j.MaxAttempts:
				if err := j.Requeue(now); err != nil {
					return nil, nil //nolint:nilerr // not due yet at millisecond precision; next pass
				}
				requeued = true
			case j.State == job.StatePending && !j.RunAt.After(now):
			default:
				return unpark, nil
			}
			return func(pipe goredis.Pipeliner) {
				pipe.HSet(ctx, key, jobToMap(j))
				unpark(pipe)
				publish(ctx, pipe, queue, jobID)
			}, nil
		})
		switch {
		case err == nil:
			if requeued {
				res.Requeued++
			}
		case errors.Is(err, jobq.ErrJobNotFound):
			if zErr := b.client.ZRem(ctx, delayedKey(queue), jobID).Err(); zErr != nil {
				return mapErr("reap unpark", zErr)
			}
		case jobq.IsUnavailable(err):
			return err
		default:
			b.logger.Warn("promote failed", "job_id", jobID, "queue", queue, "error", err)
		}
	}
	return nil
}

func (b *Backend) expire(ctx context.Context, queue string, res *backend.ReapResult) error {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return err
	}
	start := "0-0"
	for range 10 {
		msgs, next, err := b.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   streamKey(queue),
			Group:    consumerGroup,
			Consumer: reaperConsumer,
			MinIdle:  b.lease,
			Start:    start,
			Count:    b.reapBatch,
		}).Result()
		if err != nil {
			return mapErr("reap autoclaim", err)
		}
		for _, msg := range msgs {
			if err := b.expireDelivery(ctx, queue, msg, res); err != nil {
				return err
			}
		}
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
	return nil
}

func (b *Backend) expireDelivery(ctx context.Context, queue string, msg goredis.XMessage, res *backend.ReapResult) error {
	jobID, _ := msg.Values[fieldJobID].(string)
	if jobID == "" {
		b.drop(ctx, queue, msg.ID)
		return nil
	}

	var expired *job.Job
	_, err := b.transition(ctx, "expire", jobID, func(j *job.Job, msgID string, now time.Time) (apply, error) {
		retire := func(pipe goredis.Pipeliner) { ackAndDelete(ctx, pipe, queue, msg.ID) }
		switch {
		case (j.State == job.StateClaimed || j.State == job.StateRunning) && msgID == msg.ID:
			if err := j.Fail(id.Nil, now, backend.ReasonLeaseExpired, b.bo); err != nil {
				return nil, err
			}
			expired = j
			return b.failWrites(ctx, j, msgID), nil
		case j.State == job.StatePending:
			// Delivered but never claimed.
			return func(pipe goredis.Pipeliner) {
				retire(pipe)
				publish(ctx, pipe, queue, jobID)
			}, nil
		default:
			return retire, nil
		}
	})
	switch {
	case err == nil:
	case errors.Is(err, jobq.ErrJobNotFound):
		b.drop(ctx, queue, msg.ID)
		return nil
	case jobq.IsUnavailable(err):
		return err
	default:
		b.logger.Warn("expire delivery failed", "job_id", jobID, "queue", queue, "error", err)
		return nil
	}

	if expired != nil {
		res.Expired++
		if expired.State == job.StateDead {
			res.Dead++
		}
		b.logger.Warn("lease expired",
			"job_id", jobID,
			"queue", queue,
			"attempts", expired.Attempts,
		)
	}
	return nil
}
