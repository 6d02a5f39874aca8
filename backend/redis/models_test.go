package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// stringify mimics what HGETALL returns for a hash written with jobToMap.
func stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.(string)
	}
	return out
}

func TestJobHashPreservesLifecycleFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	j, err := job.NewAt(now, "send-email", []byte{0x00, 'x', 0xff}, job.WithMaxAttempts(5), job.WithTimeout(time.Minute))
	require.NoError(t, err)
	w := id.NewWorkerID()
	require.NoError(t, j.Claim(w, now, time.Minute))

	got, err := mapToJob(stringify(jobToMap(j)))
	require.NoError(t, err)
	assert.Equal(t, j.ID.String(), got.ID.String())
	assert.Equal(t, j.Payload, got.Payload)
	assert.Equal(t, job.StateClaimed, got.State)
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, time.Minute, got.Timeout)
	assert.Equal(t, w.String(), got.ClaimedBy.String())
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.Equal(now.Add(time.Minute)))
	assert.Nil(t, got.RetryAfter)
	assert.Nil(t, got.CompletedAt)
}

func TestJobHashClearsReleasedFields(t *testing.T) {
	now := time.Now().UTC()
	j, err := job.NewAt(now, "asset-process", nil)
	require.NoError(t, err)
	require.NoError(t, j.Claim(id.NewWorkerID(), now, time.Minute))
	_, err = j.Complete(id.Nil, now)
	require.NoError(t, err)

	m := stringify(jobToMap(j))
	assert.Empty(t, m["claimed_by"])
	assert.Empty(t, m["lease_expires_at"])

	got, err := mapToJob(m)
	require.NoError(t, err)
	assert.True(t, got.ClaimedBy.IsNil())
	assert.Nil(t, got.LeaseExpiresAt)
	require.NotNil(t, got.CompletedAt)
}

func TestScoreIsUnixMillis(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	assert.InDelta(t, 1_700_000_000_123, score(ts), 0)
}
