package setup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backend/memory"
	"github.com/xraph/jobq/config"
	"github.com/xraph/jobq/setup"
)

func TestOpenBackend_Memory(t *testing.T) {
	cfg := &config.Config{Backend: config.BackendMemory, RetryBase: time.Second, RetryMax: time.Hour}
	b, err := setup.OpenBackend(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, memory.Kind, b.Name())
}

func TestOpenBackend_UnknownKind(t *testing.T) {
	cfg := &config.Config{Backend: "kafka"}
	_, err := setup.OpenBackend(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, jobq.ErrUnknownBackend)
}

func TestOpenBackend_UnreachableBroker(t *testing.T) {
	cfg := &config.Config{
		Backend:   config.BackendBroker,
		RetryBase: time.Second,
		Broker:    config.BrokerConfig{Host: "127.0.0.1", Port: 1},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := setup.OpenBackend(ctx, cfg, nil)
	assert.ErrorIs(t, err, jobq.ErrBackendUnavailable)
}
