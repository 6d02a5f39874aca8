package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobq"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"closed client", goredis.ErrClosed, true},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"eof", io.EOF, true},
		{"pool timeout", errors.New("redis: connection pool timeout"), true},
		{"loading", errors.New("LOADING Redis is loading the dataset in memory"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"nil reply", goredis.Nil, false},
		{"tx failed", goredis.TxFailedErr, false},
		{"canceled", context.Canceled, false},
		{"wrong type", errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"), false},
		{"job not found", jobq.ErrJobNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapErr("op", tt.err)
			if got := errors.Is(err, jobq.ErrBackendUnavailable); got != tt.unavailable {
				t.Errorf("unavailable = %v, want %v (err %v)", got, tt.unavailable, err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("mapped error lost its cause: %v", err)
			}
		})
	}
	if mapErr("op", nil) != nil {
		t.Error("mapErr(nil) should be nil")
	}
}

func TestIsBusyGroup(t *testing.T) {
	if !isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Error("BUSYGROUP reply not recognised")
	}
	if isBusyGroup(errors.New("NOGROUP No such key")) {
		t.Error("NOGROUP treated as BUSYGROUP")
	}
	if isBusyGroup(nil) {
		t.Error("nil treated as BUSYGROUP")
	}
}
