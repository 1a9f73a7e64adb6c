package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanner_RunsOnSchedule(t *testing.T) {
	var calls atomic.Int32
	s, err := NewScanner("* * * * * *", testLogger(), func(time.Time) {
		calls.Add(1)
	})
	require.NoError(t, err)

	s.Start()
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		return calls.Load() >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestScanner_StopRunsZeroTimeDrainPass(t *testing.T) {
	var lastWasZero atomic.Bool
	s, err := NewScanner("@every 1h", testLogger(), func(now time.Time) {
		lastWasZero.Store(now.IsZero())
	})
	require.NoError(t, err)

	s.Start()
	s.Stop(context.Background())

	assert.True(t, lastWasZero.Load())
}

func TestScanner_RejectsInvalidSchedule(t *testing.T) {
	_, err := NewScanner("not a cron expression", testLogger(), func(time.Time) {})
	assert.Error(t, err)
}
