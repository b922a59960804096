package calsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingRefresher struct {
	calls atomic.Int32
}

func (refresher *countingRefresher) Refresh() {
	refresher.calls.Add(1)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("*/15 * * * *"))
	assert.NoError(t, ValidateSchedule("@hourly"))
	assert.Error(t, ValidateSchedule("every now and then"))
}

func TestNewSchedulerRejectsInvalidSpec(t *testing.T) {
	_, err := NewScheduler("61 * * * *", &countingRefresher{}, nil, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestSchedulerRunsRefresh(t *testing.T) {
	refresher := &countingRefresher{}
	metrics := NewCounterMetrics()
	scheduler, err := NewScheduler("@every 1s", refresher, metrics, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	require.Eventually(t, func() bool { return refresher.calls.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Positive(t, metrics.Count(MetricRefreshed))
}
