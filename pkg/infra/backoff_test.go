package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsToCeiling(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 2)

	for i := 0; i < 10; i++ {
		wait := b.Next()
		assert.GreaterOrEqual(t, wait, 100*time.Millisecond)
		// jitter is at most 20% above the ceiling
		assert.LessOrEqual(t, wait, 1200*time.Millisecond)
	}
	assert.Equal(t, 10, b.Attempts())

	b.Reset()
	assert.Zero(t, b.Attempts())
	assert.LessOrEqual(t, b.Next(), 120*time.Millisecond)
}

func TestBackoffSettlesOnWakeInterval(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 50*time.Millisecond, 2).WithWake(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.Less(t, b.Next(), time.Minute)
	}
	assert.Equal(t, time.Minute, b.Next())
	assert.Equal(t, time.Minute, b.Next())

	b.Reset()
	assert.Less(t, b.Next(), time.Minute)
}

func TestBackoffClampsArguments(t *testing.T) {
	b := NewBackoff(time.Second, time.Millisecond, 0.5)
	for i := 0; i < 5; i++ {
		wait := b.Next()
		assert.GreaterOrEqual(t, wait, time.Second)
		assert.LessOrEqual(t, wait, 1200*time.Millisecond)
	}
}

func TestBackoffWaitStopsOnCancel(t *testing.T) {
	b := NewBackoff(time.Hour, time.Hour, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, b.Wait(ctx))

	fast := NewBackoff(time.Millisecond, time.Millisecond, 1)
	assert.True(t, fast.Wait(context.Background()))
}
