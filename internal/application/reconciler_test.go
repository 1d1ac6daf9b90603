package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReconciler struct {
	mu      sync.Mutex
	calls   int
	block   chan struct{}
	started chan struct{}
}

func (c *countingReconciler) ReconcileAgainstLiveMembership(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	return []string{"u1"}, nil
}

func (c *countingReconciler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestReconciler_RunsAfterInitialDelay(t *testing.T) {
	target := &countingReconciler{}
	r := NewReconciler(target, ReconcilerConfig{InitialDelay: 20 * time.Millisecond})

	require.NoError(t, r.Start())
	defer r.Stop()

	assert.Eventually(t, func() bool { return target.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Error(t, r.Start())
}

func TestReconciler_InvalidSchedule(t *testing.T) {
	r := NewReconciler(&countingReconciler{}, ReconcilerConfig{Schedule: "every now and then"})
	assert.Error(t, r.Start())
}

func TestReconciler_SkipsOverlappingRuns(t *testing.T) {
	target := &countingReconciler{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	r := NewReconciler(target, ReconcilerConfig{})

	done := make(chan bool)
	go func() { done <- r.RunOnce(context.Background()) }()
	<-target.started

	assert.False(t, r.RunOnce(context.Background()))

	close(target.block)
	assert.True(t, <-done)
	assert.Equal(t, 1, target.count())
}

func TestReconciler_StopBeforeDelay(t *testing.T) {
	target := &countingReconciler{}
	r := NewReconciler(target, ReconcilerConfig{InitialDelay: time.Hour, Schedule: "@every 1h"})

	require.NoError(t, r.Start())
	r.Stop()

	assert.Equal(t, 0, target.count())
}
