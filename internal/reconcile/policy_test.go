package reconcile

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftRemoveFiresAfterGrace(t *testing.T) {
	p := New()
	var removed atomic.Int32
	require.True(t, p.SoftRemove("a", 20*time.Millisecond, func() { removed.Add(1) }))
	assert.True(t, p.Pending("a"))
	assert.Zero(t, removed.Load())

	require.Eventually(t, func() bool { return removed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, p.Pending("a"))
}

func TestCancelDuringGrace(t *testing.T) {
	p := New()
	var removed atomic.Int32
	p.SoftRemove("a", 20*time.Millisecond, func() { removed.Add(1) })
	assert.True(t, p.Cancel("a"))
	assert.False(t, p.Cancel("a"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, removed.Load())
}

func TestRescheduleReplacesTimer(t *testing.T) {
	p := New()
	var first, second atomic.Int32
	p.SoftRemove("a", 10*time.Millisecond, func() { first.Add(1) })
	p.SoftRemove("a", 30*time.Millisecond, func() { second.Add(1) })
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load())
}

func TestStopDropsPendingRemovals(t *testing.T) {
	p := New()
	var removed atomic.Int32
	p.SoftRemove("a", 10*time.Millisecond, func() { removed.Add(1) })
	p.Stop()
	assert.False(t, p.SoftRemove("b", time.Millisecond, func() { removed.Add(1) }))
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, removed.Load())
}
