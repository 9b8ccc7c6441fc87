package xsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go l.Trigger()
	l.Wait()
	assert.True(t, l.Test())

	// Triggering twice is fine.
	l.Trigger()
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan of a triggered latch should be closed")
	}
}

func TestCounter_WaitAtLeast(t *testing.T) {
	c := NewCounter()
	require.EqualValues(t, 0, c.Value())

	done := make(chan error, 1)
	go func() {
		done <- c.WaitAtLeast(context.Background(), 3)
	}()
	c.Add(1)
	c.Add(1)
	select {
	case <-done:
		t.Fatal("WaitAtLeast(3) returned at 2")
	case <-time.After(10 * time.Millisecond):
	}
	c.Add(1)
	require.NoError(t, <-done)
	require.EqualValues(t, 3, c.Value())
}

func TestCounter_WaitZero(t *testing.T) {
	c := NewCounter()
	// Already zero: returns immediately.
	require.NoError(t, c.WaitZero(context.Background()))

	c.Add(2)
	done := make(chan error, 1)
	go func() {
		done <- c.WaitZero(context.Background())
	}()
	c.Add(-1)
	c.Add(-1)
	require.NoError(t, <-done)
}

func TestCounter_ContextCancellation(t *testing.T) {
	c := NewCounter()
	c.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.WaitZero(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = c.WaitAtLeast(ctx, 10)
	require.Error(t, err)
}
