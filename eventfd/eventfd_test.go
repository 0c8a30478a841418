// Copyright 2015 Aleksandr Demakin. All rights reserved.

package eventfd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalWakesWait(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Signal())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Signal")
	}
}

func TestWaitContextCancellation(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = c.WaitContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSignalCloseReportsClosed(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SignalClose())

	err = c.Wait()
	assert.ErrorIs(t, err, ErrCounterClosed)
}

func TestWaitContextObservesClose(t *testing.T) {
	c, err := New()
	require.NoError(t, err)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.WaitContext(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.SignalClose())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCounterClosed)
	case <-time.After(time.Second):
		t.Fatal("WaitContext did not observe SignalClose")
	}
}
