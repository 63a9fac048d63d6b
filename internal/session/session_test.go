package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New("development")
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestRun_SessionAlreadyElapsedMarksEnded(t *testing.T) {
	logger := testLogger(t)
	past := time.Now().Add(-2 * time.Hour)
	veryPast := time.Now().Add(-time.Hour)
	c := New(logger, past, veryPast)

	c.Run(context.Background())
	assert.Equal(t, domain.SessionEnded, c.State())
}

func TestRun_RunsAttachedWorkersForWindowDuration(t *testing.T) {
	logger := testLogger(t)
	start := time.Now()
	end := start.Add(50 * time.Millisecond)
	c := New(logger, start, end)

	var ran int32
	c.Attach(WorkerFunc(func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
		<-ctx.Done()
	}))

	c.Run(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Equal(t, domain.SessionEnded, c.State())
}

func TestTransition_IsIdempotentAndMonotonic(t *testing.T) {
	logger := testLogger(t)
	c := New(logger, time.Now(), time.Now().Add(time.Hour))

	assert.True(t, c.transition(domain.SessionActive))
	assert.False(t, c.transition(domain.SessionActive), "re-entering the same state is a no-op")
	assert.False(t, c.transition(domain.SessionWaiting), "must never move backward")
	assert.True(t, c.transition(domain.SessionEnded))
}

func TestRun_ContextCancellationEndsSessionEarly(t *testing.T) {
	logger := testLogger(t)
	start := time.Now()
	end := start.Add(time.Hour)
	c := New(logger, start, end)

	c.Attach(WorkerFunc(func(ctx context.Context) {
		<-ctx.Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not end after context cancellation")
	}
	assert.Equal(t, domain.SessionEnded, c.State())
}
