package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobflow/internal/dispatcher"
	"jobflow/internal/domain"
	"jobflow/internal/outcome"
	"jobflow/internal/queue"
	"jobflow/internal/worker"
)

type stack struct {
	ready   *queue.Ready
	tracker *outcome.Tracker
	d       *dispatcher.Dispatcher
	pool    *worker.Pool
}

func newStack(t *testing.T, workers int, opts ...dispatcher.Option) *stack {
	t.Helper()
	s := &stack{ready: queue.NewReady(), tracker: outcome.New(time.Hour, 0, nil)}
	s.d = dispatcher.New(s.ready, s.tracker, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.d.Run(ctx)
	}()
	if workers > 0 {
		s.pool = worker.NewPool(s.ready, s.tracker, workers)
		s.pool.Start(ctx)
	}
	t.Cleanup(func() {
		cancel()
		<-done
		if s.pool != nil {
			stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
			defer stop()
			_ = s.pool.Stop(stopCtx)
		}
	})
	return s
}

func (s *stack) waitState(t *testing.T, id string, want domain.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := s.d.State(id)
		return err == nil && st == want
	}, 3*time.Second, 2*time.Millisecond, "job %s never reached %s", id, want)
}

func noop(context.Context) error { return nil }

func TestEnqueueRunsImmediately(t *testing.T) {
	s := newStack(t, 2)
	ran := make(chan time.Time, 1)
	before := time.Now()
	id, err := s.d.Enqueue(func(context.Context) error { ran <- time.Now(); return nil })
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("enqueued job did not run")
	}
	s.waitState(t, id, domain.StateSucceeded)

	r, err := s.d.Record(id)
	require.NoError(t, err)
	assert.False(t, r.DueAt.After(r.CreatedAt))
	assert.False(t, r.DueAt.Before(before))
}

func TestScheduleNotBeforeDue(t *testing.T) {
	ceiling := 50 * time.Millisecond
	s := newStack(t, 1, dispatcher.WithPollCeiling(ceiling))

	at := time.Now().Add(150 * time.Millisecond)
	ran := make(chan time.Time, 1)
	id, err := s.d.Schedule(func(context.Context) error { ran <- time.Now(); return nil }, at)
	require.NoError(t, err)

	st, err := s.d.State(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateScheduled, st)

	select {
	case got := <-ran:
		assert.False(t, got.Before(at), "ran %s before due %s", got, at)
		assert.Less(t, got.Sub(at), ceiling+200*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled job never ran")
	}
}

func TestScheduleWakesLongSleep(t *testing.T) {
	s := newStack(t, 1, dispatcher.WithPollCeiling(time.Hour))

	// The loop is now asleep until the far job or the hour-long ceiling.
	_, err := s.d.Schedule(noop, time.Now().Add(time.Hour))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	id, err := s.d.Schedule(noop, time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	s.waitState(t, id, domain.StateSucceeded)
}

func TestSchedulePastBehavesLikeEnqueue(t *testing.T) {
	s := newStack(t, 0)
	id, err := s.d.Schedule(noop, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	st, err := s.d.State(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, st)
	assert.Equal(t, 1, s.ready.Len())
	assert.Equal(t, 0, s.d.Scheduled())

	r, _ := s.d.Record(id)
	assert.Equal(t, r.CreatedAt, r.DueAt)
}

func TestSubmissionErrors(t *testing.T) {
	s := newStack(t, 0)

	_, err := s.d.Enqueue(nil)
	assert.True(t, errors.Is(err, domain.ErrNilPayload))

	_, err = s.d.Schedule(noop, time.Time{})
	assert.True(t, errors.Is(err, domain.ErrInvalidTiming))

	_, err = s.d.ScheduleIn(noop, "in three hours")
	assert.True(t, errors.Is(err, domain.ErrInvalidTiming))

	_, err = s.d.State("job_unknown")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = s.d.Cancel("job_unknown")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestScheduleInResolvesOnce(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s := newStack(t, 0, dispatcher.WithClock(func() time.Time { return now }))

	id, err := s.d.ScheduleIn(noop, "PT3H", domain.WithHandler("sample", "Hello World"))
	require.NoError(t, err)
	r, err := s.d.Record(id)
	require.NoError(t, err)
	assert.Equal(t, now.Add(3*time.Hour), r.DueAt)
	assert.Equal(t, domain.StateScheduled, r.State)
	assert.Equal(t, "Hello World", r.Name)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := newStack(t, 0)
	id, err := s.d.Schedule(noop, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, s.d.Scheduled())

	st, err := s.d.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, st)
	assert.Equal(t, 0, s.d.Scheduled())
	first, _ := s.d.Record(id)

	st, err = s.d.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, st)
	second, _ := s.d.Record(id)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, s.tracker.Stats().Cancelled)
}

func TestCancelReadyJobNeverRuns(t *testing.T) {
	s := newStack(t, 0)
	var ran bool
	id, err := s.d.Enqueue(func(context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	st, err := s.d.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, st)

	pool := worker.NewPool(s.ready, s.tracker, 1)
	pool.Start(context.Background())
	marker, _ := s.d.Enqueue(noop)
	s.waitState(t, marker, domain.StateSucceeded)
	require.NoError(t, pool.Stop(context.Background()))
	assert.False(t, ran)
}

func TestCancelRunningJobIsNoop(t *testing.T) {
	s := newStack(t, 1)
	release := make(chan struct{})
	id, err := s.d.Enqueue(func(context.Context) error { <-release; return nil })
	require.NoError(t, err)
	s.waitState(t, id, domain.StateRunning)

	st, err := s.d.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, st)

	close(release)
	s.waitState(t, id, domain.StateSucceeded)
	st, err = s.d.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, st)
}

func TestEqualDueInstantsPromoteInSubmissionOrder(t *testing.T) {
	s := newStack(t, 0, dispatcher.WithPollCeiling(20*time.Millisecond))
	at := time.Now().Add(80 * time.Millisecond)

	var ids []string
	for i := 0; i < 20; i++ {
		id, err := s.d.Schedule(noop, at)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return s.ready.Len() == len(ids) }, 2*time.Second, 5*time.Millisecond)

	for _, want := range ids {
		j, err := s.ready.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, j.ID)
		assert.Equal(t, domain.StateReady, j.State())
	}
}

func TestImmediateJobOvertakesDelayedOne(t *testing.T) {
	s := newStack(t, 1)

	a, err := s.d.ScheduleIn(noop, "PT3H")
	require.NoError(t, err)
	b, err := s.d.Enqueue(noop)
	require.NoError(t, err)

	s.waitState(t, b, domain.StateSucceeded)
	st, err := s.d.State(a)
	require.NoError(t, err)
	assert.Equal(t, domain.StateScheduled, st)
}

func TestFailingJobDoesNotBlockLaterJobs(t *testing.T) {
	s := newStack(t, 1)
	bad, err := s.d.Enqueue(func(context.Context) error { return errors.New("boom") })
	require.NoError(t, err)
	good, err := s.d.Enqueue(noop)
	require.NoError(t, err)

	s.waitState(t, bad, domain.StateFailed)
	s.waitState(t, good, domain.StateSucceeded)
	r, _ := s.d.Record(bad)
	assert.Contains(t, r.Error, "boom")
}

func TestIdempotentSubmission(t *testing.T) {
	s := newStack(t, 0)
	first, err := s.d.Schedule(noop, time.Now().Add(time.Hour), domain.WithIdempotencyKey("report-42"))
	require.NoError(t, err)
	second, err := s.d.Enqueue(noop, domain.WithIdempotencyKey("report-42"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 0, s.ready.Len())
	assert.Equal(t, 1, s.d.Scheduled())
}

func TestConcurrentSubmitAndCancel(t *testing.T) {
	s := newStack(t, 4, dispatcher.WithPollCeiling(5*time.Millisecond))
	var wg sync.WaitGroup
	ids := make(chan string, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := time.Now().Add(time.Duration(i%10) * 5 * time.Millisecond)
			id, err := s.d.Schedule(noop, at)
			if err == nil {
				ids <- id
			}
			if i%3 == 0 {
				_, _ = s.d.Cancel(id)
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		require.Eventually(t, func() bool {
			st, err := s.d.State(id)
			return err == nil && st.Terminal()
		}, 3*time.Second, 2*time.Millisecond)
	}
	st := s.tracker.Stats()
	assert.EqualValues(t, 200, st.Succeeded+st.Cancelled)
	assert.Equal(t, 0, st.Live)
}

func TestSecondRunRejected(t *testing.T) {
	d := dispatcher.New(queue.NewReady(), outcome.New(time.Hour, 0, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- d.Run(ctx) }()
	go func() { errs <- d.Run(ctx) }()

	assert.True(t, errors.Is(<-errs, domain.ErrAlreadyRunning))
	cancel()
	assert.NoError(t, <-errs)
}
