package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent lease processing, breaker, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/lease-recovery/internal/broker"
	"github.com/ChuLiYu/lease-recovery/internal/clock"
	"github.com/ChuLiYu/lease-recovery/internal/ledger"
	"github.com/ChuLiYu/lease-recovery/internal/policy"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

func newTestPool(t *testing.T, jobs int, cfg PoolConfig, handler Handler) (*Pool, *ledger.Ledger, *clock.Virtual) {
	t.Helper()
	clk := clock.New(0)
	l := ledger.New(clk)
	b, err := broker.New(l, time.Second)
	require.NoError(t, err)
	for i := 0; i < jobs; i++ {
		_, err := b.Submit(types.Payload{"index": i})
		require.NoError(t, err)
	}
	if cfg.PollRate == 0 {
		cfg.PollRate = 1000
	}
	return NewPool(cfg, b, l, handler), l, clk
}

func collectResults(t *testing.T, p *Pool, n int) []Result {
	t.Helper()
	results := make([]Result, 0, n)
	timeout := time.After(5 * time.Second)
	for len(results) < n {
		select {
		case r := <-p.Results():
			results = append(results, r)
		case <-timeout:
			t.Fatalf("received %d/%d results", len(results), n)
		}
	}
	return results
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool, _, _ := newTestPool(t, 0, PoolConfig{}, nil)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.Len(t, pool.NodeID(), 8)
}

func TestPoolStart(t *testing.T) {
	pool, _, _ := newTestPool(t, 0, PoolConfig{}, nil)

	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(2), ErrPoolAlreadyStarted)

	pool.Stop()
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)
}

func TestPoolProcessesAllJobs(t *testing.T) {
	const jobs = 20
	pool, l, _ := newTestPool(t, jobs, PoolConfig{Faults: types.Faults{EnforceIdempotentCommit: true}}, nil)
	require.NoError(t, pool.Start(4))

	results := collectResults(t, pool, jobs)
	pool.Stop()

	seen := make(map[types.JobID]bool)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, OutcomeFinished, r.Outcome)
		assert.False(t, seen[r.Lease.JobID], "job %s processed twice", r.Lease.JobID)
		seen[r.Lease.JobID] = true
	}
	assert.Equal(t, jobs, l.Stats().Jobs[types.JobSucceeded])
	assert.NoError(t, l.CheckInvariants())
}

func TestPoolHandlerReceivesJob(t *testing.T) {
	var mu sync.Mutex
	payloads := make(map[types.JobID]types.Payload)
	handler := func(_ context.Context, lease types.Lease, job types.Job) error {
		mu.Lock()
		defer mu.Unlock()
		payloads[lease.JobID] = job.Payload
		return nil
	}

	pool, _, _ := newTestPool(t, 3, PoolConfig{}, handler)
	require.NoError(t, pool.Start(1))
	collectResults(t, pool, 3)
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 3)
	assert.Equal(t, float64(0), payloads["job-1"]["index"])
}

func TestPoolHandlerFailureAbandonsExecution(t *testing.T) {
	handler := func(context.Context, types.Lease, types.Job) error {
		return errors.New("downstream unavailable")
	}

	pool, l, _ := newTestPool(t, 1, PoolConfig{}, handler)
	require.NoError(t, pool.Start(1))
	results := collectResults(t, pool, 1)
	pool.Stop()

	assert.Equal(t, OutcomeAbandoned, results[0].Outcome)
	assert.Error(t, results[0].Err)

	exec, ok := l.Execution(results[0].Lease.ExecID)
	require.True(t, ok)
	assert.Equal(t, types.ExecInProgress, exec.Status)
	assert.Zero(t, l.CountEffects(results[0].Lease.JobID))
}

// scriptedSource 依序回傳錯誤，用來觸發斷路器
type scriptedSource struct {
	calls atomic.Int32
}

func (s *scriptedSource) Lease(types.WorkerID) (types.Lease, bool, error) {
	s.calls.Add(1)
	return types.Lease{}, false, errors.New("source unavailable")
}

func TestPoolBreakerPausesPolling(t *testing.T) {
	src := &scriptedSource{}
	l := ledger.New(clock.New(0))
	pool := NewPool(PoolConfig{
		PollRate:         1000,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Hour,
	}, src, l, nil)

	require.NoError(t, pool.Start(1))
	time.Sleep(100 * time.Millisecond)

	// 斷路器開啟後進入冷卻，不再輪詢
	assert.Equal(t, int32(3), src.calls.Load())

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the cooldown")
	}
}

func newBareWorker(id types.WorkerID, l *ledger.Ledger) *Worker {
	return &Worker{
		id:      id,
		session: NewSession(id, l, types.Faults{}),
		breaker: policy.NewCircuitBreaker(2),
		log:     slog.Default(),
	}
}

func leaseFor(t *testing.T, l *ledger.Ledger, jobID types.JobID, workerID types.WorkerID) types.Lease {
	t.Helper()
	execID, err := l.CreateLease(jobID, workerID, time.Second)
	require.NoError(t, err)
	exec, ok := l.Execution(execID)
	require.True(t, ok)
	return types.Lease{ExecID: execID, JobID: jobID, WorkerID: workerID, Attempt: exec.Attempt, ExpiresAt: exec.LeaseExpiresAt}
}

func TestSessionErrorsCountAsBreakerFailures(t *testing.T) {
	t.Run("start on aborted execution", func(t *testing.T) {
		clk := clock.New(0)
		l := ledger.New(clk)
		jobID, err := l.CreateJob(types.Payload{"n": 1})
		require.NoError(t, err)
		lease := leaseFor(t, l, jobID, "A")
		require.NoError(t, clk.Advance(2*time.Second))
		_, _, err = l.AbortStale(lease.ExecID, clk.Now())
		require.NoError(t, err)

		w := newBareWorker("A", l)
		result := w.process(context.Background(), lease)

		var te *ledger.TransitionError
		assert.ErrorAs(t, result.Err, &te)
		assert.Equal(t, 1, w.breaker.Failures())
	})

	t.Run("commit after lease taken over", func(t *testing.T) {
		clk := clock.New(0)
		l := ledger.New(clk, ledger.WithFencing(true))
		jobID, err := l.CreateJob(types.Payload{"n": 1})
		require.NoError(t, err)
		stale := leaseFor(t, l, jobID, "A")
		require.NoError(t, clk.Advance(2*time.Second))
		leaseFor(t, l, jobID, "B")

		w := newBareWorker("A", l)
		result := w.process(context.Background(), stale)
		assert.ErrorIs(t, result.Err, ledger.ErrLeaseLost)
		assert.Equal(t, 1, w.breaker.Failures())

		// 連續失敗達到門檻後斷路器開啟
		w.process(context.Background(), stale)
		assert.True(t, w.breaker.IsOpen())
	})
}

func TestPoolCrashFaultsLeaveExecutionsForReconciler(t *testing.T) {
	pool, l, _ := newTestPool(t, 2, PoolConfig{Faults: types.Faults{CrashBeforeCommit: true}}, nil)
	require.NoError(t, pool.Start(2))
	results := collectResults(t, pool, 2)
	pool.Stop()

	for _, r := range results {
		assert.Equal(t, OutcomeCrashedBeforeCommit, r.Outcome)
	}
	assert.Len(t, l.ListByStatus(types.ExecInProgress), 2)
}

func TestPoolStopIsIdempotent(t *testing.T) {
	pool, _, _ := newTestPool(t, 0, PoolConfig{}, nil)
	require.NoError(t, pool.Start(2))

	pool.Stop()
	assert.NotPanics(t, pool.Stop)

	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolStopBeforeStart(t *testing.T) {
	pool, _, _ := newTestPool(t, 0, PoolConfig{}, nil)
	assert.NotPanics(t, pool.Stop)
	assert.NotPanics(t, pool.Stop)
	assert.ErrorIs(t, pool.Start(1), ErrPoolClosed)

	done := make(chan error, 1)
	go func() {
		_, err := pool.ReceiveResult()
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("ReceiveResult blocked after Stop")
	}

	_, open := <-pool.Results()
	assert.False(t, open)
}
