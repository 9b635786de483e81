package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/lease-recovery/internal/clock"
	"github.com/ChuLiYu/lease-recovery/internal/metrics"
	"github.com/ChuLiYu/lease-recovery/internal/storage/wal"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// ============================================================================
// 測試輔助函數
// ============================================================================

// memJournal 記憶體中的 journal，可注入寫入失敗
type memJournal struct {
	events []wal.Event
	forced []bool
	err    error
}

func (j *memJournal) Append(event wal.Event, isForceFlush bool) error {
	if j.err != nil {
		return j.err
	}
	j.forced = append(j.forced, isForceFlush)
	event.Seq = uint64(len(j.events) + 1)
	j.events = append(j.events, event)
	return nil
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *clock.Virtual) {
	t.Helper()
	clk := clock.New(0)
	return New(clk, opts...), clk
}

func mustCreateJob(t *testing.T, l *Ledger) types.JobID {
	t.Helper()
	id, err := l.CreateJob(types.Payload{"fm": "FM_001"})
	require.NoError(t, err)
	return id
}

func mustLease(t *testing.T, l *Ledger, jobID types.JobID, worker string, d time.Duration) types.ExecID {
	t.Helper()
	id, err := l.CreateLease(jobID, types.WorkerID(worker), d)
	require.NoError(t, err)
	return id
}

func assertStatus(t *testing.T, l *Ledger, execID types.ExecID, want types.ExecStatus) {
	t.Helper()
	exec, ok := l.Execution(execID)
	require.True(t, ok, "execution %s not found", execID)
	assert.Equal(t, want, exec.Status, "execution %s", execID)
}

func assertJobState(t *testing.T, l *Ledger, jobID types.JobID, want types.JobState) {
	t.Helper()
	job, ok := l.Job(jobID)
	require.True(t, ok, "job %s not found", jobID)
	assert.Equal(t, want, job.State, "job %s", jobID)
}

// ============================================================================
// 單元測試
// ============================================================================

func TestCreateJob(t *testing.T) {
	l, _ := newTestLedger(t)

	id1 := mustCreateJob(t, l)
	id2 := mustCreateJob(t, l)

	assert.Equal(t, types.JobID("job-1"), id1)
	assert.Equal(t, types.JobID("job-2"), id2)
	assert.Equal(t, []types.JobID{id1, id2}, l.JobOrder())
	assertJobState(t, l, id1, types.JobPending)
}

func TestCreateJobNormalizesPayload(t *testing.T) {
	l, _ := newTestLedger(t)

	id, err := l.CreateJob(types.Payload{"count": 3, "tags": []interface{}{"a", 1}})
	require.NoError(t, err)

	job, _ := l.Job(id)
	assert.Equal(t, float64(3), job.Payload["count"])
	assert.Equal(t, []interface{}{"a", float64(1)}, job.Payload["tags"])

	// 回傳的是副本
	job.Payload["count"] = "mutated"
	again, _ := l.Job(id)
	assert.Equal(t, float64(3), again.Payload["count"])
}

func TestCreateJobRejectsInvalidPayload(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.CreateJob(types.Payload{"ch": make(chan int)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Empty(t, l.JobOrder())
}

func TestCanLease(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)

	assert.True(t, l.CanLease(jobID, clk.Now()), "no executions yet")
	assert.False(t, l.CanLease("job-404", clk.Now()))

	execID := mustLease(t, l, jobID, "A", time.Second)
	assert.False(t, l.CanLease(jobID, clk.Now()), "live lease")
	assert.False(t, l.CanLease(jobID, types.VirtualTime(999*time.Millisecond)))
	assert.True(t, l.CanLease(jobID, types.VirtualTime(time.Second)), "expires_at <= now")

	require.NoError(t, l.MarkStarted(execID))
	_, err := l.ApplyEffect(execID, true)
	require.NoError(t, err)
	require.NoError(t, l.MarkFinished(execID))

	assert.False(t, l.CanLease(jobID, types.VirtualTime(time.Hour)), "DONE is never leasable again")
}

func TestCreateLease(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	require.NoError(t, clk.Advance(5*time.Second))

	execID := mustLease(t, l, jobID, "A", 2*time.Second)

	exec, ok := l.Execution(execID)
	require.True(t, ok)
	assert.Equal(t, types.ExecID("exec-1"), execID)
	assert.Equal(t, jobID, exec.JobID)
	assert.Equal(t, 1, exec.Attempt)
	assert.Equal(t, types.WorkerID("A"), exec.LeaseOwner)
	assert.Equal(t, types.VirtualTime(5*time.Second), exec.LeasedAt)
	assert.Equal(t, types.VirtualTime(7*time.Second), exec.LeaseExpiresAt)
	assert.Equal(t, types.ExecLeased, exec.Status)
	assertJobState(t, l, jobID, types.JobRunning)
}

func TestCreateLeaseNotLeasable(t *testing.T) {
	l, _ := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	mustLease(t, l, jobID, "A", time.Second)

	_, err := l.CreateLease(jobID, "B", time.Second)
	assert.ErrorIs(t, err, ErrNotLeasable)

	_, err = l.CreateLease("job-404", "B", time.Second)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTryLease(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)

	first, ok, err := l.TryLease(jobID, "A", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLease(jobID, "B", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "exclusive while the first lease is live")

	require.NoError(t, clk.Advance(time.Second))
	second, ok, err := l.TryLease(jobID, "B", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	exec, _ := l.Execution(second)
	assert.Equal(t, 2, exec.Attempt)
}

func TestMarkStarted(t *testing.T) {
	l, _ := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	execID := mustLease(t, l, jobID, "A", time.Second)

	require.NoError(t, l.MarkStarted(execID))
	assertStatus(t, l, execID, types.ExecInProgress)

	err := l.MarkStarted(execID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, types.ExecInProgress, te.From)

	assert.ErrorIs(t, l.MarkStarted("exec-404"), ErrExecNotFound)
}

func TestApplyEffectFirstCommit(t *testing.T) {
	l, _ := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	execID := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, l.MarkStarted(execID))

	committed, err := l.ApplyEffect(execID, true)
	require.NoError(t, err)
	assert.True(t, committed)

	assertStatus(t, l, execID, types.ExecCommitted)
	assert.Equal(t, 1, l.CountEffects(jobID))
	winner, ok := l.CommittedExecID(jobID)
	require.True(t, ok)
	assert.Equal(t, execID, winner)
}

func TestApplyEffectAsymmetry(t *testing.T) {
	tests := []struct {
		name          string
		enforce       bool
		wantCommitted bool
		wantEffects   int
		wantStatus    types.ExecStatus
	}{
		{name: "enforced duplicate is rejected", enforce: true, wantCommitted: false, wantEffects: 1, wantStatus: types.ExecInProgress},
		{name: "unenforced duplicate is appended", enforce: false, wantCommitted: true, wantEffects: 2, wantStatus: types.ExecCommitted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, clk := newTestLedger(t)
			jobID := mustCreateJob(t, l)
			a := mustLease(t, l, jobID, "A", time.Second)
			require.NoError(t, l.MarkStarted(a))

			require.NoError(t, clk.Advance(2*time.Second))
			b := mustLease(t, l, jobID, "B", time.Second)
			require.NoError(t, l.MarkStarted(b))

			ok, err := l.ApplyEffect(a, tt.enforce)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = l.ApplyEffect(b, tt.enforce)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCommitted, ok)
			assert.Equal(t, tt.wantEffects, l.CountEffects(jobID))
			assertStatus(t, l, b, tt.wantStatus)

			// 提交索引寫入一次，first writer wins
			winner, _ := l.CommittedExecID(jobID)
			assert.Equal(t, a, winner)
		})
	}
}

func TestApplyEffectRejectsTerminal(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	execID := mustLease(t, l, jobID, "A", time.Second)

	require.NoError(t, clk.Advance(time.Second))
	aborted, _, err := l.AbortStale(execID, clk.Now())
	require.NoError(t, err)
	require.True(t, aborted)

	_, err = l.ApplyEffect(execID, false)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, l.CountEffects(jobID))
}

func TestApplyEffectFencing(t *testing.T) {
	l, clk := newTestLedger(t, WithFencing(true))
	jobID := mustCreateJob(t, l)
	a := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, l.MarkStarted(a))

	// a 的租約過期並被 b 取代
	require.NoError(t, clk.Advance(2*time.Second))
	b := mustLease(t, l, jobID, "B", time.Second)

	_, err := l.ApplyEffect(a, false)
	assert.ErrorIs(t, err, ErrLeaseLost)
	assertStatus(t, l, a, types.ExecInProgress)

	ok, err := l.ApplyEffect(b, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, l.CountEffects(jobID))
}

func TestApplyEffectFencingAllowsExpiredLatest(t *testing.T) {
	l, clk := newTestLedger(t, WithFencing(true))
	jobID := mustCreateJob(t, l)
	a := mustLease(t, l, jobID, "A", time.Second)

	require.NoError(t, clk.Advance(5*time.Second))
	ok, err := l.ApplyEffect(a, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkFinished(t *testing.T) {
	l, _ := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	execID := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, l.MarkStarted(execID))

	// 尚未提交
	assert.ErrorIs(t, l.MarkFinished(execID), ErrInvalidTransition)

	_, err := l.ApplyEffect(execID, true)
	require.NoError(t, err)
	require.NoError(t, l.MarkFinished(execID))
	assertStatus(t, l, execID, types.ExecDone)
	assertJobState(t, l, jobID, types.JobSucceeded)

	// 冪等
	require.NoError(t, l.MarkFinished(execID))
	assertStatus(t, l, execID, types.ExecDone)
}

func TestFinalizeCommitted(t *testing.T) {
	l, _ := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	execID := mustLease(t, l, jobID, "A", time.Second)

	// 尚未提交：不變更
	ok, err := l.FinalizeCommitted(execID)
	require.NoError(t, err)
	assert.False(t, ok)
	assertStatus(t, l, execID, types.ExecLeased)

	_, err = l.ApplyEffect(execID, true)
	require.NoError(t, err)

	// worker 先完成，之後的 finalize 不再回報
	require.NoError(t, l.MarkFinished(execID))
	ok, err = l.FinalizeCommitted(execID)
	require.NoError(t, err)
	assert.False(t, ok)
	assertStatus(t, l, execID, types.ExecDone)

	_, err = l.FinalizeCommitted("exec-404")
	assert.ErrorIs(t, err, ErrExecNotFound)
}

func TestFinalizeCommittedMovesCommitted(t *testing.T) {
	j := &memJournal{}
	l, _ := newTestLedger(t, WithJournal(j))
	jobID := mustCreateJob(t, l)
	execID := mustLease(t, l, jobID, "A", time.Second)
	_, err := l.ApplyEffect(execID, true)
	require.NoError(t, err)

	ok, err := l.FinalizeCommitted(execID)
	require.NoError(t, err)
	assert.True(t, ok)
	assertStatus(t, l, execID, types.ExecDone)
	job, _ := l.Job(jobID)
	assert.Equal(t, types.JobSucceeded, job.State)
	assert.Equal(t, wal.EventFinished, j.events[len(j.events)-1].Type)
}

func TestMarkFinishedAcknowledgesRejectedDuplicate(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	a := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, l.MarkStarted(a))
	require.NoError(t, clk.Advance(2*time.Second))
	b := mustLease(t, l, jobID, "B", time.Second)
	require.NoError(t, l.MarkStarted(b))

	_, err := l.ApplyEffect(a, true)
	require.NoError(t, err)
	require.NoError(t, l.MarkFinished(a))

	ok, err := l.ApplyEffect(b, true)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.MarkFinished(b))
	assertStatus(t, l, b, types.ExecDone)
	assertJobState(t, l, jobID, types.JobSucceeded)
	assert.Equal(t, 1, l.CountEffects(jobID))
	assert.NoError(t, l.CheckInvariants())
}

func TestSucceededJobIsNeverLeasedAgain(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	a := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, clk.Advance(2*time.Second))
	b := mustLease(t, l, jobID, "B", time.Second)

	_, err := l.ApplyEffect(a, true)
	require.NoError(t, err)
	require.NoError(t, l.MarkFinished(a))

	// b 的租約過期，但任務已 SUCCEEDED
	require.NoError(t, clk.Advance(2*time.Second))
	_, ok, err := l.TryLease(jobID, "C", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assertJobState(t, l, jobID, types.JobSucceeded)
	_ = b
}

func TestAbortStale(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	execID := mustLease(t, l, jobID, "A", time.Second)

	aborted, reopened, err := l.AbortStale(execID, clk.Now())
	require.NoError(t, err)
	assert.False(t, aborted, "lease still live")

	require.NoError(t, clk.Advance(time.Second))
	aborted, reopened, err = l.AbortStale(execID, clk.Now())
	require.NoError(t, err)
	assert.True(t, aborted)
	assert.True(t, reopened)
	assertStatus(t, l, execID, types.ExecAborted)
	assertJobState(t, l, jobID, types.JobPending)

	// 重新開放後可再次租用，attempt 遞增
	next := mustLease(t, l, jobID, "B", time.Second)
	exec, _ := l.Execution(next)
	assert.Equal(t, 2, exec.Attempt)

	_, _, err = l.AbortStale("exec-404", clk.Now())
	assert.ErrorIs(t, err, ErrExecNotFound)
}

func TestAbortStaleKeepsCommittedJobRunning(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	a := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, clk.Advance(time.Second))
	b := mustLease(t, l, jobID, "B", time.Second)

	_, err := l.ApplyEffect(b, true)
	require.NoError(t, err)

	aborted, reopened, err := l.AbortStale(a, clk.Now())
	require.NoError(t, err)
	assert.True(t, aborted)
	assert.False(t, reopened)
	assertJobState(t, l, jobID, types.JobRunning)
}

func TestAbortStaleDoesNotReopenBehindNewerLease(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	a := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, clk.Advance(time.Second))
	mustLease(t, l, jobID, "B", 10*time.Second)

	aborted, reopened, err := l.AbortStale(a, clk.Now())
	require.NoError(t, err)
	assert.True(t, aborted)
	assert.False(t, reopened, "a newer live lease owns the job")
	assertJobState(t, l, jobID, types.JobRunning)
}

func TestListByStatus(t *testing.T) {
	l, clk := newTestLedger(t)
	j1 := mustCreateJob(t, l)
	j2 := mustCreateJob(t, l)
	e1 := mustLease(t, l, j1, "A", time.Second)
	e2 := mustLease(t, l, j2, "A", time.Second)
	require.NoError(t, l.MarkStarted(e2))
	require.NoError(t, clk.Advance(time.Second))
	e3 := mustLease(t, l, j1, "B", time.Second)

	assert.Equal(t, []types.ExecID{e1, e3}, l.ListByStatus(types.ExecLeased))
	assert.Equal(t, []types.ExecID{e2}, l.ListByStatus(types.ExecInProgress))
	assert.Empty(t, l.ListByStatus(types.ExecDone))
	assert.Len(t, l.ExecutionsForJob(j1), 2)
}

func TestStats(t *testing.T) {
	l, _ := newTestLedger(t)
	j1 := mustCreateJob(t, l)
	mustCreateJob(t, l)
	e1 := mustLease(t, l, j1, "A", time.Second)
	_, err := l.ApplyEffect(e1, true)
	require.NoError(t, err)

	stats := l.Stats()
	assert.Equal(t, 1, stats.Jobs[types.JobPending])
	assert.Equal(t, 1, stats.Jobs[types.JobRunning])
	assert.Equal(t, 1, stats.Executions[types.ExecCommitted])
	assert.Equal(t, 1, stats.Effects)
	assert.Equal(t, 1, stats.Committed)
}

func TestJournalWriteAhead(t *testing.T) {
	j := &memJournal{}
	l, _ := newTestLedger(t, WithJournal(j))

	jobID := mustCreateJob(t, l)
	execID := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, l.MarkStarted(execID))
	_, err := l.ApplyEffect(execID, true)
	require.NoError(t, err)
	// 被擋下的重複提交不寫入 journal
	_, err = l.ApplyEffect(execID, true)
	require.NoError(t, err)
	require.NoError(t, l.MarkFinished(execID))

	var got []wal.EventType
	for _, ev := range j.events {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []wal.EventType{
		wal.EventJobCreated,
		wal.EventLeaseCreated,
		wal.EventStarted,
		wal.EventEffectApplied,
		wal.EventFinished,
	}, got)
	assert.Equal(t, "FM_001", j.events[0].Payload["fm"])
	assert.True(t, j.events[3].Enforce)
}

func TestJournalFailureLeavesStateUnchanged(t *testing.T) {
	j := &memJournal{}
	l, _ := newTestLedger(t, WithJournal(j))
	jobID := mustCreateJob(t, l)

	j.err = errors.New("disk full")

	_, err := l.CreateJob(nil)
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, l.JobOrder(), 1)

	_, ok, err := l.TryLease(jobID, "A", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
	assertJobState(t, l, jobID, types.JobPending)
	assert.Empty(t, l.ListByStatus(types.ExecLeased))

	// 恢復後序號不跳號
	j.err = nil
	execID := mustLease(t, l, jobID, "A", time.Second)
	assert.Equal(t, types.ExecID("exec-1"), execID)
}

func TestApplyEffectMetrics(t *testing.T) {
	m := newTestMetrics(t)
	l, clk := newTestLedger(t, WithMetrics(m))
	jobID := mustCreateJob(t, l)
	a := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, clk.Advance(time.Second))
	b := mustLease(t, l, jobID, "B", time.Second)

	_, err := l.ApplyEffect(a, false)
	require.NoError(t, err)
	_, err = l.ApplyEffect(b, false)
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, m, "lease_duplicate_effects_total"))
	assert.Equal(t, 2.0, counterValue(t, m, "lease_effects_applied_total"))
}

func newTestMetrics(t *testing.T) *metrics.Collector {
	t.Helper()
	return metrics.NewCollector(nil)
}

func counterValue(t *testing.T, m *metrics.Collector, name string) float64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestListByMultipleStatuses(t *testing.T) {
	l, _ := newTestLedger(t)
	j1 := mustCreateJob(t, l)
	j2 := mustCreateJob(t, l)
	e1 := mustLease(t, l, j1, "A", time.Second)
	e2 := mustLease(t, l, j2, "A", time.Second)
	require.NoError(t, l.MarkStarted(e1))

	assert.Equal(t, []types.ExecID{e1, e2}, l.ListByStatus(types.ExecLeased, types.ExecInProgress))
}
