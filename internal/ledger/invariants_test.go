package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

func TestCheckInvariantsHealthy(t *testing.T) {
	l, clk := newTestLedger(t)
	runMixedHistory(t, l, clk)
	assert.NoError(t, l.CheckInvariants())
}

func TestCheckInvariantsDetectsViolations(t *testing.T) {
	tests := []struct {
		name      string
		data      types.SnapshotData
		invariant string
	}{
		{
			name: "duplicate effects under enforcement",
			data: types.SnapshotData{
				Jobs:       []types.Job{{ID: "job-1", State: types.JobRunning}},
				Executions: []types.Execution{{ID: "exec-1", JobID: "job-1", Attempt: 1, LeaseExpiresAt: types.VirtualTime(time.Second), Status: types.ExecCommitted}},
				Effects:    []types.Effect{{JobID: "job-1", ExecID: "exec-1"}, {JobID: "job-1", ExecID: "exec-1"}},
				Committed:  map[types.JobID]types.ExecID{"job-1": "exec-1"},
			},
			invariant: "INV_001",
		},
		{
			name: "effect without commit index",
			data: types.SnapshotData{
				Jobs:       []types.Job{{ID: "job-1", State: types.JobRunning}},
				Executions: []types.Execution{{ID: "exec-1", JobID: "job-1", Attempt: 1, Status: types.ExecInProgress}},
				Effects:    []types.Effect{{JobID: "job-1", ExecID: "exec-1"}},
			},
			invariant: "INV_001",
		},
		{
			name: "overlapping leases",
			data: types.SnapshotData{
				Jobs: []types.Job{{ID: "job-1", State: types.JobRunning}},
				Executions: []types.Execution{
					{ID: "exec-1", JobID: "job-1", Attempt: 1, LeaseExpiresAt: types.VirtualTime(2 * time.Second), Status: types.ExecInProgress},
					{ID: "exec-2", JobID: "job-1", Attempt: 2, LeasedAt: types.VirtualTime(time.Second), LeaseExpiresAt: types.VirtualTime(3 * time.Second), Status: types.ExecLeased},
				},
			},
			invariant: "INV_002",
		},
		{
			name: "succeeded without done execution",
			data: types.SnapshotData{
				Jobs:       []types.Job{{ID: "job-1", State: types.JobSucceeded}},
				Executions: []types.Execution{{ID: "exec-1", JobID: "job-1", Attempt: 1, Status: types.ExecCommitted}},
				Effects:    []types.Effect{{JobID: "job-1", ExecID: "exec-1"}},
				Committed:  map[types.JobID]types.ExecID{"job-1": "exec-1"},
			},
			invariant: "INV_003",
		},
		{
			name: "done execution under running job",
			data: types.SnapshotData{
				Jobs:       []types.Job{{ID: "job-1", State: types.JobRunning}},
				Executions: []types.Execution{{ID: "exec-1", JobID: "job-1", Attempt: 1, Status: types.ExecDone}},
				Effects:    []types.Effect{{JobID: "job-1", ExecID: "exec-1"}},
				Committed:  map[types.JobID]types.ExecID{"job-1": "exec-1"},
			},
			invariant: "INV_003",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			require.NoError(t, l.Restore(tt.data))

			err := l.CheckInvariants()
			require.Error(t, err)
			var ie *InvariantError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.invariant, ie.Invariant)
			assert.Equal(t, types.JobID("job-1"), ie.JobID)
		})
	}
}

func TestUnguardedDuplicateIsNotAViolation(t *testing.T) {
	l, clk := newTestLedger(t)
	jobID := mustCreateJob(t, l)
	a := mustLease(t, l, jobID, "A", time.Second)
	require.NoError(t, clk.Advance(time.Second))
	b := mustLease(t, l, jobID, "B", time.Second)

	_, err := l.ApplyEffect(a, false)
	require.NoError(t, err)
	_, err = l.ApplyEffect(b, false)
	require.NoError(t, err)

	assert.Equal(t, 2, l.CountEffects(jobID))
	assert.NoError(t, l.CheckInvariants())
}
