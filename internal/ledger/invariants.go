package ledger

import (
	"fmt"

	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// CheckInvariants 檢查 INV_001 ~ INV_003，回傳第一個違反的 *InvariantError
//
//   - INV_001: 提交索引指向該任務的 COMMITTED/DONE 執行紀錄；
//     每次提交都啟用冪等檢查的任務最多一筆效果
//   - INV_002: 同一任務的執行紀錄 attempt 連續，且新租約只在前一個租約過期後建立
//   - INV_003: 任務 SUCCEEDED 若且唯若有 DONE 的執行紀錄
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, jobID := range l.jobOrder {
		if err := l.checkCommitLocked(jobID); err != nil {
			return err
		}
		if err := l.checkExclusivityLocked(jobID); err != nil {
			return err
		}
		if err := l.checkProjectionLocked(jobID); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) checkCommitLocked(jobID types.JobID) error {
	count := l.effectCount[jobID]
	winner, committed := l.committed[jobID]

	if !committed {
		if count > 0 {
			return &InvariantError{Invariant: "INV_001", JobID: jobID, Detail: fmt.Sprintf("%d effects without a commit index entry", count)}
		}
		return nil
	}

	exec, ok := l.execs[winner]
	if !ok || exec.JobID != jobID {
		return &InvariantError{Invariant: "INV_001", JobID: jobID, Detail: fmt.Sprintf("commit index points at foreign execution %s", winner)}
	}
	if exec.Status != types.ExecCommitted && exec.Status != types.ExecDone {
		return &InvariantError{Invariant: "INV_001", JobID: jobID, Detail: fmt.Sprintf("committed execution %s is %s", winner, exec.Status)}
	}
	if _, unguarded := l.unguarded[jobID]; !unguarded && count > 1 {
		return &InvariantError{Invariant: "INV_001", JobID: jobID, Detail: fmt.Sprintf("%d effects under idempotent commit", count)}
	}
	return nil
}

func (l *Ledger) checkExclusivityLocked(jobID types.JobID) error {
	ids := l.jobExecs[jobID]
	for i, id := range ids {
		exec := l.execs[id]
		if exec.Attempt != i+1 {
			return &InvariantError{Invariant: "INV_002", JobID: jobID, Detail: fmt.Sprintf("execution %s has attempt %d, want %d", id, exec.Attempt, i+1)}
		}
		if i == 0 {
			continue
		}
		prev := l.execs[ids[i-1]]
		if exec.LeasedAt < prev.LeaseExpiresAt {
			return &InvariantError{Invariant: "INV_002", JobID: jobID, Detail: fmt.Sprintf("execution %s leased at %s before %s expired at %s", id, exec.LeasedAt, prev.ID, prev.LeaseExpiresAt)}
		}
	}
	return nil
}

func (l *Ledger) checkProjectionLocked(jobID types.JobID) error {
	done := false
	for _, id := range l.jobExecs[jobID] {
		if l.execs[id].Status == types.ExecDone {
			done = true
			break
		}
	}
	succeeded := l.jobs[jobID].State == types.JobSucceeded
	if done != succeeded {
		return &InvariantError{Invariant: "INV_003", JobID: jobID, Detail: fmt.Sprintf("job is %s, has DONE execution: %t", l.jobs[jobID].State, done)}
	}
	return nil
}
