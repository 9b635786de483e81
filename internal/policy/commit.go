package policy

import (
	"fmt"

	"github.com/ChuLiYu/lease-recovery/internal/ledger"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// CommitResult 嘗試跨越提交邊界的結果
type CommitResult struct {
	Committed       bool         // 本次呼叫是否寫入效果
	CommittedExecID types.ExecID // 提交索引中的執行紀錄（可能是別人）
}

// CommitIdempotent 以冪等模式提交，每個任務最多一次邏輯提交
func CommitIdempotent(l *ledger.Ledger, execID types.ExecID) (CommitResult, error) {
	exec, ok := l.Execution(execID)
	if !ok {
		return CommitResult{}, fmt.Errorf("%w: %s", ledger.ErrExecNotFound, execID)
	}

	committed, err := l.ApplyEffect(execID, true)
	if err != nil {
		return CommitResult{}, err
	}

	winner, _ := l.CommittedExecID(exec.JobID)
	return CommitResult{Committed: committed, CommittedExecID: winner}, nil
}
