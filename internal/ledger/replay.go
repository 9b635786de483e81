package ledger

// ============================================================================
// 快照與日誌重放
// 職責：
// 1. Snapshot / Restore：完整狀態的序列化與恢復
// 2. Apply：將一筆 journal 事件套用到狀態（replay-to-reconstruct）
// ============================================================================

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/lease-recovery/internal/storage/wal"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// SchemaVersion 快照資料結構版本
const SchemaVersion = 1

// Snapshot 序列化當前所有狀態
//
// LastSeq、Clock、CleanShutdown 由呼叫端（controller）填入。
func (l *Ledger) Snapshot() types.SnapshotData {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Checkpoint 在寫鎖內取得快照並交給 persist
//
// persist 執行期間沒有任何事件能寫入 journal，
// 因此 persist 讀到的 journal 序號與快照內容一致（可安全地寫快照後旋轉 WAL）。
// persist 不得再呼叫 Ledger 的方法。
func (l *Ledger) Checkpoint(persist func(types.SnapshotData) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return persist(l.snapshotLocked())
}

func (l *Ledger) snapshotLocked() types.SnapshotData {
	data := types.SnapshotData{
		SchemaVer:  SchemaVersion,
		JobSeq:     l.jobSeq,
		ExecSeq:    l.execSeq,
		Jobs:       make([]types.Job, 0, len(l.jobOrder)),
		Executions: make([]types.Execution, 0, len(l.execOrder)),
		Effects:    append([]types.Effect(nil), l.effects...),
		Committed:  make(map[types.JobID]types.ExecID, len(l.committed)),
	}
	for _, id := range l.jobOrder {
		data.Jobs = append(data.Jobs, copyJob(l.jobs[id]))
		if _, ok := l.unguarded[id]; ok {
			data.Unguarded = append(data.Unguarded, id)
		}
	}
	for _, id := range l.execOrder {
		data.Executions = append(data.Executions, *l.execs[id])
	}
	for jobID, execID := range l.committed {
		data.Committed[jobID] = execID
	}
	return data
}

// Restore 從快照恢復狀態，取代目前所有狀態
//
// 驗證快照的參照完整性，不一致時回傳 ErrInvalidSnapshot 且不變更狀態。
func (l *Ledger) Restore(data types.SnapshotData) error {
	fresh := &Ledger{}
	fresh.reset()
	fresh.jobSeq = data.JobSeq
	fresh.execSeq = data.ExecSeq

	for _, job := range data.Jobs {
		if _, dup := fresh.jobs[job.ID]; dup {
			return fmt.Errorf("%w: duplicate job %s", ErrInvalidSnapshot, job.ID)
		}
		j := job
		if j.Payload == nil {
			j.Payload = types.Payload{}
		}
		fresh.jobs[j.ID] = &j
		fresh.jobOrder = append(fresh.jobOrder, j.ID)
		fresh.jobSeq = max(fresh.jobSeq, idSeq(string(j.ID), "job-"))
	}
	for _, exec := range data.Executions {
		if _, ok := fresh.jobs[exec.JobID]; !ok {
			return fmt.Errorf("%w: execution %s references unknown job %s", ErrInvalidSnapshot, exec.ID, exec.JobID)
		}
		if _, dup := fresh.execs[exec.ID]; dup {
			return fmt.Errorf("%w: duplicate execution %s", ErrInvalidSnapshot, exec.ID)
		}
		e := exec
		fresh.execs[e.ID] = &e
		fresh.execOrder = append(fresh.execOrder, e.ID)
		fresh.jobExecs[e.JobID] = append(fresh.jobExecs[e.JobID], e.ID)
		fresh.execSeq = max(fresh.execSeq, idSeq(string(e.ID), "exec-"))
	}
	for jobID, execID := range data.Committed {
		exec, ok := fresh.execs[execID]
		if !ok || exec.JobID != jobID {
			return fmt.Errorf("%w: commit index %s -> %s", ErrInvalidSnapshot, jobID, execID)
		}
		fresh.committed[jobID] = execID
	}
	for _, effect := range data.Effects {
		if _, ok := fresh.execs[effect.ExecID]; !ok {
			return fmt.Errorf("%w: effect references unknown execution %s", ErrInvalidSnapshot, effect.ExecID)
		}
		fresh.effects = append(fresh.effects, effect)
		fresh.effectCount[effect.JobID]++
	}
	for _, jobID := range data.Unguarded {
		fresh.unguarded[jobID] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobSeq, l.execSeq = fresh.jobSeq, fresh.execSeq
	l.jobs, l.jobOrder = fresh.jobs, fresh.jobOrder
	l.execs, l.execOrder, l.jobExecs = fresh.execs, fresh.execOrder, fresh.jobExecs
	l.effects, l.effectCount = fresh.effects, fresh.effectCount
	l.committed, l.unguarded = fresh.committed, fresh.unguarded
	return nil
}

// Apply 將一筆 journal 事件套用到狀態，不寫入 journal
//
// 已套用過的事件（任務/執行紀錄已存在、狀態已到達）會被略過，
// 因此與快照重疊的事件重放兩次不會改變結果。
func (l *Ledger) Apply(event wal.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Type == wal.EventJobCreated {
		if _, exists := l.jobs[event.JobID]; !exists {
			l.applyJobCreatedLocked(event)
		}
		return nil
	}

	if _, ok := l.jobs[event.JobID]; !ok {
		return fmt.Errorf("replay seq %d %s: %w: %s", event.Seq, event.Type, ErrJobNotFound, event.JobID)
	}

	if event.Type == wal.EventLeaseCreated {
		if _, exists := l.execs[event.ExecID]; !exists {
			l.applyLeaseCreatedLocked(event)
		}
		return nil
	}

	exec, ok := l.execs[event.ExecID]
	if !ok {
		return fmt.Errorf("replay seq %d %s: %w: %s", event.Seq, event.Type, ErrExecNotFound, event.ExecID)
	}

	switch event.Type {
	case wal.EventStarted:
		if exec.Status == types.ExecLeased {
			exec.Status = types.ExecInProgress
		}
	case wal.EventEffectApplied:
		if exec.Status.Live() {
			l.applyEffectLocked(event)
		}
	case wal.EventFinished:
		if exec.Status != types.ExecDone {
			l.applyFinishedLocked(event)
		}
	case wal.EventAborted:
		if exec.Status.Live() {
			l.applyAbortedLocked(event)
		}
	default:
		return fmt.Errorf("replay seq %d: unknown event type %q", event.Seq, event.Type)
	}
	return nil
}

// idSeq 解析 "<prefix>N" 形式的識別碼序號，格式不符時回傳 0
func idSeq(id, prefix string) uint64 {
	n, err := strconv.ParseUint(strings.TrimPrefix(id, prefix), 10, 64)
	if err != nil || !strings.HasPrefix(id, prefix) {
		return 0
	}
	return n
}
