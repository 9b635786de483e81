// Package types 定義了 lease-recovery 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// JobID 任務唯一識別碼（job-N）
type JobID string

// ExecID 執行紀錄唯一識別碼（exec-N）
type ExecID string

// WorkerID 租約持有者識別碼
type WorkerID string

// VirtualTime 虛擬時間，自時鐘原點起經過的時間長度
// 系統核心不讀取真實時鐘，所有租約到期判斷都基於此值
type VirtualTime time.Duration

// Add 回傳 t + d
func (t VirtualTime) Add(d time.Duration) VirtualTime {
	return t + VirtualTime(d)
}

// Duration 回傳自原點起的時間長度
func (t VirtualTime) Duration() time.Duration {
	return time.Duration(t)
}

func (t VirtualTime) String() string {
	return fmt.Sprintf("t+%s", time.Duration(t))
}

// JobState 任務狀態，是其執行紀錄的投影
type JobState string

// 定義任務狀態常數
const (
	JobPending   JobState = "PENDING"   // 已提交，等待租約
	JobRunning   JobState = "RUNNING"   // 已有租約
	JobSucceeded JobState = "SUCCEEDED" // 某個執行紀錄已到達 DONE（終態）
)

// ExecStatus 執行紀錄狀態機
//
//	LEASED → IN_PROGRESS → COMMITTED → DONE
//	LEASED | IN_PROGRESS → ABORTED（僅由 Reconciler 觸發）
type ExecStatus string

// 定義執行狀態常數
const (
	ExecLeased     ExecStatus = "LEASED"
	ExecInProgress ExecStatus = "IN_PROGRESS"
	ExecCommitted  ExecStatus = "COMMITTED"
	ExecDone       ExecStatus = "DONE"
	ExecAborted    ExecStatus = "ABORTED"
)

// Terminal 回傳狀態是否為終態
func (s ExecStatus) Terminal() bool {
	return s == ExecDone || s == ExecAborted
}

// Live 回傳執行紀錄是否仍持有（可能未過期的）租約
func (s ExecStatus) Live() bool {
	return s == ExecLeased || s == ExecInProgress
}

// Payload 任務載荷，對核心而言是不透明的
type Payload map[string]interface{}

// Job 任務結構，代表系統中的一個工作單元
type Job struct {
	ID      JobID    `json:"id"`
	Payload Payload  `json:"payload"`
	State   JobState `json:"state"`
}

// Execution 單一 worker 對某任務的一次嘗試
type Execution struct {
	ID             ExecID      `json:"id"`
	JobID          JobID       `json:"job_id"`
	Attempt        int         `json:"attempt"` // 從 1 開始，每個任務單調遞增
	LeaseOwner     WorkerID    `json:"lease_owner"`
	LeasedAt       VirtualTime `json:"leased_at"`
	LeaseExpiresAt VirtualTime `json:"lease_expires_at"`
	Status         ExecStatus  `json:"status"`
}

// Expired 回傳租約在 now 時是否已過期（lease_expires_at <= now）
func (e Execution) Expired(now VirtualTime) bool {
	return e.LeaseExpiresAt <= now
}

// Effect 效果日誌條目：每次成功跨越提交邊界追加一筆
type Effect struct {
	JobID  JobID       `json:"job_id"`
	ExecID ExecID      `json:"exec_id"`
	At     VirtualTime `json:"at"`
}

// Lease 授予某個 worker 的限時獨佔執行權
type Lease struct {
	ExecID    ExecID      `json:"exec_id"`
	JobID     JobID       `json:"job_id"`
	WorkerID  WorkerID    `json:"worker_id"`
	Attempt   int         `json:"attempt"`
	ExpiresAt VirtualTime `json:"expires_at"`
}

// Faults 外部提供的故障開關，零值即「無故障」基準
type Faults struct {
	CrashBeforeCommit          bool `json:"crash_before_commit" yaml:"crash_before_commit"`
	CrashAfterCommitBeforeDone bool `json:"crash_after_commit_before_done" yaml:"crash_after_commit_before_done"`
	EnforceIdempotentCommit    bool `json:"enforce_idempotent_commit" yaml:"enforce_idempotent_commit"`
}

// NoFaults 回傳無故障的基準設定
func NoFaults() Faults {
	return Faults{}
}

// SnapshotData 快照資料，用於 Ledger 狀態的持久化和恢復
type SnapshotData struct {
	SchemaVer     int         `json:"schema_ver"`     // 資料結構版本號
	LastSeq       uint64      `json:"last_seq"`       // 快照包含的最後一個 journal 序號
	CleanShutdown bool        `json:"clean_shutdown"` // 上次是否正常關閉
	Clock         VirtualTime `json:"clock"`          // 快照時的虛擬時間

	JobSeq  uint64 `json:"job_seq"`
	ExecSeq uint64 `json:"exec_seq"`

	Jobs       []Job            `json:"jobs"`       // 依提交順序
	Executions []Execution      `json:"executions"` // 依建立順序
	Effects    []Effect         `json:"effects"`
	Committed  map[JobID]ExecID `json:"committed"`
	Unguarded  []JobID          `json:"unguarded,omitempty"` // 曾在未啟用冪等檢查下提交的任務
}
