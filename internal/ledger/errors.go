package ledger

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 執行紀錄不存在
	ErrExecNotFound = errors.New("execution not found")
	// 任務目前不可租用（最新執行紀錄仍持有未過期租約，或已完成）
	ErrNotLeasable = errors.New("job not leasable")
	// 非法的狀態轉換，屬於呼叫端邏輯錯誤
	ErrInvalidTransition = errors.New("invalid execution transition")
	// 啟用 fencing 時，呼叫端的租約已過期且已被新的執行紀錄取代
	ErrLeaseLost = errors.New("lease lost")
	// 載荷無法表示為 JSON 物件
	ErrInvalidPayload = errors.New("invalid payload")
	// 快照資料不一致
	ErrInvalidSnapshot = errors.New("invalid snapshot data")
)

// TransitionError 描述一次被拒絕的狀態轉換
type TransitionError struct {
	Op     string
	ExecID types.ExecID
	From   types.ExecStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: execution %s is %s", e.Op, e.ExecID, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// InvariantError 描述一個被違反的系統不變量
type InvariantError struct {
	Invariant string // INV_001 .. INV_004
	JobID     types.JobID
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated for %s: %s", e.Invariant, e.JobID, e.Detail)
}
