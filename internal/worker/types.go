package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// Outcome WorkerSession 停在哪一步
type Outcome string

// 定義 Session 結束方式
const (
	OutcomeCrashedBeforeCommit   Outcome = "crashed_before_commit"  // 模擬崩潰：尚未嘗試提交（停在 IN_PROGRESS）
	OutcomeCrashedAfterCommit    Outcome = "crashed_after_commit"   // 模擬崩潰：已嘗試提交，未確認完成
	OutcomeFinished              Outcome = "finished"               // 提交並標記 DONE
	OutcomeDuplicateAcknowledged Outcome = "duplicate_acknowledged" // 重複提交被擋下，確認為 DONE
	OutcomeAbandoned             Outcome = "abandoned"              // Handler 失敗，等待租約過期由 Reconciler 中止
)

// Handler 在 Start 與 Finish 之間執行的業務邏輯
//
// 回傳錯誤時不跨越提交邊界，執行紀錄保持 IN_PROGRESS 直到租約過期。
type Handler func(ctx context.Context, lease types.Lease, job types.Job) error

// Result 代表一次租約處理結果
type Result struct {
	Lease    types.Lease   // 處理的租約
	Outcome  Outcome       // 結束方式（Err 非 nil 且 Session 出錯時為空）
	Err      error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
