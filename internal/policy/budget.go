// Package policy 提供租約與提交路徑周邊的策略元件：
// 重試預算、失敗計數斷路器、冪等提交輔助函數
package policy

// RetryBudget 限制每個任務的嘗試次數，避免重試風暴
//
// MaxAttempts <= 0 表示不限制。
type RetryBudget struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// Unlimited 不限制嘗試次數的預算
func Unlimited() RetryBudget {
	return RetryBudget{}
}

// Allows 回傳第 attempt 次嘗試（從 1 開始）是否在預算內
func (b RetryBudget) Allows(attempt int) bool {
	if b.MaxAttempts <= 0 {
		return true
	}
	return attempt <= b.MaxAttempts
}
