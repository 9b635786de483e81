package policy

import "sync"

// CircuitBreaker 連續失敗計數器
//
// 失敗次數達到門檻即為開啟狀態；呼叫端決定開啟後的處理（冷卻、停止輪詢），
// 並在恢復時呼叫 Reset。Threshold <= 0 時永不開啟。
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	failures  int
}

// NewCircuitBreaker 建立斷路器
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold}
}

// RecordFailure 記錄一次失敗
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
}

// RecordSuccess 成功會清除連續失敗計數
func (cb *CircuitBreaker) RecordSuccess() {
	cb.Reset()
}

// Reset 清除失敗計數
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

// IsOpen 失敗次數是否已達門檻
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.threshold > 0 && cb.failures >= cb.threshold
}

// Failures 目前的連續失敗次數
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
