// Package broker 分派租約：每個任務同一時間最多一個有效租約
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/lease-recovery/internal/ledger"
	"github.com/ChuLiYu/lease-recovery/internal/metrics"
	"github.com/ChuLiYu/lease-recovery/internal/policy"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// ErrInvalidLeaseDuration 租約長度必須為正
var ErrInvalidLeaseDuration = errors.New("lease duration must be positive")

// Option 設定 Broker 的可選參數
type Option func(*Broker)

// WithRetryBudget 下一次嘗試超出預算的任務不再授予租約
func WithRetryBudget(b policy.RetryBudget) Option {
	return func(br *Broker) { br.budget = b }
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(br *Broker) { br.metrics = m }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(br *Broker) {
		if l != nil {
			br.log = l
		}
	}
}

// Broker LeaseBroker
//
// Lease 是非阻塞輪詢，不在內部重試；輪詢頻率與退避由呼叫端決定。
type Broker struct {
	ledger        *ledger.Ledger
	leaseDuration time.Duration
	budget        policy.RetryBudget
	metrics       *metrics.Collector
	log           *slog.Logger
}

// New 建立 Broker
func New(l *ledger.Ledger, leaseDuration time.Duration, opts ...Option) (*Broker, error) {
	if leaseDuration <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLeaseDuration, leaseDuration)
	}
	b := &Broker{
		ledger:        l,
		leaseDuration: leaseDuration,
		budget:        policy.Unlimited(),
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// LeaseDuration 回傳授予的租約長度
func (b *Broker) LeaseDuration() time.Duration {
	return b.leaseDuration
}

// Submit 提交任務（委派給 Ledger.CreateJob）
func (b *Broker) Submit(payload types.Payload) (types.JobID, error) {
	jobID, err := b.ledger.CreateJob(payload)
	if err != nil {
		return "", err
	}
	b.metrics.RecordSubmit()
	return jobID, nil
}

// Lease 依提交順序掃描任務，授予第一個可租用任務的租約
//
// 返回值：
//   - ok=false, err=nil: 目前沒有可租用的任務（預期結果，不是錯誤）
func (b *Broker) Lease(workerID types.WorkerID) (types.Lease, bool, error) {
	for _, jobID := range b.ledger.JobOrder() {
		if !b.withinBudget(jobID) {
			continue
		}

		execID, ok, err := b.ledger.TryLease(jobID, workerID, b.leaseDuration)
		if err != nil {
			return types.Lease{}, false, err
		}
		if !ok {
			continue
		}

		exec, found := b.ledger.Execution(execID)
		if !found {
			return types.Lease{}, false, fmt.Errorf("%w: %s", ledger.ErrExecNotFound, execID)
		}
		b.metrics.RecordLease(true)
		if exec.Attempt > 1 {
			b.log.Info("Lease granted for retry", "jobID", jobID, "execID", execID, "workerID", workerID, "attempt", exec.Attempt)
		}
		return types.Lease{
			ExecID:    execID,
			JobID:     jobID,
			WorkerID:  workerID,
			Attempt:   exec.Attempt,
			ExpiresAt: exec.LeaseExpiresAt,
		}, true, nil
	}

	b.metrics.RecordLease(false)
	return types.Lease{}, false, nil
}

// withinBudget 下一次嘗試是否在重試預算內
func (b *Broker) withinBudget(jobID types.JobID) bool {
	if b.budget.MaxAttempts <= 0 {
		return true
	}
	next := len(b.ledger.ExecutionsForJob(jobID)) + 1
	if b.budget.Allows(next) {
		return true
	}
	b.log.Debug("Retry budget exhausted", "jobID", jobID, "attempt", next)
	return false
}
