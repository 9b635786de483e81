// Package scenario 以確定性的虛擬時鐘重現「租約過期、第二個 worker 重試、
// 兩者都嘗試同一個邏輯效果」的重複執行問題，並驗證提交邊界與恢復流程。
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/lease-recovery/internal/broker"
	"github.com/ChuLiYu/lease-recovery/internal/clock"
	"github.com/ChuLiYu/lease-recovery/internal/ledger"
	"github.com/ChuLiYu/lease-recovery/internal/reconcile"
	"github.com/ChuLiYu/lease-recovery/internal/worker"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// ErrNoLease 情境中預期可取得的租約未取得
var ErrNoLease = errors.New("scenario: expected lease was not granted")

// Config 情境參數
type Config struct {
	LeaseDuration time.Duration
	WorkDuration  time.Duration // 第一個 worker 開始後推進的虛擬時間
	Faults        types.Faults
	Fencing       bool
}

// Result 情境輸出，測試只對這些欄位斷言
type Result struct {
	JobID           types.JobID
	EffectsCount    int
	CommittedExecID types.ExecID // 空字串表示沒有提交
	Outcomes        []worker.Outcome
}

// Fixture 確定性的記憶體內執行環境
type Fixture struct {
	Clock      *clock.Virtual
	Ledger     *ledger.Ledger
	Broker     *broker.Broker
	Reconciler *reconcile.Reconciler
	Faults     types.Faults
}

// NewFixture 建立 Fixture，時鐘從 0 開始
func NewFixture(leaseDuration time.Duration, faults types.Faults, opts ...ledger.Option) (*Fixture, error) {
	clk := clock.New(0)
	l := ledger.New(clk, opts...)
	b, err := broker.New(l, leaseDuration)
	if err != nil {
		return nil, err
	}
	return &Fixture{
		Clock:      clk,
		Ledger:     l,
		Broker:     b,
		Reconciler: reconcile.New(l),
		Faults:     faults,
	}, nil
}

// Session 為 worker 建立 Session，使用 Fixture 的故障開關
func (f *Fixture) Session(workerID types.WorkerID) *worker.Session {
	return worker.NewSession(workerID, f.Ledger, f.Faults)
}

// Run 執行重複重試情境：
//
//  1. A 取得租約並開始
//  2. 推進虛擬時鐘 WorkDuration
//  3. B 取得重試租約（A 的租約已過期時）
//  4. A 完成；B 開始並完成
func Run(cfg Config) (Result, error) {
	f, err := NewFixture(cfg.LeaseDuration, cfg.Faults, ledger.WithFencing(cfg.Fencing))
	if err != nil {
		return Result{}, err
	}
	ctx := context.Background()
	a, b := f.Session("A"), f.Session("B")

	jobID, err := f.Broker.Submit(types.Payload{"fm": "FM_001"})
	if err != nil {
		return Result{}, err
	}

	leaseA, ok, err := f.Broker.Lease("A")
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: worker A", ErrNoLease)
	}
	if err := a.Start(leaseA); err != nil {
		return Result{}, err
	}

	if err := f.Clock.Advance(cfg.WorkDuration); err != nil {
		return Result{}, err
	}

	leaseB, retried, err := f.Broker.Lease("B")
	if err != nil {
		return Result{}, err
	}

	res := Result{JobID: jobID}
	outcome, err := a.Finish(ctx, leaseA)
	switch {
	case errors.Is(err, ledger.ErrLeaseLost):
		// 啟用 fencing 時 A 的過期租約被拒絕
		outcome = worker.OutcomeAbandoned
	case err != nil:
		return Result{}, err
	}
	res.Outcomes = append(res.Outcomes, outcome)

	if retried {
		if err := b.Start(leaseB); err != nil {
			return Result{}, err
		}
		outcome, err := b.Finish(ctx, leaseB)
		if err != nil {
			return Result{}, err
		}
		res.Outcomes = append(res.Outcomes, outcome)
	}

	res.EffectsCount = f.Ledger.CountEffects(jobID)
	res.CommittedExecID, _ = f.Ledger.CommittedExecID(jobID)
	return res, nil
}

// RunKnownBrokenBaseline 沒有提交邊界保護的基準（預期出現重複效果）
func RunKnownBrokenBaseline(leaseDuration, workDuration time.Duration) (Result, error) {
	return Run(Config{LeaseDuration: leaseDuration, WorkDuration: workDuration, Faults: types.NoFaults()})
}

// RunGuarded 啟用冪等提交邊界（預期最多一筆效果）
func RunGuarded(leaseDuration, workDuration time.Duration) (Result, error) {
	return Run(Config{
		LeaseDuration: leaseDuration,
		WorkDuration:  workDuration,
		Faults:        types.Faults{EnforceIdempotentCommit: true},
	})
}

// RecoveryResult 崩潰恢復情境的輸出
type RecoveryResult struct {
	Result
	ExecID    types.ExecID
	Status    types.ExecStatus
	JobState  types.JobState
	Reconcile reconcile.Result
}

// RunCrashRecovery 單一 worker 在提交後、確認前崩潰，再執行 Reconcile
func RunCrashRecovery(leaseDuration time.Duration) (RecoveryResult, error) {
	f, err := NewFixture(leaseDuration, types.Faults{
		EnforceIdempotentCommit:    true,
		CrashAfterCommitBeforeDone: true,
	})
	if err != nil {
		return RecoveryResult{}, err
	}
	ctx := context.Background()

	jobID, err := f.Broker.Submit(types.Payload{"fm": "FM_001", "case": "recovery"})
	if err != nil {
		return RecoveryResult{}, err
	}
	lease, ok, err := f.Broker.Lease("W1")
	if err != nil {
		return RecoveryResult{}, err
	}
	if !ok {
		return RecoveryResult{}, fmt.Errorf("%w: worker W1", ErrNoLease)
	}

	s := f.Session("W1")
	if err := s.Start(lease); err != nil {
		return RecoveryResult{}, err
	}
	outcome, err := s.Finish(ctx, lease)
	if err != nil {
		return RecoveryResult{}, err
	}

	rec, err := f.Reconciler.Reconcile(ctx, f.Clock.Now())
	if err != nil {
		return RecoveryResult{}, err
	}

	exec, _ := f.Ledger.Execution(lease.ExecID)
	job, _ := f.Ledger.Job(jobID)
	committed, _ := f.Ledger.CommittedExecID(jobID)
	return RecoveryResult{
		Result: Result{
			JobID:           jobID,
			EffectsCount:    f.Ledger.CountEffects(jobID),
			CommittedExecID: committed,
			Outcomes:        []worker.Outcome{outcome},
		},
		ExecID:    lease.ExecID,
		Status:    exec.Status,
		JobState:  job.State,
		Reconcile: rec,
	}, nil
}

// Named 帶名稱的情境結果
type Named struct {
	Name   string
	Result Result
	Err    error
}

// RunNamed 執行情境並附上名稱
func RunNamed(name string, runner func() (Result, error)) Named {
	res, err := runner()
	return Named{Name: name, Result: res, Err: err}
}
