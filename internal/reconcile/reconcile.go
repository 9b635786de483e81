// Package reconcile 崩潰後的恢復掃描
//
// 兩個有序的階段，順序不可交換：
//
//  1. Finalize：所有 COMMITTED 的執行紀錄標記為 DONE
//  2. Abort stale：租約已過期的 LEASED / IN_PROGRESS 執行紀錄標記為 ABORTED，
//     任務若沒有任何已提交的執行紀錄則重新開放為 PENDING
//
// 先執行第 2 階段可能會重新開放一個其實已由其他執行紀錄提交的任務。
// 每筆紀錄的變更都在 Ledger 鎖內完成，可與仍在運行的 worker 並行。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/lease-recovery/internal/clock"
	"github.com/ChuLiYu/lease-recovery/internal/ledger"
	"github.com/ChuLiYu/lease-recovery/internal/metrics"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

const tracerName = "github.com/ChuLiYu/lease-recovery/internal/reconcile"

// Result 一次 Reconcile 的變更摘要
type Result struct {
	Finalized []types.ExecID
	Aborted   []types.ExecID
	Reopened  []types.JobID
}

// Empty 沒有任何變更
func (r Result) Empty() bool {
	return len(r.Finalized) == 0 && len(r.Aborted) == 0
}

// Option 設定 Reconciler 的可選參數
type Option func(*Reconciler)

// WithTracer 注入 tracer
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reconciler) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// Reconciler 恢復掃描器，由外部（controller、CLI、定期掃描）觸發
type Reconciler struct {
	ledger  *ledger.Ledger
	tracer  trace.Tracer
	metrics *metrics.Collector
	log     *slog.Logger
}

// New 建立 Reconciler
func New(l *ledger.Ledger, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger: l,
		tracer: otel.Tracer(tracerName),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile 執行一次恢復掃描
//
// 連續執行兩次，第二次的結果為空。
func (r *Reconciler) Reconcile(ctx context.Context, now types.VirtualTime) (Result, error) {
	_, span := r.tracer.Start(ctx, "reconcile.sweep",
		trace.WithAttributes(attribute.Int64("reconcile.now_ms", now.Duration().Milliseconds())),
	)
	defer span.End()

	res, err := r.reconcile(now)
	span.SetAttributes(
		attribute.Int("reconcile.finalized", len(res.Finalized)),
		attribute.Int("reconcile.aborted", len(res.Aborted)),
		attribute.Int("reconcile.reopened", len(res.Reopened)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	r.metrics.RecordReconcile(len(res.Finalized), len(res.Aborted), len(res.Reopened))
	if !res.Empty() {
		r.log.Info("Reconcile completed", "now", now, "finalized", len(res.Finalized), "aborted", len(res.Aborted), "reopened", len(res.Reopened))
	}
	return res, err
}

func (r *Reconciler) reconcile(now types.VirtualTime) (Result, error) {
	res := Result{
		Finalized: make([]types.ExecID, 0),
		Aborted:   make([]types.ExecID, 0),
		Reopened:  make([]types.JobID, 0),
	}

	// 1) Finalize
	for _, execID := range r.ledger.ListByStatus(types.ExecCommitted) {
		finalized, err := r.ledger.FinalizeCommitted(execID)
		if err != nil {
			return res, fmt.Errorf("failed to finalize %s: %w", execID, err)
		}
		// worker 在掃描後自行完成的不計入
		if finalized {
			res.Finalized = append(res.Finalized, execID)
		}
	}

	// 2) Abort stale
	for _, execID := range r.ledger.ListByStatus(types.ExecLeased, types.ExecInProgress) {
		aborted, reopened, err := r.ledger.AbortStale(execID, now)
		if err != nil {
			return res, fmt.Errorf("failed to abort %s: %w", execID, err)
		}
		if !aborted {
			continue
		}
		res.Aborted = append(res.Aborted, execID)
		if reopened {
			exec, _ := r.ledger.Execution(execID)
			res.Reopened = append(res.Reopened, exec.JobID)
		}
	}
	return res, nil
}

// Run 定期掃描，直到 ctx 取消
//
// interval 是真實時間的掃描間隔；每次掃描以 clk.Now() 作為虛擬時間。
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, clk clock.Source) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx, clk.Now()); err != nil {
				r.log.Error("Periodic reconcile failed", "error", err)
			}
		}
	}
}
