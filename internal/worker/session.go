package worker

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/lease-recovery/internal/ledger"
	"github.com/ChuLiYu/lease-recovery/internal/metrics"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// tracerName is the instrumentation scope name for worker tracing.
const tracerName = "github.com/ChuLiYu/lease-recovery/internal/worker"

// SessionOption 設定 Session 的可選參數
type SessionOption func(*Session)

// WithTracer 注入 tracer，預設使用全域 TracerProvider
func WithTracer(tracer trace.Tracer) SessionOption {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithSessionMetrics 設定指標收集器
func WithSessionMetrics(m *metrics.Collector) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithSessionLogger 設定 logger
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// Session 驅動一個執行紀錄走完生命週期：start → 嘗試提交 → finish
//
// 故障開關只在這裡被讀取，Ledger 本身不知道故障注入的存在。
// Session 不自我修復，恢復完全交給 Reconciler。
type Session struct {
	workerID types.WorkerID
	ledger   *ledger.Ledger
	faults   types.Faults
	tracer   trace.Tracer
	metrics  *metrics.Collector
	log      *slog.Logger
}

// NewSession 建立 Session
func NewSession(workerID types.WorkerID, l *ledger.Ledger, faults types.Faults, opts ...SessionOption) *Session {
	s := &Session{
		workerID: workerID,
		ledger:   l,
		faults:   faults,
		tracer:   otel.Tracer(tracerName),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WorkerID 回傳 Session 所屬的 worker
func (s *Session) WorkerID() types.WorkerID {
	return s.workerID
}

// Start LEASED → IN_PROGRESS
func (s *Session) Start(lease types.Lease) error {
	return s.ledger.MarkStarted(lease.ExecID)
}

// Finish 依故障開關執行提交流程：
//
//  1. CrashBeforeCommit：立即返回，執行紀錄停在 IN_PROGRESS
//  2. ApplyEffect(execID, EnforceIdempotentCommit)
//  3. CrashAfterCommitBeforeDone：不論步驟 2 結果，立即返回
//  4. MarkFinished(execID)
//
// 步驟 2 回傳 committed=false 時仍執行步驟 4，
// 重複的執行紀錄被確認為 DONE，效果日誌不變。
func (s *Session) Finish(ctx context.Context, lease types.Lease) (Outcome, error) {
	_, span := s.tracer.Start(ctx, "worker.session.finish",
		trace.WithAttributes(
			attribute.String("lease.exec_id", string(lease.ExecID)),
			attribute.String("lease.job_id", string(lease.JobID)),
			attribute.String("lease.worker_id", string(s.workerID)),
			attribute.Int("lease.attempt", lease.Attempt),
			attribute.Bool("commit.enforce_idempotent", s.faults.EnforceIdempotentCommit),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	outcome, err := s.finish(lease, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetAttributes(attribute.String("session.outcome", string(outcome)))
	span.SetStatus(codes.Ok, "")
	s.metrics.RecordSession(string(outcome))
	return outcome, nil
}

func (s *Session) finish(lease types.Lease, span trace.Span) (Outcome, error) {
	if s.faults.CrashBeforeCommit {
		s.log.Warn("Simulated crash before commit", "execID", lease.ExecID, "workerID", s.workerID)
		return OutcomeCrashedBeforeCommit, nil
	}

	committed, err := s.ledger.ApplyEffect(lease.ExecID, s.faults.EnforceIdempotentCommit)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.Bool("commit.committed", committed))

	if s.faults.CrashAfterCommitBeforeDone {
		s.log.Warn("Simulated crash after commit", "execID", lease.ExecID, "workerID", s.workerID, "committed", committed)
		return OutcomeCrashedAfterCommit, nil
	}

	if err := s.ledger.MarkFinished(lease.ExecID); err != nil {
		return "", err
	}
	if !committed {
		return OutcomeDuplicateAcknowledged, nil
	}
	return OutcomeFinished, nil
}
