// ============================================================================
// Lease-Recovery Worker - Lease Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in an independent goroutine and drives leases
//           through a Session
//
// How it works:
//   Each Worker continuously executes the following loop:
//   1. Wait on its rate limiter (polling cadence)
//   2. If the circuit breaker is open, cool down and reset
//   3. Poll the LeaseSource (non-blocking, ok=false means nothing to do)
//   4. Session.Start → Handler → Session.Finish
//   5. Send result to resultCh
//   6. Repeat until the pool context is cancelled
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Worker Goroutine                    │
//   │  ┌───────────────────────────────┐   │
//   │  │ for limiter.Wait(ctx) == nil  │   │
//   │  │   ├─ source.Lease(id)         │   │
//   │  │   ├─ session.Start            │   │
//   │  │   ├─ handler(ctx, lease, job) │   │
//   │  │   ├─ session.Finish           │   │
//   │  │   └─ send result to resultCh  │   │
//   │  └───────────────────────────────┘   │
//   └──────────────────────────────────────┘
//
// Error Handling:
//   - Handler error: the execution is abandoned (stays IN_PROGRESS until its
//     lease expires and the Reconciler aborts it); counts as a breaker failure
//   - Lease source error: counts as a breaker failure
//   - Session error (lease lost, execution already aborted): reported in
//     Result.Err; counts as a breaker failure
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/lease-recovery/internal/policy"
	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// Worker represents a lease execution unit
type Worker struct {
	id       types.WorkerID
	source   LeaseSource
	session  *Session
	handler  Handler
	limiter  *rate.Limiter
	breaker  *policy.CircuitBreaker
	cooldown time.Duration
	resultCh chan<- Result
	log      *slog.Logger
}

// Run is the main loop of Worker, exits when ctx is cancelled
func (w *Worker) Run(ctx context.Context) {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		if w.breaker.IsOpen() {
			w.log.Warn("Circuit breaker open, cooling down", "workerID", w.id, "failures", w.breaker.Failures(), "cooldown", w.cooldown)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cooldown):
			}
			w.breaker.Reset()
			continue
		}

		lease, ok, err := w.source.Lease(w.id)
		if err != nil {
			w.log.Error("Lease poll failed", "workerID", w.id, "error", err)
			w.breaker.RecordFailure()
			continue
		}
		if !ok {
			continue
		}

		w.report(w.process(ctx, lease))
	}
}

// process drives one lease through the session
func (w *Worker) process(ctx context.Context, lease types.Lease) Result {
	start := time.Now()
	result := Result{Lease: lease}

	if err := w.session.Start(lease); err != nil {
		w.log.Warn("Failed to start execution", "workerID", w.id, "execID", lease.ExecID, "error", err)
		w.breaker.RecordFailure()
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	if w.handler != nil {
		job, _ := w.session.ledger.Job(lease.JobID)
		if err := w.handler(ctx, lease, job); err != nil {
			w.log.Warn("Handler failed, abandoning execution", "workerID", w.id, "execID", lease.ExecID, "error", err)
			w.breaker.RecordFailure()
			result.Outcome = OutcomeAbandoned
			result.Err = err
			result.Duration = time.Since(start)
			return result
		}
	}

	outcome, err := w.session.Finish(ctx, lease)
	result.Outcome = outcome
	result.Err = err
	result.Duration = time.Since(start)
	if err != nil {
		// 租約被接手或執行紀錄已中止，連續發生時退避
		w.log.Warn("Session finish failed", "workerID", w.id, "execID", lease.ExecID, "error", err)
		w.breaker.RecordFailure()
	} else {
		w.breaker.RecordSuccess()
	}
	return result
}

// report sends the result without blocking
func (w *Worker) report(result Result) {
	select {
	case w.resultCh <- result:
	default:
		w.log.Warn("Result channel full, dropping result", "workerID", w.id, "execID", result.Lease.ExecID)
	}
}
