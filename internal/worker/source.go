// ============================================================================
// Lease Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the worker pool from where leases come from.
//
//   - *broker.Broker is the in-process source.
//   - Tests substitute scripted sources to drive failure paths.
//
// ============================================================================

package worker

import "github.com/ChuLiYu/lease-recovery/pkg/types"

// LeaseSource grants leases to workers.
//
// Lease is a non-blocking poll: ok=false means no job is currently eligible
// and is not an error. Polling cadence is the caller's decision.
type LeaseSource interface {
	Lease(workerID types.WorkerID) (types.Lease, bool, error)
}
