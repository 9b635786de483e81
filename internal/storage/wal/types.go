package wal

import "github.com/ChuLiYu/lease-recovery/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the ledger journal record
// ============================================================================

// EventType defines WAL event types. One type per ledger mutation primitive.
type EventType string

const (
	EventJobCreated    EventType = "JOB_CREATED"    // Job inserted as PENDING
	EventLeaseCreated  EventType = "LEASE_CREATED"  // Execution created, job RUNNING
	EventStarted       EventType = "STARTED"        // LEASED -> IN_PROGRESS
	EventEffectApplied EventType = "EFFECT_APPLIED" // Commit boundary crossed
	EventFinished      EventType = "FINISHED"       // -> DONE, job SUCCEEDED
	EventAborted       EventType = "ABORTED"        // Stale lease aborted by reconciler
)

// Event represents a WAL event record.
//
// Only the fields relevant to Type are set; the rest stay zero and are
// omitted from the encoded line.
type Event struct {
	Seq  uint64    `json:"seq"`  // Event sequence number (monotonically increasing, survives rotation)
	Type EventType `json:"type"` // Event type

	JobID          types.JobID       `json:"job_id"`
	ExecID         types.ExecID      `json:"exec_id,omitempty"`
	WorkerID       types.WorkerID    `json:"worker_id,omitempty"`
	Attempt        int               `json:"attempt,omitempty"`
	At             types.VirtualTime `json:"at"`                         // Virtual time of the mutation
	LeaseExpiresAt types.VirtualTime `json:"lease_expires_at,omitempty"` // LEASE_CREATED only
	Enforce        bool              `json:"enforce,omitempty"`          // EFFECT_APPLIED only
	Reopened       bool              `json:"reopened,omitempty"`         // ABORTED only
	Payload        types.Payload     `json:"payload,omitempty"`          // JOB_CREATED only

	Checksum uint32 `json:"checksum"` // CRC32 checksum
}

// EventHandler is the function type for processing WAL events.
// Used during Replay to apply events to ledger state; a non-nil error aborts
// the replay.
type EventHandler func(event Event) error
