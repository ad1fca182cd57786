// Package audit keeps a tamper-evident trail of operator actions on remediations.
package audit

import "time"

// Action constants for audit log entries.
const (
	ActionApprove = "APPROVE"
	ActionCancel  = "CANCEL"
	ActionScan    = "SCAN"
)

// Entry is a single audit log line.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	Action        string    `json:"action"`
	RemediationID string    `json:"remediation_id,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	FromState     string    `json:"from_state,omitempty"`
	ToState       string    `json:"to_state,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	EntryHash     string    `json:"entry_hash"`
}
