// Package backupstatus defines the replication lifecycle of a stored object.
package backupstatus

import (
	"errors"
	"fmt"
)

// Status is the replication state recorded on a resource row.
type Status string

const (
	None        Status = "NONE"
	Pending     Status = "PENDING"
	PendingSync Status = "PENDING_SYNC"
	Completed   Status = "COMPLETED"
	Failed      Status = "FAILED"
)

var (
	ErrInvalidStatus     = errors.New("invalid backup status")
	ErrInvalidTransition = errors.New("backup status transition not allowed")
)

// MaxErrorLength bounds the stored backup_error column.
const MaxErrorLength = 512

var updatable = []Status{Pending, PendingSync, Completed, Failed}

// ValidUpdateStatuses lists the statuses a caller may write through the status API.
func ValidUpdateStatuses() []string {
	out := make([]string, len(updatable))
	for i, s := range updatable {
		out[i] = string(s)
	}
	return out
}

// Parse accepts any known status, including NONE.
func Parse(s string) (Status, error) {
	switch st := Status(s); st {
	case None, Pending, PendingSync, Completed, Failed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// ParseUpdatable accepts only the statuses that can be written externally.
func ParseUpdatable(s string) (Status, error) {
	st, err := Parse(s)
	if err != nil {
		return "", err
	}
	if st == None {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no worker will move the record further.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed
}

// CanTransition reports whether a record in state from may be overwritten with to.
//
// Rewriting the current state is always allowed so redelivered jobs stay
// harmless. PENDING is the restart point for an operator re-enqueue and is
// reachable from everywhere. Terminal states never move forward again.
func CanTransition(from, to Status) bool {
	if from == to || to == Pending {
		return true
	}
	switch from {
	case None:
		return true
	case Pending:
		return to == PendingSync || to == Completed || to == Failed
	case PendingSync:
		return to == Completed || to == Failed
	}
	return false
}

// Transition returns ErrInvalidTransition when CanTransition is false.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TruncateError clips msg to MaxErrorLength bytes without splitting a UTF-8 sequence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && msg[cut]&0xC0 == 0x80 {
		cut--
	}
	return msg[:cut]
}
