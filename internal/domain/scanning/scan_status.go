package scanning

import "fmt"

// ScanStatus represents where a scan sits in its lifecycle. A scan is created
// Pending by the enqueuing caller, moves to InProgress when a worker picks up
// its job, and ends in Completed or Failed.
type ScanStatus string

const (
	// ScanStatusPending indicates the scan exists but no worker has started it.
	ScanStatusPending ScanStatus = "pending"

	// ScanStatusInProgress indicates a worker is driving the scanners.
	ScanStatusInProgress ScanStatus = "in_progress"

	// ScanStatusCompleted indicates results were persisted successfully.
	ScanStatusCompleted ScanStatus = "completed"

	// ScanStatusFailed indicates a stage failed; see the scan's error message.
	ScanStatusFailed ScanStatus = "failed"
)

func (s ScanStatus) String() string { return string(s) }

// ParseScanStatus converts a string to a ScanStatus.
func ParseScanStatus(s string) ScanStatus {
	switch s {
	case "pending":
		return ScanStatusPending
	case "in_progress":
		return ScanStatusInProgress
	case "completed":
		return ScanStatusCompleted
	case "failed":
		return ScanStatusFailed
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether no further automatic transitions are expected.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s ScanStatus) validateTransition(target ScanStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition enforces the scan lifecycle rules.
func (s ScanStatus) isValidTransition(target ScanStatus) bool {
	switch s {
	case ScanStatusPending:
		return target == ScanStatusInProgress
	case ScanStatusInProgress:
		// Re-entering InProgress covers a redelivered job whose previous
		// attempt stalled mid-flight.
		return target == ScanStatusInProgress ||
			target == ScanStatusCompleted ||
			target == ScanStatusFailed
	case ScanStatusFailed:
		// A redelivered job may retry a failed scan from the top.
		return target == ScanStatusInProgress
	case ScanStatusCompleted:
		return false
	default:
		return false
	}
}
