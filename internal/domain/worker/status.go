package worker

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle label of a worker.
type Status string

// ErrStatusUnknown is returned when a status string cannot be parsed.
var ErrStatusUnknown = errors.New("worker status unknown")

const (
	// StatusActive indicates the worker can be handed out.
	StatusActive Status = "ACTIVE"

	// StatusCooldown indicates the worker is resting until its cooldown expires.
	StatusCooldown Status = "COOLDOWN"

	// StatusBlocked indicates the remote platform rejected the worker permanently.
	StatusBlocked Status = "BLOCKED"

	// StatusUnverified indicates the credential never completed verification.
	StatusUnverified Status = "UNVERIFIED"

	// StatusDailyLimitReached indicates a quota counter hit its daily limit.
	StatusDailyLimitReached Status = "DAILY_LIMIT_REACHED"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusCooldown, StatusBlocked, StatusUnverified, StatusDailyLimitReached:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusUnknown, s)
	}
	return st, nil
}

// Purpose names the kind of work a worker is requested for. Each purpose has
// its own daily quota counter.
type Purpose string

const (
	PurposeAdd     Purpose = "add"
	PurposeExtract Purpose = "extract"
)

func (p Purpose) String() string { return string(p) }

// ParsePurpose converts a string into a Purpose.
func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(strings.ToLower(s)) {
	case PurposeAdd:
		return PurposeAdd, nil
	case PurposeExtract:
		return PurposeExtract, nil
	}
	return "", fmt.Errorf("unknown worker purpose %q", s)
}
