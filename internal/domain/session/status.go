package session

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of an operation session.
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusRunning     Status = "RUNNING"
	StatusPaused      Status = "PAUSED"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusInterrupted Status = "INTERRUPTED"
	StatusRecovered   Status = "RECOVERED"
)

var (
	// ErrStatusUnknown is returned when a status string cannot be parsed.
	ErrStatusUnknown = errors.New("session status unknown")
	// ErrInvalidStatusTransition is returned when a transition is not allowed.
	ErrInvalidStatusTransition = errors.New("invalid session status transition")
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further work happens in this status.
func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusFailed }

// IsIncomplete reports whether a session in this status should be offered for recovery.
func (s Status) IsIncomplete() bool {
	return s == StatusRunning || s == StatusPaused || s == StatusInterrupted
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrStatusUnknown, s)
	}
	return st, nil
}

var transitions = map[Status][]Status{
	StatusCreated:     {StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusInterrupted},
	StatusRunning:     {StatusPaused, StatusCompleted, StatusFailed, StatusInterrupted},
	StatusPaused:      {StatusRunning, StatusCompleted, StatusFailed, StatusInterrupted, StatusRecovered},
	StatusInterrupted: {StatusRecovered, StatusRunning, StatusFailed, StatusCompleted},
	StatusRecovered:   {StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusInterrupted},
	StatusCompleted:   {},
	StatusFailed:      {StatusRecovered},
}

func (s Status) isValidTransition(target Status) bool {
	if s == target {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func (s Status) validateTransition(target Status) error {
	if _, ok := transitions[target]; !ok {
		return fmt.Errorf("%w: %q", ErrStatusUnknown, target)
	}
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, s, target)
	}
	return nil
}
