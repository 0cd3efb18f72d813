// Package fault defines the closed taxonomy of failures the orchestration
// core reasons about, independent of any connector's native error types, and
// the decision record produced for each of them.
package fault

import (
	"errors"
	"fmt"
)

// Kind is one member of the error taxonomy.
type Kind string

const (
	KindRateLimited             Kind = "RATE_LIMITED"
	KindPeerRateLimited         Kind = "PEER_RATE_LIMITED"
	KindPrivacyRestricted       Kind = "PRIVACY_RESTRICTED"
	KindCredentialBanned        Kind = "CREDENTIAL_BANNED"
	KindInvalidCredentialID     Kind = "INVALID_CREDENTIAL_ID"
	KindInvalidCredentialSecret Kind = "INVALID_CREDENTIAL_SECRET"
	KindNotAuthorizedInTarget   Kind = "NOT_AUTHORIZED_IN_TARGET"
	KindNetworkUnavailable      Kind = "NETWORK_UNAVAILABLE"
	KindTimeout                 Kind = "TIMEOUT"
	KindProxyFailure            Kind = "PROXY_FAILURE"
	KindSessionExpired          Kind = "SESSION_EXPIRED"

	KindWorkerNotFound     Kind = "WORKER_NOT_FOUND"
	KindWorkerLimitReached Kind = "WORKER_LIMIT_REACHED"
	KindWorkerBlocked      Kind = "WORKER_BLOCKED"
	KindWorkerInCooldown   Kind = "WORKER_IN_COOLDOWN"
	KindWorkerUnverified   Kind = "WORKER_UNVERIFIED"
	KindCollectionNotFound Kind = "COLLECTION_NOT_FOUND"
	KindExtractionFailed   Kind = "EXTRACTION_FAILED"
	KindTransferFailed     Kind = "TRANSFER_FAILED"

	KindUnknown Kind = "UNKNOWN"
)

// Kinds lists every taxonomy member.
var Kinds = []Kind{
	KindRateLimited, KindPeerRateLimited, KindPrivacyRestricted, KindCredentialBanned,
	KindInvalidCredentialID, KindInvalidCredentialSecret, KindNotAuthorizedInTarget,
	KindNetworkUnavailable, KindTimeout, KindProxyFailure, KindSessionExpired,
	KindWorkerNotFound, KindWorkerLimitReached, KindWorkerBlocked, KindWorkerInCooldown,
	KindWorkerUnverified, KindCollectionNotFound, KindExtractionFailed, KindTransferFailed,
	KindUnknown,
}

func (k Kind) String() string { return string(k) }

// IsWorkerRelated reports whether the failure is attributable to the worker
// that performed the call rather than to the item or the operation.
func (k Kind) IsWorkerRelated() bool {
	switch k {
	case KindRateLimited, KindPeerRateLimited, KindCredentialBanned, KindInvalidCredentialID,
		KindInvalidCredentialSecret, KindNotAuthorizedInTarget, KindSessionExpired,
		KindWorkerNotFound, KindWorkerLimitReached, KindWorkerBlocked, KindWorkerInCooldown,
		KindWorkerUnverified:
		return true
	}
	return false
}

// Error is a classified failure. WaitSeconds is only meaningful for
// KindRateLimited.
type Error struct {
	Kind        Kind
	WaitSeconds int
	Message     string
	Err         error
}

// New creates a classified error.
func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// RateLimited creates a KindRateLimited error carrying the server-imposed wait.
func RateLimited(waitSeconds int) *Error {
	return &Error{
		Kind:        KindRateLimited,
		WaitSeconds: waitSeconds,
		Message:     fmt.Sprintf("rate limited, wait %d seconds", waitSeconds),
	}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, fault.New(kind, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of a classified error, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Decision tells the caller what to do about a failure.
type Decision struct {
	Retry           bool
	SwitchWorker    bool
	Cooldown        bool
	CooldownSeconds int
	Abort           bool
	HumanMessage    string
}
