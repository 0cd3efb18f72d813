// Package resilience turns opaque connector failures into decisions. A
// converter normalizes errors into the fault taxonomy, a handler chain maps
// each kind to a decision and the retry executor applies those decisions
// around any operation.
package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"

	regexp "github.com/wasilibs/go-re2"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
)

// Converter maps a native error onto the taxonomy. It returns nil when it
// does not recognize the error.
type Converter interface {
	Convert(err error) *fault.Error
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(err error) *fault.Error

func (f ConverterFunc) Convert(err error) *fault.Error { return f(err) }

// ConverterChain tries converters in order. Errors that are already
// classified pass through untouched; unrecognized errors become KindUnknown.
type ConverterChain struct {
	converters []Converter
}

// NewConverterChain builds a chain. Transport-level errors (timeouts,
// network failures) are recognized after the given converters.
func NewConverterChain(converters ...Converter) *ConverterChain {
	return &ConverterChain{converters: append(converters, ConverterFunc(convertTransport))}
}

// Convert classifies err. It returns nil for a nil error.
func (c *ConverterChain) Convert(err error) *fault.Error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}
	for _, conv := range c.converters {
		if fe := conv.Convert(err); fe != nil {
			if fe.Err == nil {
				fe.Err = err
			}
			return fe
		}
	}
	return fault.Wrap(fault.KindUnknown, err)
}

func convertTransport(err error) *fault.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fault.Wrap(fault.KindTimeout, err)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fault.Wrap(fault.KindNetworkUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fault.Wrap(fault.KindTimeout, err)
		}
		return fault.Wrap(fault.KindNetworkUnavailable, err)
	}
	return nil
}

// PatternRule classifies errors whose message matches Pattern. When
// WaitGroup is positive, that capture group holds the wait in seconds.
type PatternRule struct {
	Pattern   *regexp.Regexp
	Kind      fault.Kind
	WaitGroup int
}

// PatternConverter classifies errors by their message. Remote platforms
// commonly report failures as coded strings rather than typed errors.
type PatternConverter struct {
	rules []PatternRule
}

// NewPatternConverter creates a converter from rules evaluated in order.
func NewPatternConverter(rules ...PatternRule) *PatternConverter {
	return &PatternConverter{rules: rules}
}

func (p *PatternConverter) Convert(err error) *fault.Error {
	msg := err.Error()
	for _, r := range p.rules {
		m := r.Pattern.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		fe := fault.Wrap(r.Kind, err)
		if r.WaitGroup > 0 && r.WaitGroup < len(m) {
			if secs, convErr := strconv.Atoi(m[r.WaitGroup]); convErr == nil {
				fe.WaitSeconds = secs
			}
		}
		return fe
	}
	return nil
}

// DefaultPatternRules recognizes the error codes messaging platforms return
// for throttling, privacy, bans, credential and authorization failures.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		{Pattern: regexp.MustCompile(`(?i)FLOOD_WAIT_(\d+)`), Kind: fault.KindRateLimited, WaitGroup: 1},
		{Pattern: regexp.MustCompile(`(?i)(?:rate limit|too many requests).*?(\d+)\s*s`), Kind: fault.KindRateLimited, WaitGroup: 1},
		{Pattern: regexp.MustCompile(`(?i)PEER_FLOOD`), Kind: fault.KindPeerRateLimited},
		{Pattern: regexp.MustCompile(`(?i)PRIVACY_RESTRICTED|USER_PRIVACY`), Kind: fault.KindPrivacyRestricted},
		{Pattern: regexp.MustCompile(`(?i)USER_DEACTIVATED|PHONE_NUMBER_BANNED|USER_BANNED`), Kind: fault.KindCredentialBanned},
		{Pattern: regexp.MustCompile(`(?i)API_ID_INVALID`), Kind: fault.KindInvalidCredentialID},
		{Pattern: regexp.MustCompile(`(?i)API_HASH_INVALID|API_SECRET_INVALID`), Kind: fault.KindInvalidCredentialSecret},
		{Pattern: regexp.MustCompile(`(?i)CHAT_ADMIN_REQUIRED|CHAT_WRITE_FORBIDDEN|NOT_AUTHORIZED`), Kind: fault.KindNotAuthorizedInTarget},
		{Pattern: regexp.MustCompile(`(?i)AUTH_KEY_UNREGISTERED|SESSION_REVOKED|SESSION_EXPIRED`), Kind: fault.KindSessionExpired},
		{Pattern: regexp.MustCompile(`(?i)CHANNEL_INVALID|CHAT_ID_INVALID|COLLECTION_NOT_FOUND`), Kind: fault.KindCollectionNotFound},
		{Pattern: regexp.MustCompile(`(?i)USERS_TOO_MUCH|CHANNELS_TOO_MUCH`), Kind: fault.KindTransferFailed},
		{Pattern: regexp.MustCompile(`(?i)PROXY`), Kind: fault.KindProxyFailure},
	}
}
