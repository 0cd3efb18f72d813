package resilience

import (
	"fmt"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
)

// RateLimitSwitchThreshold is the wait above which a rate-limited worker is
// also switched out.
const RateLimitSwitchThreshold = 300

// Handler decides on a classified error. ok is false when the handler does
// not apply.
type Handler interface {
	Handle(fe *fault.Error) (d fault.Decision, ok bool)
}

// Policy produces the decision for one error.
type Policy func(fe *fault.Error) fault.Decision

// KindHandler applies a policy to a fixed set of kinds.
type KindHandler struct {
	kinds  map[fault.Kind]struct{}
	policy Policy
}

// NewKindHandler creates a handler for the given kinds.
func NewKindHandler(policy Policy, kinds ...fault.Kind) *KindHandler {
	h := &KindHandler{kinds: make(map[fault.Kind]struct{}, len(kinds)), policy: policy}
	for _, k := range kinds {
		h.kinds[k] = struct{}{}
	}
	return h
}

func (h *KindHandler) Handle(fe *fault.Error) (fault.Decision, bool) {
	if _, ok := h.kinds[fe.Kind]; !ok {
		return fault.Decision{}, false
	}
	return h.policy(fe), true
}

// HandlerChain evaluates handlers in order; the first match wins and the
// fallback policy catches everything else.
type HandlerChain struct {
	handlers []Handler
	fallback Policy
}

// NewHandlerChain creates a chain with an explicit fallback.
func NewHandlerChain(fallback Policy, handlers ...Handler) *HandlerChain {
	return &HandlerChain{handlers: handlers, fallback: fallback}
}

// DefaultHandlerChain returns the chain implementing the standard policy
// table, optionally preceded by overriding handlers.
func DefaultHandlerChain(overrides ...Handler) *HandlerChain {
	handlers := append([]Handler(nil), overrides...)
	for _, kind := range fault.Kinds {
		if policy, ok := policyTable[kind]; ok {
			handlers = append(handlers, NewKindHandler(policy, kind))
		}
	}
	return NewHandlerChain(unknownPolicy, handlers...)
}

// Decide returns the decision for fe.
func (c *HandlerChain) Decide(fe *fault.Error) fault.Decision {
	for _, h := range c.handlers {
		if d, ok := h.Handle(fe); ok {
			return d
		}
	}
	return c.fallback(fe)
}

// policyTable is the fixed mapping from error kind to decision.
var policyTable = map[fault.Kind]Policy{
	fault.KindRateLimited: func(fe *fault.Error) fault.Decision {
		return fault.Decision{
			Retry:           true,
			SwitchWorker:    fe.WaitSeconds > RateLimitSwitchThreshold,
			Cooldown:        true,
			CooldownSeconds: fe.WaitSeconds,
			HumanMessage:    fmt.Sprintf("Rate limited by the platform, waiting %d seconds", fe.WaitSeconds),
		}
	},
	fault.KindPeerRateLimited: func(*fault.Error) fault.Decision {
		return fault.Decision{
			SwitchWorker:    true,
			Cooldown:        true,
			CooldownSeconds: 1800,
			HumanMessage:    "Worker is flagged for sending too many requests, switching worker",
		}
	},
	fault.KindPrivacyRestricted: func(*fault.Error) fault.Decision {
		return fault.Decision{HumanMessage: "Member privacy settings prevent the transfer, skipping"}
	},
	fault.KindCredentialBanned: func(*fault.Error) fault.Decision {
		return fault.Decision{SwitchWorker: true, HumanMessage: "Worker credential is banned, switching worker"}
	},
	fault.KindInvalidCredentialID: func(*fault.Error) fault.Decision {
		return fault.Decision{SwitchWorker: true, Abort: true, HumanMessage: "Invalid credential id, aborting"}
	},
	fault.KindInvalidCredentialSecret: func(*fault.Error) fault.Decision {
		return fault.Decision{SwitchWorker: true, Abort: true, HumanMessage: "Invalid credential secret, aborting"}
	},
	fault.KindNotAuthorizedInTarget: func(*fault.Error) fault.Decision {
		return fault.Decision{SwitchWorker: true, HumanMessage: "Worker lacks permission in the target, switching worker"}
	},
	fault.KindNetworkUnavailable: transientPolicy("Network unavailable, retrying"),
	fault.KindTimeout:            transientPolicy("Request timed out, retrying"),
	fault.KindProxyFailure:       transientPolicy("Proxy failure, retrying"),
	fault.KindSessionExpired: func(*fault.Error) fault.Decision {
		return fault.Decision{SwitchWorker: true, HumanMessage: "Worker session expired, switching worker"}
	},
	fault.KindWorkerNotFound:     switchPolicy("Worker not found, switching worker"),
	fault.KindWorkerLimitReached: switchPolicy("Worker reached its daily limit, switching worker"),
	fault.KindWorkerBlocked:      switchPolicy("Worker is blocked, switching worker"),
	fault.KindWorkerUnverified:   switchPolicy("Worker is not verified, switching worker"),
	fault.KindWorkerInCooldown: func(fe *fault.Error) fault.Decision {
		return fault.Decision{
			SwitchWorker:    true,
			Cooldown:        true,
			CooldownSeconds: fe.WaitSeconds,
			HumanMessage:    "Worker is cooling down, switching worker",
		}
	},
	fault.KindCollectionNotFound: func(*fault.Error) fault.Decision {
		return fault.Decision{Abort: true, HumanMessage: "Source or target collection not found, aborting"}
	},
	fault.KindExtractionFailed: func(*fault.Error) fault.Decision {
		return fault.Decision{Retry: true, Cooldown: true, CooldownSeconds: 60, HumanMessage: "Member extraction failed, retrying"}
	},
	fault.KindTransferFailed: func(*fault.Error) fault.Decision {
		return fault.Decision{Retry: true, Cooldown: true, CooldownSeconds: 60, HumanMessage: "Member transfer failed, retrying"}
	},
}

func unknownPolicy(fe *fault.Error) fault.Decision {
	return fault.Decision{Abort: true, HumanMessage: fmt.Sprintf("Unexpected error: %s", fe.Message)}
}

func transientPolicy(msg string) Policy {
	return func(*fault.Error) fault.Decision {
		return fault.Decision{Retry: true, Cooldown: true, CooldownSeconds: 30, HumanMessage: msg}
	}
}

func switchPolicy(msg string) Policy {
	return func(*fault.Error) fault.Decision {
		return fault.Decision{SwitchWorker: true, HumanMessage: msg}
	}
}
