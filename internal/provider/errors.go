package provider

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure. The retry loop switches on Kind, so
// whether a failure is retried is decided here rather than by error type.
type Kind int

const (
	// KindTerminal is a request the provider rejected (4xx other than
	// 401/403/429) or a response that could not be read. Never retried.
	KindTerminal Kind = iota
	// KindAuth is a missing, invalid or insufficient credential.
	KindAuth
	// KindRateLimitExceeded means the per-run request ceiling was hit.
	KindRateLimitExceeded
	// KindTransient is a timeout, connection failure, 429 or 5xx.
	KindTransient
	// KindRetriesExhausted is a transient failure that outlived MaxRetries.
	KindRetriesExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	case KindAuth:
		return "auth"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindTransient:
		return "transient"
	case KindRetriesExhausted:
		return "retries_exhausted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the retry loop may issue another attempt.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Sentinel errors matched with errors.Is against an *Error of the same kind.
var (
	ErrAuth              = errors.New("provider authentication failed")
	ErrRateLimitExceeded = errors.New("provider request ceiling exceeded")
	ErrTransient         = errors.New("transient provider error")
	ErrRetriesExhausted  = errors.New("provider retries exhausted")
	ErrTerminal          = errors.New("provider rejected request")
)

var kindSentinels = map[Kind]error{
	KindTerminal:          ErrTerminal,
	KindAuth:              ErrAuth,
	KindRateLimitExceeded: ErrRateLimitExceeded,
	KindTransient:         ErrTransient,
	KindRetriesExhausted:  ErrRetriesExhausted,
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int // 0 when no response was received
	Attempts   int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, kindSentinels[e.Kind])
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the Kind of err, or KindTerminal for unclassified errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTerminal
}

// IsRetryable returns true if the whole run can be retried later without
// operator action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, ErrTransient)
}

// IsUserActionRequired returns true if credentials must be fixed first.
func IsUserActionRequired(err error) bool {
	return errors.Is(err, ErrAuth)
}
