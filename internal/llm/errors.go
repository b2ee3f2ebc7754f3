package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTransport wraps failures reaching the provider (network, timeout,
// server errors). The loop controller renders the apology reply for these
// instead of surfacing technical detail.
var ErrTransport = errors.New("llm: transport failure")

// Reason categorizes a provider failure for retry decisions and for
// picking the user-facing message.
type Reason string

const (
	ReasonRateLimit   Reason = "rate_limit"
	ReasonAuth        Reason = "auth"
	ReasonQuota       Reason = "quota"
	ReasonTimeout     Reason = "timeout"
	ReasonServerError Reason = "server_error"
	ReasonUnknown     Reason = "unknown"
)

// IsRetryable reports whether a retry may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured provider failure.
type ProviderError struct {
	Provider string
	Reason   Reason
	Status   int
	Cause    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Reason, e.Status, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Is makes every provider error match ErrTransport so callers can treat
// the whole class uniformly at the loop boundary.
func (e *ProviderError) Is(target error) bool { return target == ErrTransport }

// Classify maps an arbitrary provider error onto a Reason. String matching
// is a fallback for SDK errors that do not expose status codes.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"), strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "quota"), strings.Contains(msg, "billing"):
		return ReasonQuota
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "api key"):
		return ReasonAuth
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ReasonTimeout
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "overloaded"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// HumanMessage maps a provider failure onto a reply a user can act on.
// Technical detail stays in the logs.
func HumanMessage(err error) string {
	switch Classify(err) {
	case ReasonRateLimit:
		return "The AI service is currently busy. Please try again in a moment."
	case ReasonAuth:
		return "There was an authentication issue with the AI service."
	case ReasonQuota:
		return "The AI service quota has been exceeded. Please contact support."
	default:
		return "There was an issue communicating with the AI service. Please try again."
	}
}

func classifyStatus(status int) Reason {
	switch {
	case status == 429:
		return ReasonRateLimit
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 402:
		return ReasonQuota
	case status == 408:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
