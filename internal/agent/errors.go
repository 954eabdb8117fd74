// Package agent calls the collaborating services over the bus with
// timeouts, bounded retry and a per-service circuit breaker.
package agent

import (
	"errors"
	"fmt"
)

// ErrorCode classifies agent failures.
type ErrorCode string

const (
	// Transient infrastructure failures
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
	CodeInvalidReply ErrorCode = "INVALID_REPLY"
	CodeCircuitOpen  ErrorCode = "CIRCUIT_OPEN"

	// Domain failures, never retried
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeOutOfStock     ErrorCode = "OUT_OF_STOCK"
	CodeHardwareError  ErrorCode = "HARDWARE_ERROR"
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// Payment failures, retried only through a new user action
	CodePaymentDeclined ErrorCode = "PAYMENT_DECLINED"
	CodePaymentTimeout  ErrorCode = "PAYMENT_TIMEOUT"
)

// AgentError is a structured failure of a collaborator call.
type AgentError struct {
	Code      ErrorCode `json:"error_code"`
	Message   string    `json:"error_message"`
	Service   string    `json:"service"`
	Retryable bool      `json:"retryable"`
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Service, e.Code, e.Message)
}

// ShouldAutoRetry reports whether the proxy may repeat the call on its own.
func (e *AgentError) ShouldAutoRetry() bool {
	switch e.Code {
	case CodeTimeout, CodeUnavailable:
		return e.Retryable
	default:
		return false
	}
}

// Transient reports whether the failure says something about the health of
// the service rather than about the request.
func (e *AgentError) Transient() bool {
	switch e.Code {
	case CodeTimeout, CodeUnavailable, CodeInvalidReply:
		return true
	default:
		return false
	}
}

// NewAgentError builds an error with the default retryability of code.
func NewAgentError(code ErrorCode, service, message string) *AgentError {
	return &AgentError{
		Code:      code,
		Message:   message,
		Service:   service,
		Retryable: defaultRetryable(code),
	}
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodePaymentDeclined, CodePaymentTimeout:
		return true
	default:
		return false
	}
}

// AsAgentError unwraps err into an *AgentError.
func AsAgentError(err error) (*AgentError, bool) {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsCode reports whether err is an AgentError with code.
func IsCode(err error, code ErrorCode) bool {
	ae, ok := AsAgentError(err)
	return ok && ae.Code == code
}

// IsDomain reports whether err is a failure the customer should see as
// "unavailable" rather than a silent fallback.
func IsDomain(err error) bool {
	ae, ok := AsAgentError(err)
	if !ok {
		return false
	}
	switch ae.Code {
	case CodeNotFound, CodeOutOfStock, CodeHardwareError:
		return true
	default:
		return false
	}
}
