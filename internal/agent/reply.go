package agent

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reply statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Reply is the payload every collaborator answers with.
type Reply struct {
	Status       string              `json:"status"`
	Data         jsoniter.RawMessage `json:"data,omitempty"`
	ErrorCode    ErrorCode           `json:"error_code,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Retryable    bool                `json:"retryable,omitempty"`
}

// Success wraps data in a success reply.
func Success(data any) (Reply, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal reply data: %w", err)
	}
	return Reply{Status: StatusSuccess, Data: raw}, nil
}

// Failure builds an error reply with the default retryability of code.
func Failure(code ErrorCode, message string) Reply {
	return Reply{
		Status:       StatusError,
		ErrorCode:    code,
		ErrorMessage: message,
		Retryable:    defaultRetryable(code),
	}
}

// Err converts an error reply to an *AgentError.
func (r Reply) Err(service string) error {
	if r.Status != StatusError {
		return nil
	}
	code := r.ErrorCode
	if code == "" {
		code = CodeUnavailable
	}
	return &AgentError{Code: code, Message: r.ErrorMessage, Service: service, Retryable: r.Retryable}
}
