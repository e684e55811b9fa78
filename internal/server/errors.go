package server

import (
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindAuth        ErrorKind = "auth_error"
	KindValidation  ErrorKind = "validation_error"
	KindRouting     ErrorKind = "routing_error"
	KindSendFailed  ErrorKind = "send_failed"
	KindDelivery    ErrorKind = "delivery_error"
	KindPersistence ErrorKind = "persistence_error"
)

// Codes carried by auth_error frames.
const (
	AuthCodeRequired          = "auth_required"
	AuthCodeInvalidFrame      = "invalid_frame"
	AuthCodeInvalidCredential = "invalid_credential"
	AuthCodeTimeout           = "auth_timeout"
	AuthCodeUnavailable       = "unavailable"
)

// ProtocolError is returned to the client in a response frame. ResponseCode
// follows HTTP status semantics.
type ProtocolError struct {
	Kind         ErrorKind
	ResponseCode int
	Message      string
	Err          error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func NewAuthError(code string, err error) *ProtocolError {
	return &ProtocolError{
		Kind:         KindAuth,
		ResponseCode: http.StatusUnauthorized,
		Message:      code,
		Err:          err,
	}
}

func NewValidationError(msg string, err error) *ProtocolError {
	return &ProtocolError{
		Kind:         KindValidation,
		ResponseCode: http.StatusBadRequest,
		Message:      msg,
		Err:          err,
	}
}

func NewRoutingError(msg string, err error) *ProtocolError {
	return &ProtocolError{
		Kind:         KindRouting,
		ResponseCode: http.StatusNotFound,
		Message:      msg,
		Err:          err,
	}
}

func NewSendFailedError(err error) *ProtocolError {
	return &ProtocolError{
		Kind:         KindSendFailed,
		ResponseCode: http.StatusServiceUnavailable,
		Message:      "message could not be stored",
		Err:          err,
	}
}

func NewPersistenceError(err error) *ProtocolError {
	return &ProtocolError{
		Kind:         KindPersistence,
		ResponseCode: http.StatusServiceUnavailable,
		Message:      "service unavailable",
		Err:          err,
	}
}

func NewDeliveryError(sessionId string) *ProtocolError {
	return &ProtocolError{
		Kind:         KindDelivery,
		ResponseCode: http.StatusServiceUnavailable,
		Message:      fmt.Sprintf("send queue full for session %q", sessionId),
	}
}
