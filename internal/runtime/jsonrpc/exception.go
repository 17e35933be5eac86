package jsonrpc

import (
	"errors"
	"fmt"
	"maps"

	"github.com/drblury/rpcmesh/internal/runtime/jsoncodec"
)

const (
	defaultExceptionService = "unknown"
	defaultExceptionMessage = "Undefined error."
)

// ExceptionProps are the constructor arguments of an Exception.
type ExceptionProps struct {
	Code    int
	Status  int
	Service string
	Message string
	Payload map[string]any
	Stack   string
}

// Exception is the typed error carried in a Response. Values are immutable;
// use Props to derive a modified copy.
type Exception struct {
	code    int
	status  int
	service string
	message string
	payload map[string]any
	stack   string
}

type exceptionWire struct {
	Code    int            `json:"code"`
	Status  int            `json:"status"`
	Service string         `json:"service"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewException builds an Exception, defaulting the service to "unknown" and
// the message to "Undefined error.".
func NewException(props ExceptionProps) *Exception {
	e := &Exception{
		code:    props.Code,
		status:  props.Status,
		service: props.Service,
		message: props.Message,
		payload: maps.Clone(props.Payload),
		stack:   props.Stack,
	}
	if e.service == "" {
		e.service = defaultExceptionService
	}
	if e.message == "" {
		e.message = defaultExceptionMessage
	}
	return e
}

func (e *Exception) Code() int       { return e.code }
func (e *Exception) Status() int     { return e.status }
func (e *Exception) Service() string { return e.service }
func (e *Exception) Message() string { return e.message }
func (e *Exception) Stack() string   { return e.stack }

// Payload returns a copy of the structured payload, or nil.
func (e *Exception) Payload() map[string]any { return maps.Clone(e.payload) }

// Props returns the constructor arguments that reproduce e.
func (e *Exception) Props() ExceptionProps {
	return ExceptionProps{
		Code:    e.code,
		Status:  e.status,
		Service: e.service,
		Message: e.message,
		Payload: maps.Clone(e.payload),
		Stack:   e.stack,
	}
}

// Error implements error with the same summary as String.
func (e *Exception) Error() string { return e.String() }

// String is the fixed human readable summary used in logs.
func (e *Exception) String() string {
	return fmt.Sprintf("Error: %s. Service: %s. Code: %d. Status: %d.", e.message, e.service, e.code, e.status)
}

// ToJSON projects the exception into its wire form. The stack never leaves
// the process.
func (e *Exception) ToJSON() map[string]any {
	out := map[string]any{
		"code":    e.code,
		"status":  e.status,
		"service": e.service,
		"message": e.message,
	}
	if e.payload != nil {
		out["payload"] = maps.Clone(e.payload)
	}
	return out
}

func (e *Exception) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(exceptionWire{
		Code:    e.code,
		Status:  e.status,
		Service: e.service,
		Message: e.message,
		Payload: e.payload,
	})
}

func (e *Exception) UnmarshalJSON(data []byte) error {
	var w exceptionWire
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = *NewException(ExceptionProps{
		Code:    w.Code,
		Status:  w.Status,
		Service: w.Service,
		Message: w.Message,
		Payload: w.Payload,
	})
	return nil
}

// AsException reports whether err is, or wraps, an *Exception.
func AsException(err error) (*Exception, bool) {
	var ex *Exception
	if errors.As(err, &ex) {
		return ex, true
	}
	return nil, false
}
