package model

import (
	"errors"
	"fmt"
)

// Reason classifies why a unit could not be reached.
type Reason string

const (
	ReasonTimeout            Reason = "timeout"
	ReasonUnreachable        Reason = "unreachable"
	ReasonNetworkUnreachable Reason = "network-unreachable"
	ReasonConnectionReset    Reason = "connection-reset"
	ReasonInvalidResponse    Reason = "invalid-response"
	ReasonReplaced           Reason = "replaced"
	ReasonUnknown            Reason = "unknown"
)

func (r Reason) String() string {
	return string(r)
}

// Message is the human readable offline reason surfaced to adapters.
func (r Reason) Message() string {
	switch r {
	case ReasonTimeout:
		return "Timeout reaching unit"
	case ReasonUnreachable:
		return "Unit unreachable"
	case ReasonNetworkUnreachable:
		return "Network unreachable"
	case ReasonConnectionReset:
		return "Connection reset by unit"
	case ReasonInvalidResponse:
		return "Invalid response from unit"
	case ReasonReplaced:
		return "Host answers as another unit"
	default:
		return "Unknown error reaching unit"
	}
}

// ConnectivityError wraps a transport failure talking to a unit.
type ConnectivityError struct {
	Reason Reason
	Err    error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return e.Reason.Message()
	}
	return fmt.Sprintf("%s: %v", e.Reason.Message(), e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// ProtocolError is a well transported but malformed payload: bad status
// JSON, a status document without uptime or a corrupt P1 telegram.
type ProtocolError struct {
	Op  string
	Raw string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

var (
	ErrDuplicateIDX    = errors.New("duplicate controller idx")
	ErrTaskNotFound    = errors.New("task not found for controller idx")
	ErrUnknownTaskType = errors.New("task type unknown")
	ErrInvalidValue    = errors.New("invalid value")
)

// ResolutionError reports that a controller binding could not be mapped
// to exactly one task. Kind is one of the Err* sentinels above.
type ResolutionError struct {
	Kind       error
	Controller string
	IDX        int
	TaskType   string
}

func (e *ResolutionError) Error() string {
	if e.TaskType != "" {
		return fmt.Sprintf("%v: controller %s idx %d (%s)", e.Kind, e.Controller, e.IDX, e.TaskType)
	}
	return fmt.Sprintf("%v: controller %s idx %d", e.Kind, e.Controller, e.IDX)
}

func (e *ResolutionError) Unwrap() error {
	return e.Kind
}

// ConfigurationError is a user or firmware setup problem that retrying
// will not fix.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return e.Msg
}

var ErrNoOnlineUnits = &ConfigurationError{Msg: "no online units available"}

var (
	// ErrInvalidEvent rejects a push that misses required fields.
	ErrInvalidEvent = errors.New("invalid event")
	ErrUnknownUnit  = errors.New("unknown unit")
)
