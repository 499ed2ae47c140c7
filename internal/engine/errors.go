package engine

import (
	"errors"
	"fmt"
)

// ErrMissingStateAccessor fails a dispatch call made while no state
// accessor is set. No handler or observer runs.
var ErrMissingStateAccessor = errors.New("engine: no state accessor set")

// ErrContractViolation is the sentinel wrapped by every ContractError.
var ErrContractViolation = errors.New("engine: contract violation")

// ContractError reports a malformed task or handler. It fails the current
// dispatch call only.
type ContractError struct {
	// Index is the position of the offending task in the dispatch call.
	Index int

	// Task is the label of the offending task ("inline" for inline handlers).
	Task string

	// Handler names the registered handler, if one was at fault.
	Handler string

	Message string
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	if e.Handler != "" {
		return fmt.Sprintf("%s: %s (task %d %q, handler %q)",
			ErrContractViolation, e.Message, e.Index, e.Task, e.Handler)
	}
	return fmt.Sprintf("%s: %s (task %d %q)", ErrContractViolation, e.Message, e.Index, e.Task)
}

func (e *ContractError) Unwrap() error {
	return ErrContractViolation
}

// IsContractError returns true if err is a contract violation.
// Uses errors.As to handle wrapped errors.
func IsContractError(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}

// IsMissingAccessor returns true if err reports a missing state accessor.
func IsMissingAccessor(err error) bool {
	return errors.Is(err, ErrMissingStateAccessor)
}
