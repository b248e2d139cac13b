package command

import (
	"errors"
	"fmt"

	"warfront/internal/app/ports"
	"warfront/internal/domain/entity"
)

var ErrRejected = errors.New("command rejected")

// RejectionError is a domain refusal: the command was evaluated correctly and
// redelivering it would refuse again.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "command rejected: " + e.Reason }

func (e *RejectionError) Is(target error) bool { return target == ErrRejected }

func Reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

type Class int

const (
	ClassOK Class = iota
	// ClassRejected is acknowledged with a result for the submitter.
	ClassRejected
	// ClassTransient is left pending so the group redelivers it.
	ClassTransient
	// ClassInvariant goes to the dead-letter stream.
	ClassInvariant
)

func (c Class) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRejected:
		return "rejected"
	case ClassTransient:
		return "transient"
	case ClassInvariant:
		return "invariant"
	}
	return "unknown"
}

func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassOK
	case errors.Is(err, ErrRejected),
		errors.Is(err, ErrInvalidCommand),
		errors.Is(err, ports.ErrNotFound),
		errors.Is(err, ports.ErrInsufficientResource),
		errors.Is(err, ports.ErrAlreadyFinalized):
		return ClassRejected
	case errors.Is(err, ports.ErrInvariant),
		errors.Is(err, ports.ErrNotReserved),
		errors.Is(err, entity.ErrBadValue),
		errors.Is(err, entity.ErrUnknownField):
		return ClassInvariant
	}
	return ClassTransient
}

// Reason is the text shown to the submitter for a rejection.
func Reason(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
