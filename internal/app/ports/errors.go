package ports

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	ErrInsufficientResource = errors.New("insufficient resource")
	ErrNotReserved          = errors.New("no reservation for battle")
	ErrAlreadyFinalized     = errors.New("reservation already finalized")
	// ErrInvariant marks a state the code should never reach, such as a version going backward.
	ErrInvariant = errors.New("invariant violated")
	ErrBusy      = errors.New("resource busy")
	// ErrStepApplied refuses a write whose command step was already committed.
	ErrStepApplied = errors.New("command step already applied")
)
