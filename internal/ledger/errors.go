package ledger

import (
	"errors"
)

var (
	// ErrNotAdmin is returned when a privileged operation is called by anyone but the admin
	ErrNotAdmin = errors.New("caller is not the admin")

	// ErrNotOwner is returned when a caller touches a stake it does not own
	ErrNotOwner = errors.New("caller does not own the stake")

	// ErrBelowMinimum is returned when a stake amount is below one whole token
	ErrBelowMinimum = errors.New("amount below minimum stake")

	// ErrUnknownPeriod is returned when a period is not in the period table
	ErrUnknownPeriod = errors.New("unknown period")

	// ErrOutOfRange is returned for a penalty rate outside 0..100
	ErrOutOfRange = errors.New("value out of range")

	// ErrInvalidIndex is returned when a stake index does not exist
	ErrInvalidIndex = errors.New("invalid stake index")

	// ErrAlreadyClosed is returned when removing a stake that was already removed
	ErrAlreadyClosed = errors.New("stake already closed")

	// ErrOverflow is returned when an amount would overflow the ledger totals
	ErrOverflow = errors.New("arithmetic overflow")

	// ErrEmptyPot is returned when there is nothing to distribute
	ErrEmptyPot = errors.New("pot is empty")

	// ErrNoStakers is returned when distributing without any open stake
	ErrNoStakers = errors.New("no open stakes")

	// ErrTransferRejected is returned when the bank refused to move funds into the ledger
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrTransferFault is returned when the bank failed to pay out or report a balance
	ErrTransferFault = errors.New("transfer fault")

	// ErrCorrupt is returned when restored or verified state breaks the ledger invariants
	ErrCorrupt = errors.New("ledger state inconsistent")
)

// Class groups ledger errors by how a caller should react to them
type Class int

// Error classes
const (
	ClassNone          Class = iota
	ClassAuthorization       // caller lacks the right
	ClassValidation          // arguments rejected, nothing changed
	ClassResource            // operation precondition unmet, nothing changed
	ClassCollaborator        // token service failed, operation aborted
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAuthorization:
		return "authorization"
	case ClassValidation:
		return "validation"
	case ClassResource:
		return "resource"
	case ClassCollaborator:
		return "collaborator"
	default:
		return "internal"
	}
}

// ClassOf classifies err
func ClassOf(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrNotAdmin), errors.Is(err, ErrNotOwner):
		return ClassAuthorization
	case errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrUnknownPeriod),
		errors.Is(err, ErrOutOfRange), errors.Is(err, ErrInvalidIndex),
		errors.Is(err, ErrAlreadyClosed), errors.Is(err, ErrOverflow):
		return ClassValidation
	case errors.Is(err, ErrEmptyPot), errors.Is(err, ErrNoStakers):
		return ClassResource
	case errors.Is(err, ErrTransferRejected), errors.Is(err, ErrTransferFault):
		return ClassCollaborator
	default:
		return ClassInternal
	}
}
