// Package errors defines the failure taxonomy shared by the escrow and
// factory modules. Every failure carries a stable code string that external
// callers can branch on and a kind describing how the caller should react.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind groups failure codes by the corrective action they require.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation marks caller-correctable input problems.
	KindValidation
	// KindAuthorization marks calls made by an identity lacking the role.
	KindAuthorization
	// KindState marks stale or duplicate requests; callers re-query first.
	KindState
	// KindTransfer marks a failed value movement. The whole call is unwound.
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Error is a coded failure. Two errors match under errors.Is when their codes
// are equal, regardless of the wrapped cause.
type Error struct {
	Code string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements code-based matching for errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !stderrors.As(target, &other) || other == nil {
		return false
	}
	return e.Code == other.Code
}

// Wrap attaches a cause to a coded failure without changing its identity.
func Wrap(base *Error, cause error) error {
	if base == nil {
		return cause
	}
	return &Error{Code: base.Code, Kind: base.Kind, Err: cause}
}

// CodeOf extracts the stable code of err, or "" when err is not coded.
func CodeOf(err error) string {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// KindOf extracts the kind of err, or KindUnknown when err is not coded.
func KindOf(err error) Kind {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Kind
	}
	return KindUnknown
}

func validation(code string) *Error    { return &Error{Code: code, Kind: KindValidation} }
func authorization(code string) *Error { return &Error{Code: code, Kind: KindAuthorization} }
func state(code string) *Error         { return &Error{Code: code, Kind: KindState} }
func transfer(code string) *Error      { return &Error{Code: code, Kind: KindTransfer} }

var (
	ErrInvalidAmount         = validation("InvalidAmount")
	ErrDeadlineInPast        = validation("DeadlineInPast")
	ErrDeadlinePassed        = validation("DeadlinePassed")
	ErrDeadlineNotReached    = validation("DeadlineNotReached")
	ErrZeroCreator           = validation("ZeroCreator")
	ErrZeroFactory           = validation("ZeroFactory")
	ErrZeroAddress           = validation("ZeroAddress")
	ErrFeeTooHigh            = validation("FeeTooHigh")
	ErrValueMismatch         = validation("ValueMismatch")
	ErrUnexpectedValue       = validation("UnexpectedValue")
	ErrStakeMismatch         = validation("StakeMismatch")
	ErrUnexpectedNativeValue = validation("UnexpectedNativeValue")
	ErrInvalidWinner         = validation("InvalidWinner")
	ErrCallerCannotBeWinner  = validation("CallerCannotBeWinner")
	ErrUnknownBet            = validation("UnknownBet")

	ErrInvalidJoiner  = authorization("InvalidJoiner")
	ErrNotParticipant = authorization("NotParticipant")
	ErrOnlyCreator    = authorization("OnlyCreator")
	ErrNotOwner       = authorization("NotOwner")

	ErrNotOpen       = state("NotOpen")
	ErrNotActive     = state("NotActive")
	ErrNotRefundable = state("NotRefundable")
	ErrReentrancy    = state("Reentrancy")

	ErrPayoutFailed      = transfer("PayoutFailed")
	ErrFeeTransferFailed = transfer("FeeTransferFailed")
	ErrRefundFailed      = transfer("RefundFailed")
	ErrFundingFailed     = transfer("FundingFailed")
)
