package common

import "errors"

// Kind classifies a failed operation. Every kind is terminal for the call.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindArithmetic
	KindOracle
	KindSolvency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindArithmetic:
		return "arithmetic"
	case KindOracle:
		return "oracle"
	case KindSolvency:
		return "solvency"
	default:
		return "unknown"
	}
}

// Category sentinels. errors.Is(err, ErrSolvency) holds for every solvency
// failure regardless of its code.
var (
	ErrValidation = errors.New("validation error")
	ErrArithmetic = errors.New("arithmetic error")
	ErrOracle     = errors.New("oracle error")
	ErrSolvency   = errors.New("solvency error")
)

// Error is a classified protocol failure with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

// NewError declares a classified error. Intended for package-level vars.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches the category sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrArithmetic:
		return e.Kind == KindArithmetic
	case ErrOracle:
		return e.Kind == KindOracle
	case ErrSolvency:
		return e.Kind == KindSolvency
	}
	return false
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code of the first classified error in err's chain.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return ""
}

// Shared failures used by more than one native module.
var (
	ErrProtocolLocked = NewError(KindValidation, "ProtocolLocked", "protocol is locked")
	ErrMathOverflow   = NewError(KindArithmetic, "MathOverflow", "math overflow")
	ErrMathUnderflow  = NewError(KindArithmetic, "MathUnderflow", "math underflow")
)
