package opm

import "errors"

var (
	// ErrShapeMismatch is returned when the operands disagree on rank, reduction
	// length or batch prefix.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrEmptyTensor is returned when an operand has a zero-sized dimension.
	ErrEmptyTensor = errors.New("empty tensor")
	// ErrDTypeMismatch is returned when the operands have different dtypes.
	ErrDTypeMismatch = errors.New("dtype mismatch")
	// ErrInvalidConfig is returned for unusable tile or group sizes.
	ErrInvalidConfig = errors.New("invalid kernel config")
)
