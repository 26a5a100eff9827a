package request

import "errors"

// Conversion errors wrapped inside INVALID_INPUT failures.
var (
	ErrNotANumber      = errors.New("not a number")
	ErrNotAnInteger    = errors.New("not an integer")
	ErrUnsupportedType = errors.New("unsupported value type")
)
