package event

import "errors"

// ErrInvalidValue is returned when a custom_data value is not an amount.
var ErrInvalidValue = errors.New("invalid monetary value")
