package domain

import "errors"

// Pipeline error kinds. Wrap with fmt.Errorf("...: %w", Err...) and test with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrBackpressure   = errors.New("backpressure: queue full")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrModelInference = errors.New("model inference failed")
	ErrDelivery       = errors.New("alert delivery failed")
	ErrUpstreamSync   = errors.New("upstream sync failed")
	ErrDuplicate      = errors.New("duplicate transaction")
	ErrNotFound       = errors.New("record not found")
)
