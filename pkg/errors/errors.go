package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")

	// ErrBusy is returned by the call serializer when a call is in flight
	// and the admission policy rejects new work.
	ErrBusy = errors.New("modem busy")
	// ErrModemNotFound means no device/baud combination answered the probe.
	ErrModemNotFound = errors.New("gsm modem not detected")
	// ErrDevice marks serial I/O failures during a call attempt.
	ErrDevice = errors.New("modem device error")
)
