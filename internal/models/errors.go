package models

import "errors"

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNoRouteAvailable  = errors.New("no route available")
	ErrAlreadyFinal      = errors.New("order already final")
	ErrHashMismatch      = errors.New("hash mismatch")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
)
