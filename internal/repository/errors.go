// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the RSVP
// service and handlers to distinguish between different failure scenarios
// without inspecting driver-specific errors.
package repository

import "errors"

// ErrSlotNotFound is returned when the referenced slot does not exist.
// Handlers translate this into an HTTP 404 response.
var ErrSlotNotFound = errors.New("slot not found")

// ErrAlreadyRegistered is returned when the caller already has a live
// (non-cancelled) registration for the slot.  Handlers translate this
// into an HTTP 409 response.
var ErrAlreadyRegistered = errors.New("already registered")

// ErrNotRegistered is returned when a cancellation targets a (slot, user)
// pair that has no ledger row at all.  Handlers translate this into an
// HTTP 404 response.
var ErrNotRegistered = errors.New("not registered")

// ErrForbidden is returned when the caller is not a member of the crew
// that owns the slot.  Handlers translate this into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when a transaction lost a race with a concurrent
// RSVP on the same slot and the internal retry did not resolve it.  The
// operation can be safely retried by the client; handlers translate this
// into an HTTP 503 response with a retry hint.
var ErrConflict = errors.New("conflict")
