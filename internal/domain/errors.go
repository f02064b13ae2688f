package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Admission and dispatch.
	ErrSlotOccupied       = errors.New("admission slot occupied")
	ErrVenueNotRegistered = errors.New("no worker registered for venue")
	ErrDuplicateVenue     = errors.New("more than one leg for venue")
	ErrRegistrySealed     = errors.New("worker registry is sealed")
	ErrInvalidOpportunity = errors.New("invalid opportunity")

	// Leg execution.
	ErrRendezvousTimeout   = errors.New("rendezvous partner timed out")
	ErrRendezvousCancelled = errors.New("rendezvous cancelled")
	ErrExecutionFailed     = errors.New("leg execution failed")
	ErrConsistencyAnomaly  = errors.New("rendezvous consistency anomaly")
	ErrInvalidTransition   = errors.New("invalid leg status transition")
)
