package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrSessionBusy is returned when a turn is submitted while another is in flight.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionNotFound is returned for ids with no registry entry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID is returned for ids that are not canonical UUIDs.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrRegistryClosed is returned after Shutdown.
	ErrRegistryClosed = errors.New("session registry closed")
)

// ValidateID accepts only the canonical 36-character UUID form. It runs
// before any registry lookup.
func ValidateID(id string) error {
	if len(id) != 36 {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != strings.ToLower(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}
