package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxIDLength bounds conversation ids to what the stores' key columns hold.
const MaxIDLength = 64

// ErrInvalidID is returned by ValidateID.
var ErrInvalidID = errors.New("invalid conversation id")

// NewID returns a fresh conversation id.
func NewID() string {
	return uuid.NewString()
}

// ValidateID accepts non-empty ids of at most MaxIDLength characters drawn
// from letters, digits and "-_.:".
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidID, MaxIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidID, r)
		}
	}
	return nil
}
