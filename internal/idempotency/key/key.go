// Package key validates and normalizes client-supplied idempotency keys.
package key

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// MinLength is the shortest key the validator accepts.
	MinLength = 1
	// MaxLength is the longest key the validator accepts.
	MaxLength = 255
)

// ErrInvalid is the sentinel wrapped by every validation failure so callers
// can classify the error with errors.Is without matching message text.
var ErrInvalid = errors.New("invalid idempotency key")

var allowedPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// uuidShape matches the canonical 8-4-4-4-12 hex layout, case-insensitively,
// without requiring the hyphenated value to itself be a valid UUID version.
var uuidShape = regexp.MustCompile(`^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)

// Validate checks the syntactic rules from the idempotency key contract:
// non-empty, length in [MinLength, MaxLength], characters restricted to
// [A-Za-z0-9_.-], and — when UUID-shaped — a well-formed UUID.
// Surrounding whitespace is ignored, as in Normalize, so that
// Validate(Normalize(k)) and Validate(k) always agree.
func Validate(k string) error {
	k = strings.TrimSpace(k)
	if k == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalid)
	}
	if len(k) < MinLength || len(k) > MaxLength {
		return fmt.Errorf("%w: length %d outside [%d, %d]", ErrInvalid, len(k), MinLength, MaxLength)
	}
	if !allowedPattern.MatchString(k) {
		return fmt.Errorf("%w: contains disallowed characters", ErrInvalid)
	}
	if uuidShape.MatchString(k) {
		if _, err := uuid.Parse(k); err != nil {
			return fmt.Errorf("%w: uuid-shaped but invalid: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Normalize trims surrounding whitespace and lower-cases UUID-shaped keys.
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(k string) string {
	trimmed := strings.TrimSpace(k)
	if uuidShape.MatchString(trimmed) {
		return strings.ToLower(trimmed)
	}
	return trimmed
}

// Generate produces a fresh random UUID in canonical lower-case form.
func Generate() string {
	return uuid.NewString()
}
