package domain

import (
	"fmt"
	"regexp"
)

// resourceIDPattern keeps resource ids usable as a single message subject token.
var resourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateResourceID checks that id is 1-128 characters of [A-Za-z0-9_-].
func ValidateResourceID(id string) error {
	if id == "" {
		return fmt.Errorf("resource_id is required: %w", ErrValidation)
	}
	if !resourceIDPattern.MatchString(id) {
		return fmt.Errorf("resource_id %q must be 1-128 characters of [A-Za-z0-9_-]: %w", id, ErrValidation)
	}
	return nil
}
