// Package id generates and validates the identifiers used across gamekeep.
package id

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var uuid4Pattern = regexp.MustCompile(`(?i)^[a-f0-9]{8}-?[a-f0-9]{4}-?4[a-f0-9]{3}-?[89ab][a-f0-9]{3}-?[a-f0-9]{12}$`)

// NewUUID returns a random version 4 UUID in canonical lowercase form.
func NewUUID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return value.String(), nil
}

// IsUUIDv4 reports whether value is a version 4 UUID, with or without hyphens.
func IsUUIDv4(value string) bool {
	return uuid4Pattern.MatchString(strings.TrimSpace(value))
}
