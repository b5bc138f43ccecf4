package record

import "regexp"

const (
	minPrimaryIdentifierChars = 1
	maxPrimaryIdentifierChars = 512
)

var (
	primaryIdentifierPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	base64Pattern            = regexp.MustCompile(`^([A-Za-z0-9+/]{4})*([A-Za-z0-9+/]{3}=|[A-Za-z0-9+/]{2}==)?$`)
)

// IsValidPrimaryIdentifier reports whether identifier is safe to use unencoded
// in paths, table keys, and object keys: 1 to 512 characters drawn from
// letters, digits, dash, underscore, and period.
func IsValidPrimaryIdentifier(identifier string) bool {
	if len(identifier) < minPrimaryIdentifierChars || len(identifier) > maxPrimaryIdentifierChars {
		return false
	}
	return primaryIdentifierPattern.MatchString(identifier)
}

// IsValidBase64 reports whether value is padded standard base64.
func IsValidBase64(value string) bool {
	return base64Pattern.MatchString(value)
}
