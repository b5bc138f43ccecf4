// Package pagination normalizes listing parameters.
package pagination

import (
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
)

// LimitConfig configures page size normalization.
type LimitConfig struct {
	Default int
	Max     int
}

// ClampLimit applies defaults and limits for page sizes.
func ClampLimit(value int, cfg LimitConfig) int {
	limit := value
	if limit <= 0 {
		limit = cfg.Default
	}
	if cfg.Max > 0 && limit > cfg.Max {
		limit = cfg.Max
	}
	if limit <= 0 {
		limit = 1
	}
	return limit
}

// ParseLimit reads a limit query value. An empty value selects the default.
func ParseLimit(raw string, cfg LimitConfig) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ClampLimit(0, cfg), nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "limit must be a non-negative integer")
	}
	return ClampLimit(value, cfg), nil
}
