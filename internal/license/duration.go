package license

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidDuration is returned for duration strings matching none of
// the accepted forms
var ErrInvalidDuration = errors.New("invalid duration format")

// durationPattern accepts optional year, month, day and hour
// components, each a non-negative integer followed by its unit letter,
// in that fixed order. "1y", "6m", "1y6m", "30d12h" are all valid.
var durationPattern = regexp.MustCompile(`^(?:(\d+)y)?(?:(\d+)m)?(?:(\d+)d)?(?:(\d+)h)?$`)

// ParseDuration converts a duration string to a whole number of days.
// "permanent", "never" and "0" mean the key never expires, returned as
// 0 days. Hours truncate into the day total, so a parse can legally
// come out at 0 days, which is treated the same as permanent.
func ParseDuration(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	switch s {
	case "permanent", "never", "0":
		return 0, nil
	}

	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, ErrInvalidDuration
	}

	years := atoiDefault(m[1])
	months := atoiDefault(m[2])
	days := atoiDefault(m[3])
	hours := atoiDefault(m[4])

	return years*365 + months*30 + days + hours/24, nil
}

func atoiDefault(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
