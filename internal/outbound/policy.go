// Package outbound runs the overdue-reminder call campaign: it loads
// due subscribers, dials them sequentially through ARI, plays the
// reminder, and records the outcome.
package outbound

import (
	"fmt"
	"strconv"
	"strings"
)

// countryPrefix is prepended to validated national mobile numbers.
const countryPrefix = "57"

// DueByCutDay reports whether a subscriber with the given cut day is
// in today's dispatch window. The campaign calls the day before the
// cut and keeps the subscriber due for three days after it.
func DueByCutDay(day, cutDay int) bool {
	if cutDay < 1 || cutDay > 31 {
		return false
	}
	return (day == cutDay-1 || day >= cutDay) && cutDay >= day-3
}

// ParseCutDay parses the cut-day column, stored as text.
func ParseCutDay(s string) (int, error) {
	d, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parsing cut day %q: %w", s, err)
	}
	return d, nil
}

// NormalizePhone validates a national mobile number and returns it in
// dialable form. Valid numbers are exactly 10 digits starting with 3;
// separators are tolerated.
func NormalizePhone(raw string) (string, error) {
	var digits strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("phone %q contains invalid character %q", raw, r)
		}
	}
	p := digits.String()
	if len(p) != 10 {
		return "", fmt.Errorf("phone %q has %d digits, want 10", raw, len(p))
	}
	if p[0] != '3' {
		return "", fmt.Errorf("phone %q is not a mobile number", raw)
	}
	return countryPrefix + p, nil
}
