package chat

import "strings"

// phoneLen is the number of trailing digits that identify a subscriber.
const phoneLen = 10

// NormalizePhone reduces a phone number to its canonical lookup form:
// strip every non-digit, keep the last ten digits, and require a valid
// mobile prefix (6-9). Returns "" when the input cannot be normalized,
// so callers can treat the result as an optional key.
func NormalizePhone(input string) string {
	var digits strings.Builder

	for _, r := range strings.TrimSpace(input) {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	d := digits.String()
	if len(d) < phoneLen {
		return ""
	}

	last := d[len(d)-phoneLen:]
	if last[0] < '6' || last[0] > '9' {
		return ""
	}

	return last
}

// SamePhone reports whether two raw phone numbers normalize to the same
// non-empty canonical form.
func SamePhone(a, b string) bool {
	na := NormalizePhone(a)

	return na != "" && na == NormalizePhone(b)
}
