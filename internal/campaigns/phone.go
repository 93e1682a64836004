package campaigns

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

const localDigits = 10

var nonDigits = regexp.MustCompile(`[^0-9]`)

// PhoneNormalizer maps arbitrary textual phone representations to the
// canonical dialable form for one country: country code followed by ten
// local digits. It is pure and deterministic.
type PhoneNormalizer struct {
	countryCode string
	trunkPrefix string
}

// NewPhoneNormalizer creates a normalizer for the given country code and
// trunk prefix (the leading digit of domestic-format numbers, e.g. "0").
func NewPhoneNormalizer(countryCode, trunkPrefix string) *PhoneNormalizer {
	return &PhoneNormalizer{countryCode: countryCode, trunkPrefix: trunkPrefix}
}

// targetLength is the canonical number length: country code + local digits.
func (n *PhoneNormalizer) targetLength() int {
	return len(n.countryCode) + localDigits
}

// Normalize returns the canonical form of raw, or an error when no rule
// produces a valid number. The output is always either canonical or
// rejected, never partially normalized.
//
// Spreadsheet exports frequently mangle phone columns into scientific
// notation ("2.34815E+12"); those are parsed back to integer digits first.
func (n *PhoneNormalizer) Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidPhone
	}

	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return "", fmt.Errorf("%w: unparseable exponent form %q", ErrInvalidPhone, raw)
		}
		s = strconv.FormatFloat(f, 'f', 0, 64)
	}

	digits := nonDigits.ReplaceAllString(s, "")
	if digits == "" {
		return "", ErrInvalidPhone
	}

	target := n.targetLength()
	localWithTrunk := len(n.trunkPrefix) + localDigits

	var out string
	switch {
	case strings.HasPrefix(digits, n.countryCode) && len(digits) == target:
		out = digits
	case strings.HasPrefix(digits, n.countryCode) && len(digits) > target:
		// Lossy repair of concatenation artifacts from spreadsheet tools.
		out = digits[:target]
		slog.Debug("truncated overlong phone number", "raw", raw, "normalized", out)
	case strings.HasPrefix(digits, n.trunkPrefix) && len(digits) == localWithTrunk:
		out = n.countryCode + digits[len(n.trunkPrefix):]
	case len(digits) == localDigits:
		out = n.countryCode + digits
	case len(digits) == localDigits-1:
		// Missing both the trunk digit and a leading local digit; the
		// trunk digit is the only consistent reconstruction.
		out = n.countryCode + n.trunkPrefix + digits
	default:
		return "", fmt.Errorf("%w: unsupported length %d", ErrInvalidPhone, len(digits))
	}

	if len(out) != target || nonDigits.MatchString(out) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return out, nil
}
