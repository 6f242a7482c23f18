// Package guid canonicalizes project and topic identifiers and provides the
// dash-delimited list codec used by the persistence layer.
package guid

import "strings"

// Normalize lowercases raw and strips every character outside [a-z0-9].
// It is total: any input, including the empty string, yields a valid
// (possibly empty) canonical identifier.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeAll normalizes each element and drops entries that normalize to
// the empty string.
func NormalizeAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if g := Normalize(r); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// EncodeList renders guids in the stored form "-a-b-c-". An empty list
// encodes to the empty string, not "--".
func EncodeList(guids []string) string {
	if len(guids) == 0 {
		return ""
	}
	return "-" + strings.Join(guids, "-") + "-"
}

// DecodeList parses the stored "-a-b-c-" form back into an ordered list,
// dropping empty tokens. Tolerant of missing leading/trailing dashes.
func DecodeList(encoded string) []string {
	if encoded == "" {
		return nil
	}
	parts := strings.Split(encoded, "-")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Contains reports whether the stored form holds g as a whole token.
func Contains(encoded, g string) bool {
	if g == "" {
		return false
	}
	return strings.Contains(encoded, "-"+g+"-")
}
