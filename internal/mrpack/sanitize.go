package mrpack

import (
	"strings"
	"unicode"
)

// SanitizeName turns a pack name into a filesystem-safe folder name.
// Letters, digits and a small punctuation set survive; everything else
// becomes an underscore.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(" ._-()", r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	return strings.TrimSpace(b.String())
}
