package provider

import "strings"

// SanitizeSurrogates replaces lone UTF-16 surrogates with U+FFFD so outgoing
// text never trips a provider's wire-level validation. A lone surrogate can
// only reach a Go string as an invalid UTF-8 byte sequence, so every run of
// invalid UTF-8 bytes is replaced by a single U+FFFD.
func SanitizeSurrogates(s string) string {
	return strings.ToValidUTF8(s, "�")
}
