package util

import (
	"golang.org/x/text/unicode/norm"
)

// NormalizePassphrase applies NFKD normalization to a caller-supplied
// passphrase so that the wrapped form is stable across client platforms
// that produce different Unicode compositions.
func NormalizePassphrase(s string) string {
	return norm.NFKD.String(s)
}
