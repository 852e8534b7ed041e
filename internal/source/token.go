package source

import (
	"strconv"
	"strings"
)

// CompareTokens orders two platform tokens. Tokens are decimal strings with
// an optional fractional part: Slack timestamps look like "1724830000.000300",
// Discord snowflakes are plain integers. Returns -1, 0, or 1. An empty token
// sorts before everything (it stands for "beginning of time").
func CompareTokens(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}

	aInt, aFrac := splitToken(a)
	bInt, bFrac := splitToken(b)

	ai, aErr := strconv.ParseUint(aInt, 10, 64)
	bi, bErr := strconv.ParseUint(bInt, 10, 64)
	if aErr != nil || bErr != nil {
		// Malformed tokens fall back to lexical order so sorting stays total.
		return strings.Compare(a, b)
	}
	if ai != bi {
		if ai < bi {
			return -1
		}
		return 1
	}

	// Same integer part: right-pad fractions to equal width and compare.
	width := max(len(aFrac), len(bFrac))
	aFrac += strings.Repeat("0", width-len(aFrac))
	bFrac += strings.Repeat("0", width-len(bFrac))
	return strings.Compare(aFrac, bFrac)
}

// MaxToken returns the later of two tokens.
func MaxToken(a, b string) string {
	if CompareTokens(a, b) >= 0 {
		return a
	}
	return b
}

func splitToken(tok string) (intPart, fracPart string) {
	if i := strings.IndexByte(tok, '.'); i >= 0 {
		return tok[:i], tok[i+1:]
	}
	return tok, ""
}
