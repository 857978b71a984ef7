package policy

import (
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// leetFold maps common substitution characters back to the letters they
// stand in for, so "1gn0re" folds to "ignore" before matching.
var leetFold = strings.NewReplacer(
	"@", "a",
	"$", "s",
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"!", "i",
	"|", "i",
)

var (
	zeroWidthRe    = regexp.MustCompile(`[\x{200B}-\x{200F}\x{2060}\x{FEFF}]`)
	encodedTokenRe = regexp.MustCompile(`[A-Za-z0-9+/=]{12,}|[0-9a-fA-F]{12,}`)
	base64TokenRe  = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
	hexTokenRe     = regexp.MustCompile(`^[0-9a-f]+$`)
	spacedRunRe    = regexp.MustCompile(`\b(?:[a-z]\s+){2,}[a-z]\b`)
	alphaTokenRe   = regexp.MustCompile(`[a-zA-Z][a-zA-Z'-]*`)
)

const (
	minEncodedLen = 12
	maxEncodedLen = 512
	minDecodedLen = 6
)

// foldText trims the input, applies Unicode NFKC normalization, strips
// zero-width characters, and folds leetspeak substitutions.
func foldText(text string) string {
	t := norm.NFKC.String(strings.TrimSpace(text))
	t = zeroWidthRe.ReplaceAllString(t, "")
	return leetFold.Replace(t)
}

// expandEncoded appends the decoded form of any base64 or hex looking
// token to the text, so patterns also match smuggled payloads.
func expandEncoded(text string) string {
	var decoded []string
	for _, token := range encodedTokenRe.FindAllString(text, -1) {
		if out := decodeBase64(token); out != "" {
			decoded = append(decoded, out)
		}
		if out := decodeHex(token); out != "" {
			decoded = append(decoded, out)
		}
	}
	if len(decoded) == 0 {
		return text
	}
	return text + "\n" + strings.Join(decoded, "\n")
}

func decodeBase64(token string) string {
	t := strings.TrimSpace(token)
	if len(t) < minEncodedLen || len(t) > maxEncodedLen || !base64TokenRe.MatchString(t) {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(t)
	if err != nil {
		return ""
	}
	out := strings.ToValidUTF8(string(raw), "")
	if utf8.RuneCountInString(strings.TrimSpace(out)) < minDecodedLen {
		return ""
	}
	return out
}

func decodeHex(token string) string {
	t := strings.ToLower(strings.TrimSpace(token))
	if len(t) < minEncodedLen || len(t) > maxEncodedLen || len(t)%2 != 0 {
		return ""
	}
	if !hexTokenRe.MatchString(t) {
		return ""
	}
	raw, err := hex.DecodeString(t)
	if err != nil {
		return ""
	}
	out := strings.ToValidUTF8(string(raw), "")
	if utf8.RuneCountInString(strings.TrimSpace(out)) < minDecodedLen {
		return ""
	}
	return out
}

// compactSpacedRuns rejoins runs of whitespace-separated single letters,
// turning "i g n o r e" into "ignore".
func compactSpacedRuns(text string) string {
	return spacedRunRe.ReplaceAllStringFunc(text, func(m string) string {
		return strings.ReplaceAll(m, " ", "")
	})
}

// normalizeText runs the full de-obfuscation pipeline and returns the
// lowered text used for pattern matching.
func normalizeText(text string) string {
	expanded := expandEncoded(foldText(text))
	return compactSpacedRuns(strings.ToLower(expanded))
}

// normalizeTokens returns normalizeText's output together with its
// alphabetic tokens for fuzzy term matching.
func normalizeTokens(text string) (string, []string) {
	lower := normalizeText(text)
	raw := alphaTokenRe.FindAllString(lower, -1)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if tok := stripNonAlpha(t); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return lower, tokens
}

func stripNonAlpha(token string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r
		}
		return -1
	}, strings.ToLower(token))
}
