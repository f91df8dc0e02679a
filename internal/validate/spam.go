package validate

import (
	"strings"
	"unicode"
)

// SpamThreshold is the score at which content is treated as spam.
const SpamThreshold = 2

// shortURLDomains are link shorteners commonly used to mask spam targets.
var shortURLDomains = []string{
	"bit.ly",
	"tinyurl.com",
	"goo.gl",
	"t.co",
	"ow.ly",
	"is.gd",
	"buff.ly",
	"rebrand.ly",
}

// SpamResult reports the outcome of spam scoring.
type SpamResult struct {
	Score  int
	IsSpam bool
}

// SpamScore scores content against five heuristics, one point each:
// a dominant repeated word, shouting, duplication of a recent message,
// a short-URL link, and near-cap length.
func SpamScore(content string, recentMessages []string) SpamResult {
	score := 0

	if hasDominantWord(content) {
		score++
	}
	if isShouting(content) {
		score++
	}
	for _, recent := range recentMessages {
		if content == recent {
			score++
			break
		}
	}
	lower := strings.ToLower(content)
	for _, domain := range shortURLDomains {
		if strings.Contains(lower, domain) {
			score++
			break
		}
	}
	if len(content) > MaxContentLength*8/10 {
		score++
	}

	return SpamResult{Score: score, IsSpam: score >= SpamThreshold}
}

// hasDominantWord reports whether any single word makes up more than 40% of
// the tokens.
func hasDominantWord(content string) bool {
	tokens := strings.Fields(strings.ToLower(content))
	if len(tokens) < 2 {
		return false
	}
	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
		if counts[tok] >= 2 && counts[tok]*10 > len(tokens)*4 {
			return true
		}
	}
	return false
}

// isShouting reports whether more than 90% of the letters are capitals, for
// content longer than 10 characters.
func isShouting(content string) bool {
	if len(content) <= 10 {
		return false
	}
	letters, capitals := 0, 0
	for _, r := range content {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				capitals++
			}
		}
	}
	return letters > 0 && capitals*10 > letters*9
}
