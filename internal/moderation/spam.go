package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Compiled regex patterns for spam detection.
// These are compiled once at package init and reused for every call,
// making them safe and efficient for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)
)

// spamCheck pairs a detection function with metadata used for the warning.
type spamCheck struct {
	name    string
	warning string
	match   func(string) bool
}

// spamChecks is the ordered list of heuristics applied after the term lists.
// Order matters: the first match wins.
var spamChecks = []spamCheck{
	{name: "url", warning: "Links are discouraged in live chat to keep members safe.", match: func(text string) bool {
		return urlPattern.MatchString(text)
	}},
	{name: "char_flood", warning: "Please avoid flooding the chat with repeated characters.", match: hasCharFlood},
	{name: "word_flood", warning: "Please avoid flooding the chat with repeated words.", match: hasWordFlood},
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. Go's regexp package (RE2) does not support backreferences, so
// this is implemented as a simple linear scan which is both correct and fast.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 3 or more times
// consecutively (case-insensitive). Words are delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// checkSpamPatterns runs every spam heuristic against text and returns a
// flagging Verdict on the first match.
func checkSpamPatterns(text string) (Verdict, bool) {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return Verdict{Class: Flagged, Term: sc.name, Warning: sc.warning}, true
		}
	}
	return Verdict{}, false
}
