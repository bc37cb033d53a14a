// Package moderation provides content filtering for community chat rooms.
// It classifies messages against a configurable denylist (severe terms that
// block delivery) and watchlist (discouraged topics that trigger a warning)
// before they are broadcast to recipients.
package moderation

import (
	"fmt"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Class is the moderation outcome for one message.
type Class int

const (
	// Clean messages are delivered unchanged.
	Clean Class = iota
	// Flagged messages are still delivered but followed by a warning to the
	// whole room.
	Flagged
	// Blocked messages are not delivered; only the sender is warned.
	Blocked
)

// String returns the lowercase name of the class.
func (c Class) String() string {
	switch c {
	case Flagged:
		return "flagged"
	case Blocked:
		return "blocked"
	default:
		return "clean"
	}
}

// Verdict is the result of checking one message body.
type Verdict struct {
	Class   Class
	Term    string // normalized term or pattern name that matched
	Warning string // user-visible warning (flagged) or rejection reason (blocked)
}

// Rules holds the moderation policy as data. The exact term lists are a
// policy decision owned by configuration; DefaultRules provides conservative
// defaults for a peer-support community.
type Rules struct {
	Denylist  []string // severe terms: message is blocked
	Watchlist []string // discouraged topics/profanity: message is flagged
}

// DefaultRules returns the built-in policy: self-harm-encouragement phrases
// are blocked, political topics and common profanity are flagged.
func DefaultRules() Rules {
	return Rules{
		Denylist: []string{
			"kill yourself",
			"kys",
			"go die",
			"end your life",
			"you should die",
		},
		Watchlist: []string{
			"politics",
			"election",
			"government",
			"trump",
			"biden",
			"fuck",
			"shit",
			"bitch",
			"asshole",
		},
	}
}

const (
	flaggedWarning = "A note from moderation: this community is a supportive space. Please be mindful of discouraged topics and language."
	blockedReason  = "Your message was not delivered because it may be harmful to members of this community."
)

// Filter classifies message bodies against the configured rules. It holds no
// mutable state after construction and is safe for concurrent use from many
// room hubs.
type Filter struct {
	deny  *goahocorasick.Machine // nil when the denylist is empty
	watch *goahocorasick.Machine // nil when the watchlist is empty
}

// NewFilter builds the Aho-Corasick automatons for the given rules. Terms are
// normalized the same way message bodies are, so "K1LL Y0URSELF" and
// "kill yourself" hit the same pattern.
func NewFilter(rules Rules) (*Filter, error) {
	deny, err := buildMachine(rules.Denylist)
	if err != nil {
		return nil, fmt.Errorf("moderation: build denylist: %w", err)
	}
	watch, err := buildMachine(rules.Watchlist)
	if err != nil {
		return nil, fmt.Errorf("moderation: build watchlist: %w", err)
	}
	return &Filter{deny: deny, watch: watch}, nil
}

// Check classifies a message body. Evaluation order is denylist, watchlist,
// then spam heuristics; the first match wins. Matching is case-insensitive
// and substring-based over a normalized form of the text.
func (f *Filter) Check(body string) Verdict {
	norm := normalize(body)

	if term, ok := firstMatch(f.deny, norm); ok {
		return Verdict{Class: Blocked, Term: term, Warning: blockedReason}
	}
	if term, ok := firstMatch(f.watch, norm); ok {
		return Verdict{Class: Flagged, Term: term, Warning: flaggedWarning}
	}
	if v, ok := checkSpamPatterns(body); ok {
		return v
	}
	return Verdict{Class: Clean}
}

// buildMachine constructs an automaton over the normalized terms, or returns
// nil if the list is empty after normalization.
func buildMachine(terms []string) (*goahocorasick.Machine, error) {
	patterns := make([][]rune, 0, len(terms))
	for _, term := range terms {
		norm := normalize(term)
		if len(norm) == 0 {
			continue
		}
		patterns = append(patterns, norm)
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return m, nil
}

// firstMatch runs the automaton and returns the first matched term.
func firstMatch(m *goahocorasick.Machine, norm []rune) (string, bool) {
	if m == nil || len(norm) == 0 {
		return "", false
	}
	terms := m.MultiPatternSearch(norm, true)
	if len(terms) == 0 {
		return "", false
	}
	return string(terms[0].Word), true
}

// normalize lowercases the text, maps common leetspeak substitutions back to
// letters, and drops punctuation, whitespace, and symbols so that obfuscated
// terms still match.
func normalize(input string) []rune {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		out = append(out, unicode.ToLower(clean))
	}
	return out
}

// simplifyRune maps common leetspeak characters back to their standard
// alphabet counterparts.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}

// isNoise identifies characters that are ignored during pattern matching.
func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}

// SplitRules parses a comma-separated rule list from configuration into
// trimmed, non-empty terms.
func SplitRules(raw string) []string {
	parts := strings.Split(raw, ",")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}
