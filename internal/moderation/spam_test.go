package moderation

import "testing"

// emptyFilter isolates the spam heuristics from the term lists.
func emptyFilter(t *testing.T) *Filter {
	t.Helper()
	f, err := NewFilter(Rules{})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	return f
}

func TestSpam_URLs(t *testing.T) {
	f := emptyFilter(t)

	tests := []struct {
		name    string
		input   string
		flagged bool
		term    string
	}{
		{"http url", "check out http://evil.com", true, "url"},
		{"https url", "visit https://spam.xyz/click", true, "url"},
		{"www url", "go to www.phishing.net", true, "url"},
		{"bare domain with path", "visit evil.com/free", true, "url"},
		{"bare domain .org path", "see example.org/page", true, "url"},
		{"version string is not a url", "we upgraded to v2.0 yesterday", false, ""},
		{"decimal number is not a url", "my pain level is 3.14 today", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.Check(tt.input)
			if got := v.Class == Flagged; got != tt.flagged {
				t.Errorf("Check(%q).Class = %v, want flagged=%v", tt.input, v.Class, tt.flagged)
			}
			if tt.flagged && v.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, v.Term, tt.term)
			}
		})
	}
}

func TestSpam_CharFlood(t *testing.T) {
	f := emptyFilter(t)

	tests := []struct {
		name    string
		input   string
		flagged bool
	}{
		{"repeated o in word", "hellooooooo", true},
		{"repeated exclamation", "great!!!!!", true},
		{"four repeats is fine", "soooo tired", false},
		{"normal text", "I had a hard day but I'm hanging in there", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.Check(tt.input)
			if got := v.Class == Flagged; got != tt.flagged {
				t.Errorf("Check(%q).Class = %v, want flagged=%v", tt.input, v.Class, tt.flagged)
			}
			if tt.flagged && v.Term != "char_flood" {
				t.Errorf("Check(%q).Term = %q, want char_flood", tt.input, v.Term)
			}
		})
	}
}

func TestSpam_WordFlood(t *testing.T) {
	f := emptyFilter(t)

	tests := []struct {
		name    string
		input   string
		flagged bool
	}{
		{"triple repeat", "buy buy buy", true},
		{"case insensitive repeat", "Help HELP help", true},
		{"double repeat is fine", "no no that's okay", false},
		{"interleaved words", "one two one two one", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.Check(tt.input)
			if got := v.Class == Flagged; got != tt.flagged {
				t.Errorf("Check(%q).Class = %v, want flagged=%v", tt.input, v.Class, tt.flagged)
			}
			if tt.flagged && v.Term != "word_flood" {
				t.Errorf("Check(%q).Term = %q, want word_flood", tt.input, v.Term)
			}
		})
	}
}

func TestSpam_RunsAfterTermLists(t *testing.T) {
	f, err := NewFilter(Rules{Denylist: []string{"kill yourself"}})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	// A message that hits both the denylist and a spam pattern reports the
	// denylist verdict.
	v := f.Check("kill yourself http://evil.com")
	if v.Class != Blocked {
		t.Errorf("Class = %v, want Blocked (denylist before spam)", v.Class)
	}
}
