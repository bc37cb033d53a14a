package moderation

import (
	"testing"
)

func newTestFilter(t *testing.T, rules Rules) *Filter {
	t.Helper()
	f, err := NewFilter(rules)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}
	return f
}

func TestNewFilter_Defaults(t *testing.T) {
	f := newTestFilter(t, DefaultRules())
	if f.deny == nil || f.watch == nil {
		t.Fatal("default rules produced an empty filter")
	}
}

func TestCheck_Denylist(t *testing.T) {
	f := newTestFilter(t, Rules{
		Denylist:  []string{"kill yourself", "go die"},
		Watchlist: []string{"politics"},
	})

	tests := []struct {
		name  string
		input string
		class Class
		term  string
	}{
		{"exact phrase", "kill yourself", Blocked, "killyourself"},
		{"phrase in sentence", "you should kill yourself now", Blocked, "killyourself"},
		{"case insensitive", "KILL YOURSELF", Blocked, "killyourself"},
		{"leetspeak", "k1ll y0urs3lf", Blocked, "killyourself"},
		{"punctuation between", "kill. your-self", Blocked, "killyourself"},
		{"second phrase", "just go die already", Blocked, "godie"},
		{"clean message", "i am glad you are here", Clean, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.Check(tt.input)
			if v.Class != tt.class {
				t.Errorf("Check(%q).Class = %v, want %v", tt.input, v.Class, tt.class)
			}
			if tt.class == Blocked && v.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, v.Term, tt.term)
			}
			if tt.class == Blocked && v.Warning == "" {
				t.Errorf("Check(%q) blocked verdict has empty warning", tt.input)
			}
		})
	}
}

func TestCheck_Watchlist(t *testing.T) {
	f := newTestFilter(t, Rules{
		Denylist:  []string{"kill yourself"},
		Watchlist: []string{"politics", "government", "fuck"},
	})

	tests := []struct {
		name  string
		input string
		class Class
	}{
		{"topic word", "let's talk about politics today", Flagged},
		{"topic uppercase", "THE GOVERNMENT IS...", Flagged},
		{"profanity", "fuck this", Flagged},
		{"obfuscated profanity", "f u c k this", Flagged},
		{"clean", "how was your week?", Clean},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.Check(tt.input)
			if v.Class != tt.class {
				t.Errorf("Check(%q).Class = %v, want %v", tt.input, v.Class, tt.class)
			}
			if tt.class == Flagged && v.Warning == "" {
				t.Errorf("Check(%q) flagged verdict has empty warning", tt.input)
			}
		})
	}
}

// The denylist is evaluated before the watchlist: a message hitting both
// lists is blocked, not merely flagged.
func TestCheck_DenylistWinsOverWatchlist(t *testing.T) {
	f := newTestFilter(t, Rules{
		Denylist:  []string{"go die"},
		Watchlist: []string{"politics"},
	})

	v := f.Check("politics aside, go die")
	if v.Class != Blocked {
		t.Fatalf("expected Blocked, got %v (term=%q)", v.Class, v.Term)
	}
}

func TestCheck_SpamHeuristics(t *testing.T) {
	f := newTestFilter(t, Rules{})

	tests := []struct {
		name  string
		input string
		class Class
		term  string
	}{
		{"url", "check out https://example.com/deal", Flagged, "url"},
		{"www url", "visit www.spam.example now", Flagged, "url"},
		{"char flood", "heeeeeelp", Flagged, "char_flood"},
		{"word flood", "buy buy buy", Flagged, "word_flood"},
		{"version string ok", "upgraded to v2.0 yesterday", Clean, ""},
		{"normal text", "today was a hard day but i managed", Clean, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.Check(tt.input)
			if v.Class != tt.class {
				t.Errorf("Check(%q).Class = %v, want %v", tt.input, v.Class, tt.class)
			}
			if tt.term != "" && v.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, v.Term, tt.term)
			}
		})
	}
}

func TestCheck_EmptyRules(t *testing.T) {
	f := newTestFilter(t, Rules{})

	if v := f.Check("anything goes here"); v.Class != Clean {
		t.Errorf("empty rules should classify as Clean, got %v", v.Class)
	}
	if v := f.Check(""); v.Class != Clean {
		t.Errorf("empty body should classify as Clean, got %v", v.Class)
	}
}

func TestSplitRules(t *testing.T) {
	got := SplitRules(" politics,  , profanity ,kill yourself,")
	want := []string{"politics", "profanity", "kill yourself"}
	if len(got) != len(want) {
		t.Fatalf("SplitRules returned %d terms, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("term[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClassString(t *testing.T) {
	if Clean.String() != "clean" || Flagged.String() != "flagged" || Blocked.String() != "blocked" {
		t.Errorf("unexpected class names: %v %v %v", Clean, Flagged, Blocked)
	}
}
