package crisis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/circleofcare/platform/internal/ai"
)

func TestEscalate_AISuccess(t *testing.T) {
	completer := ai.CompleterFunc(func(ctx context.Context, systemPrompt, userText string) (string, error) {
		if !strings.Contains(systemPrompt, "panic button") {
			t.Errorf("system prompt missing crisis framing: %q", systemPrompt)
		}
		if !strings.Contains(userText, "severe") {
			t.Errorf("user text missing severity: %q", userText)
		}
		return "You showed real courage reaching out. Try box breathing with me now.", nil
	})

	ctrl := NewController(completer, NewClassifier(nil), time.Second)
	resp := ctrl.Escalate(context.Background(), Request{
		MemberID: "m-1",
		Severity: SeveritySevere,
		Context:  "loud noises outside",
	})

	if resp.Fallback {
		t.Fatal("expected AI path, got fallback")
	}
	if !strings.Contains(resp.Guidance, "courage") {
		t.Errorf("expected AI guidance, got %q", resp.Guidance)
	}
	if len(resp.EmergencyContacts) == 0 {
		t.Error("AI path must still carry the static contact table")
	}
}

func TestEscalate_AIFailure(t *testing.T) {
	completer := ai.CompleterFunc(func(ctx context.Context, systemPrompt, userText string) (string, error) {
		return "", errors.New("upstream unavailable")
	})

	ctrl := NewController(completer, NewClassifier(nil), time.Second)
	resp := ctrl.Escalate(context.Background(), Request{MemberID: "m-1", Severity: SeverityModerate})

	if !resp.Fallback {
		t.Fatal("expected fallback on AI failure")
	}
	if resp.Guidance == "" || resp.ImmediateMessage == "" {
		t.Error("fallback response incomplete")
	}
	if len(resp.EmergencyContacts) == 0 {
		t.Error("fallback response missing emergency contacts")
	}
}

// A completer that never answers must not stall the escalation beyond the
// configured timeout budget.
func TestEscalate_AITimeout(t *testing.T) {
	completer := ai.CompleterFunc(func(ctx context.Context, systemPrompt, userText string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	timeout := 50 * time.Millisecond
	ctrl := NewController(completer, NewClassifier(nil), timeout)

	start := time.Now()
	resp := ctrl.Escalate(context.Background(), Request{MemberID: "m-1", Severity: SeveritySevere})
	elapsed := time.Since(start)

	if !resp.Fallback {
		t.Fatal("expected fallback on AI timeout")
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("escalation took %s, want roughly the %s timeout budget", elapsed, timeout)
	}
	if len(resp.EmergencyContacts) == 0 {
		t.Error("timeout fallback missing emergency contacts")
	}
}

func TestEscalate_NoCompleterConfigured(t *testing.T) {
	ctrl := NewController(nil, NewClassifier(nil), time.Second)

	resp := ctrl.Escalate(context.Background(), Request{MemberID: "m-1", Severity: SeverityLow})
	if !resp.Fallback {
		t.Fatal("expected fallback with no completer configured")
	}
	if len(resp.EmergencyContacts) == 0 {
		t.Error("response missing emergency contacts")
	}
}

func TestEscalate_EmptySeverityDefaultsToModerate(t *testing.T) {
	var gotUserText string
	completer := ai.CompleterFunc(func(ctx context.Context, systemPrompt, userText string) (string, error) {
		gotUserText = userText
		return "grounding guidance", nil
	})

	ctrl := NewController(completer, NewClassifier(nil), time.Second)
	ctrl.Escalate(context.Background(), Request{MemberID: "m-1"})

	if !strings.Contains(gotUserText, "moderate") {
		t.Errorf("expected moderate severity in prompt, got %q", gotUserText)
	}
}
