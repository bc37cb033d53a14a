// Package crisis implements the panic-button escalation flow: a one-pass
// state machine that attempts a bounded AI call and falls back to static,
// always-available content so that a member in distress never waits on an
// unavailable upstream.
package crisis

import "strings"

// Severity is the member-reported distress level on a crisis request.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// ParseSeverity normalizes a client-supplied severity string. Unknown values
// default to moderate rather than low.
// "mild" is accepted as an alias for low (legacy client vocabulary).
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "mild":
		return SeverityLow
	case "severe":
		return SeveritySevere
	default:
		return SeverityModerate
	}
}

// Request is one panic trigger. It is ephemeral: the controller retains no
// request history.
type Request struct {
	MemberID string   `json:"member_id"`
	Severity Severity `json:"severity"`
	Context  string   `json:"trigger_description,omitempty"`
}

// EmergencyContact is one entry in the static emergency contact table.
type EmergencyContact struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// Response is the guaranteed reply to a crisis request. Every field is
// populated on both the AI and the fallback path; the two paths share one
// shape so callers have a single contract.
type Response struct {
	ImmediateMessage    string             `json:"immediate_response"`
	Guidance            string             `json:"ai_guidance"`
	EmergencyContacts   []EmergencyContact `json:"emergency_contacts"`
	GroundingTechniques []string           `json:"grounding_techniques"`
	Fallback            bool               `json:"fallback"`
}

// immediateMessages maps severity to the instant, network-independent first
// response.
var immediateMessages = map[Severity]string{
	SeverityLow:      "I hear you, and you're safe right now. Let's breathe together. Try the 4-7-8 breathing: breathe in for 4, hold for 7, out for 8. You're going to be okay.",
	SeverityModerate: "You reached out, and that takes tremendous courage. You are safe in this moment. Let's ground together: name 5 things you can see, 4 you can touch, 3 you can hear, 2 you can smell, 1 you can taste.",
	SeveritySevere:   "You are incredibly brave for reaching out. You are safe right now. Focus on this: place both feet firmly on the ground, take slow deep breaths, and know that this feeling will pass. You are not alone.",
}

// fallbackGuidance replaces the AI guidance when the upstream model is
// unavailable or too slow.
const fallbackGuidance = "You are safe. Focus on your breathing. This moment will pass. You are stronger than you know."

// groundingTechniques is static content shipped with every crisis response.
var groundingTechniques = []string{
	"5-4-3-2-1 grounding: Name 5 things you see, 4 you touch, 3 you hear, 2 you smell, 1 you taste",
	"Box breathing: Breathe in for 4, hold for 4, out for 4, hold for 4",
	"Progressive muscle relaxation: Tense and release each muscle group",
}

// emergencyContacts is configuration-shipped data, never derived from any
// network call. It must be available with no connectivity at all.
var emergencyContacts = []EmergencyContact{
	{Name: "Crisis Text Line", Contact: "Text HOME to 741741"},
	{Name: "988 Suicide & Crisis Lifeline", Contact: "988"},
	{Name: "PTSD Foundation of America", Contact: "1-877-717-PTSD"},
}

// Classifier maps a severity signal plus optional AI output into a complete
// Response. It holds only static tables and is safe for concurrent use.
type Classifier struct {
	contacts []EmergencyContact
}

// NewClassifier returns a Classifier using the built-in emergency contact
// table. Extra contacts from configuration are appended after the built-ins.
func NewClassifier(extraContacts []EmergencyContact) *Classifier {
	contacts := make([]EmergencyContact, 0, len(emergencyContacts)+len(extraContacts))
	contacts = append(contacts, emergencyContacts...)
	contacts = append(contacts, extraContacts...)
	return &Classifier{contacts: contacts}
}

// Classify builds the success-path response: immediate message by severity,
// guidance from the AI output, contacts always from the static table.
func (c *Classifier) Classify(severity Severity, aiGuidance string) Response {
	guidance := strings.TrimSpace(aiGuidance)
	if guidance == "" {
		// An empty AI reply is treated as a failed call.
		return c.Fallback(severity)
	}
	return Response{
		ImmediateMessage:    immediateMessage(severity),
		Guidance:            guidance,
		EmergencyContacts:   c.contacts,
		GroundingTechniques: groundingTechniques,
	}
}

// Fallback builds the response used when the AI collaborator failed or timed
// out. It is built entirely from static content.
func (c *Classifier) Fallback(severity Severity) Response {
	return Response{
		ImmediateMessage:    immediateMessage(severity),
		Guidance:            fallbackGuidance,
		EmergencyContacts:   c.contacts,
		GroundingTechniques: groundingTechniques,
		Fallback:            true,
	}
}

func immediateMessage(severity Severity) string {
	if msg, ok := immediateMessages[severity]; ok {
		return msg
	}
	return immediateMessages[SeverityModerate]
}
