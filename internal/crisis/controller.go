package crisis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/circleofcare/platform/internal/ai"
	"github.com/circleofcare/platform/internal/metrics"
)

// DefaultAITimeout bounds the single AI call attempted per escalation. After
// this the fallback path is taken unconditionally.
const DefaultAITimeout = 5 * time.Second

// Controller orchestrates one crisis escalation per call: Triggered ->
// Classified (AI responded) or Fallback (AI failed/timed out) -> Delivered.
// The whole flow is terminal in one pass; there are no retries.
type Controller struct {
	completer  ai.Completer
	classifier *Classifier
	timeout    time.Duration
}

// NewController creates a Controller. completer may be nil, in which case
// every escalation takes the fallback path (the platform stays useful with no
// AI configured at all).
func NewController(completer ai.Completer, classifier *Classifier, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultAITimeout
	}
	return &Controller{
		completer:  completer,
		classifier: classifier,
		timeout:    timeout,
	}
}

// Escalate resolves a crisis request into a complete Response. It never
// returns an error: any upstream failure is converted into the static
// fallback so the caller is always answered, possibly degraded.
func (c *Controller) Escalate(ctx context.Context, req Request) Response {
	start := time.Now()
	severity := req.Severity
	if severity == "" {
		severity = SeverityModerate
	}

	resp := c.attempt(ctx, severity, req.Context)

	path := "ai"
	if resp.Fallback {
		path = "fallback"
	}
	metrics.CrisisEscalationsTotal.WithLabelValues(string(severity), path).Inc()
	metrics.CrisisLatency.Observe(time.Since(start).Seconds())

	log.Printf("crisis: escalation delivered member=%s severity=%s path=%s elapsed=%s",
		req.MemberID, severity, path, time.Since(start).Round(time.Millisecond))
	return resp
}

// attempt runs the bounded AI call and classifies the outcome.
func (c *Controller) attempt(ctx context.Context, severity Severity, trigger string) Response {
	if c.completer == nil {
		return c.classifier.Fallback(severity)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	guidance, err := c.completer.Complete(callCtx, crisisSystemPrompt(severity, trigger), crisisUserText(severity, trigger))
	if err != nil {
		log.Printf("crisis: AI call failed, using fallback: %v", err)
		return c.classifier.Fallback(severity)
	}
	return c.classifier.Classify(severity, guidance)
}

// crisisSystemPrompt frames the AI call for an activated panic button.
func crisisSystemPrompt(severity Severity, triggerDescription string) string {
	if triggerDescription == "" {
		triggerDescription = "general distress"
	}
	return fmt.Sprintf(`CRISIS SUPPORT MODE: A user with %s distress has activated the panic button. They described: %s.

Your response should:
1. Acknowledge their courage
2. Provide immediate grounding techniques
3. Offer specific coping strategies
4. Reassure them of safety
5. Be calm, clear, and supportive

Keep response under 150 words for immediate consumption.`, severity, triggerDescription)
}

func crisisUserText(severity Severity, triggerDescription string) string {
	return fmt.Sprintf("I'm feeling %s distress. %s", severity, triggerDescription)
}
