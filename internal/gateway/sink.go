package gateway

import (
	"encoding/json"
	"log"

	"github.com/circleofcare/platform/internal/hub"
	"github.com/circleofcare/platform/internal/messaging"
)

// natsSink mirrors room activity to NATS for out-of-band consumers: the
// moderation review service subscribes to flagged reports, analytics to the
// chat event stream. Publishes are fire-and-forget; a NATS outage only costs
// the mirror, never the in-room stream.
type natsSink struct {
	nc *messaging.NATSClient
}

// NewNATSSink wraps a NATS client as a hub event sink.
func NewNATSSink(nc *messaging.NATSClient) hub.Sink {
	return &natsSink{nc: nc}
}

func (s *natsSink) ChatEvent(communityID string, payload []byte) {
	if err := s.nc.PublishChatEvent(communityID, payload); err != nil {
		log.Printf("gateway: chat event publish failed community=%s: %v", communityID, err)
	}
}

func (s *natsSink) ModerationEvent(report hub.ModerationReport) {
	data, err := json.Marshal(report)
	if err != nil {
		log.Printf("gateway: moderation report marshal failed: %v", err)
		return
	}
	if err := s.nc.PublishModerationReport(data); err != nil {
		log.Printf("gateway: moderation report publish failed community=%s: %v", report.CommunityID, err)
	}
}
