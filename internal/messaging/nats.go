// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the gateway and the moderation review service. It handles
// connection lifecycle, subject-based subscriptions, and convenience methods
// for the chat event, moderation, and crisis channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across the platform services.
const (
	SubjectChatEvents = "chat.events"        // + .<community_id>, mirrored room broadcasts
	SubjectModeration = "moderation.flagged" // flagged/blocked messages for review
	SubjectCrisis     = "crisis.triggered"   // panic escalations for on-call tooling
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "circleofcare",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats: disconnected: %v", err)
			} else {
				log.Printf("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("nats: connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("nats: connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishChatEvent mirrors a room broadcast to chat.events.<communityID> for
// external subscribers (analytics, the review service).
func (c *NATSClient) PublishChatEvent(communityID string, data []byte) error {
	return c.Publish(SubjectChatEvents+"."+communityID, data)
}

// SubscribeChatEvents subscribes to mirrored broadcasts for every community
// using a wildcard subject. The community ID is recovered from the subject
// suffix.
func (c *NATSClient) SubscribeChatEvents(handler func(communityID string, data []byte)) error {
	subject := SubjectChatEvents + ".*"
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject[len(SubjectChatEvents)+1:], msg.Data)
	})
}

// PublishModerationReport publishes a flagged or blocked message report for
// the review service.
func (c *NATSClient) PublishModerationReport(data []byte) error {
	return c.Publish(SubjectModeration, data)
}

// SubscribeModerationReports subscribes to flagged-message reports.
func (c *NATSClient) SubscribeModerationReports(handler func(data []byte)) error {
	return c.Subscribe(SubjectModeration, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishCrisisEvent publishes a crisis escalation notification.
func (c *NATSClient) PublishCrisisEvent(data []byte) error {
	return c.Publish(SubjectCrisis, data)
}

// SubscribeCrisisEvents subscribes to crisis escalation notifications.
func (c *NATSClient) SubscribeCrisisEvents(handler func(data []byte)) error {
	return c.Subscribe(SubjectCrisis, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("nats: drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("nats: connection drain: %v", err)
	}

	log.Printf("nats: client closed")
}
