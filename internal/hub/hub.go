// Package hub implements the per-community chat room: the single
// serialization point that owns one community's live connections, assigns
// message sequence numbers, and broadcasts events to every attached
// connection in one order. The Registry owns the process-wide table of live
// hubs.
package hub

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/circleofcare/platform/internal/auth"
	"github.com/circleofcare/platform/internal/history"
	"github.com/circleofcare/platform/internal/metrics"
	"github.com/circleofcare/platform/internal/moderation"
	"github.com/circleofcare/platform/internal/protocol"
)

var (
	// ErrAlreadyAttached is returned when a connection attempts to join while
	// attached to a room.
	ErrAlreadyAttached = errors.New("hub: connection already attached to a room")

	// ErrNotJoined is returned when a connection publishes to a room it is
	// not attached to.
	ErrNotJoined = errors.New("hub: connection not joined to this room")

	// ErrHubClosed is returned by Join when the hub has been torn down by the
	// registry. Callers should re-acquire and retry.
	ErrHubClosed = errors.New("hub: room has been closed")
)

// Conn is the transport-side handle the hub delivers events through. The
// gateway's WebSocket connections satisfy this interface.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Sink receives a copy of room activity for out-of-band consumers (the
// moderation review service, analytics). Implementations must not block;
// the hub calls them outside its lock, fire-and-forget.
type Sink interface {
	ChatEvent(communityID string, payload []byte)
	ModerationEvent(report ModerationReport)
}

// ModerationReport describes one flagged or blocked message for review.
type ModerationReport struct {
	CommunityID string `json:"community_id"`
	MemberID    string `json:"member_id"`
	MemberName  string `json:"member_name"`
	Body        string `json:"message"`
	Term        string `json:"term"`
	Outcome     string `json:"outcome"` // "flagged" or "blocked"
	Ts          int64  `json:"ts"`
}

// Options configures hubs created by a Registry.
type Options struct {
	Filter    *moderation.Filter // required
	History   *history.Buffer    // optional recent-message window
	Sink      Sink               // optional event mirror
	SendQueue int                // per-subscriber outbound buffer (default 64)

	// OnDetach is invoked (outside hub locks) whenever a connection leaves a
	// hub for any reason, including being reaped for lagging. The Registry
	// uses it to clear its attachment table.
	OnDetach func(connID string)
}

const defaultSendQueue = 64

// Hub owns the live chat state for exactly one community. All mutations are
// serialized by the hub's mutex; event order as observed by every subscriber
// is the order the hub emitted under that mutex.
type Hub struct {
	communityID string
	opts        Options

	mu     sync.Mutex
	subs   map[string]*subscriber // conn ID -> subscriber
	seq    uint64                 // last assigned message sequence number
	closed bool

	onEmpty func(*Hub) // registry teardown signal, called outside the lock
}

func newHub(communityID string, opts Options, onEmpty func(*Hub)) *Hub {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	return &Hub{
		communityID: communityID,
		opts:        opts,
		subs:        make(map[string]*subscriber),
		onEmpty:     onEmpty,
	}
}

// CommunityID returns the community this hub serves.
func (h *Hub) CommunityID() string {
	return h.communityID
}

// Size returns the number of attached connections.
func (h *Hub) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Join attaches a connection for member and broadcasts a user_joined notice
// to all current members, the joiner included. Join events carry no sequence
// number; only chat messages are sequenced.
func (h *Hub) Join(conn Conn, member auth.Member) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if _, ok := h.subs[conn.ID()]; ok {
		h.mu.Unlock()
		return ErrAlreadyAttached
	}

	s := newSubscriber(conn, member, h.opts.SendQueue)
	h.subs[conn.ID()] = s

	joined, err := protocol.NewServerMessage(protocol.TypeUserJoined, protocol.UserJoinedEvent{
		CommunityID: h.communityID,
		MemberID:    member.ID,
		MemberName:  member.DisplayName,
	})
	var emitted [][]byte
	var dropped []*subscriber
	if err != nil {
		log.Printf("hub: failed to build user_joined community=%s: %v", h.communityID, err)
	} else {
		dropped = h.broadcastLocked(joined)
		emitted = append(emitted, joined)
	}
	moreEvents, moreDropped := h.reapLocked(dropped)
	emitted = append(emitted, moreEvents...)
	h.mu.Unlock()

	go s.writeLoop(h)

	h.afterUnlock(emitted, moreDropped)
	return nil
}

// Leave detaches a connection and broadcasts user_left. It is idempotent:
// leaving a room the connection is not in is a no-op. When the last member
// leaves, the hub signals the registry for teardown.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	s, ok := h.subs[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, connID)
	s.shutdown()

	emitted, detached := h.announceLeftLocked(s)
	empty := len(h.subs) == 0
	h.mu.Unlock()

	detached = append(detached, connID)
	h.afterUnlock(emitted, detached)

	if empty && h.onEmpty != nil {
		h.onEmpty(h)
	}
}

// Publish moderates and broadcasts a chat message from the given connection.
// The returned verdict reports the moderation outcome; ErrNotJoined is
// returned when the sender is not attached to this room.
func (h *Hub) Publish(connID, body string) (moderation.Verdict, error) {
	if err := ValidateBody(body); err != nil {
		return moderation.Verdict{}, fmt.Errorf("hub: %w", err)
	}

	h.mu.Lock()
	s, ok := h.subs[connID]
	if !ok {
		h.mu.Unlock()
		return moderation.Verdict{}, ErrNotJoined
	}

	verdict := h.opts.Filter.Check(body)
	metrics.MessagesTotal.WithLabelValues(verdict.Class.String()).Inc()

	var emitted [][]byte
	var dropped []*subscriber
	now := time.Now()

	switch verdict.Class {
	case moderation.Blocked:
		// No message event, no sequence advance. The sender alone learns
		// why the message vanished.
		warning := h.warningEvent(verdict, true)
		if warning != nil {
			if !s.trySend(warning) {
				dropped = append(dropped, s)
			}
		}

	default: // Clean and Flagged both deliver the message.
		h.seq++
		event := protocol.MessageEvent{
			Seq:         h.seq,
			CommunityID: h.communityID,
			AuthorID:    s.member.ID,
			AuthorName:  s.member.DisplayName,
			IsAnonymous: s.member.Anonymous,
			Body:        body,
			CreatedAt:   now.Unix(),
		}
		data, err := protocol.NewServerMessage(protocol.TypeMessage, event)
		if err != nil {
			// Sequencing happens at broadcast time; roll back so the number
			// is never consumed without a corresponding event.
			h.seq--
			h.mu.Unlock()
			return verdict, fmt.Errorf("hub: encode message event: %w", err)
		}

		dropped = h.broadcastLocked(data)
		emitted = append(emitted, data)

		if h.opts.History != nil {
			h.opts.History.Add(h.communityID, history.Message{
				Seq:         event.Seq,
				AuthorID:    event.AuthorID,
				AuthorName:  event.AuthorName,
				IsAnonymous: event.IsAnonymous,
				Body:        event.Body,
				CreatedAt:   event.CreatedAt,
			})
		}

		if verdict.Class == moderation.Flagged {
			// The warning rides the same stream, immediately after the
			// message it refers to.
			if warning := h.warningEvent(verdict, false); warning != nil {
				dropped = append(dropped, h.broadcastLocked(warning)...)
				emitted = append(emitted, warning)
			}
		}
	}

	report := h.moderationReport(s, body, verdict, now)
	moreEvents, detached := h.reapLocked(dropped)
	emitted = append(emitted, moreEvents...)
	empty := len(h.subs) == 0
	h.mu.Unlock()

	h.afterUnlock(emitted, detached)
	if report != nil && h.opts.Sink != nil {
		h.opts.Sink.ModerationEvent(*report)
	}
	if empty && h.onEmpty != nil {
		h.onEmpty(h)
	}
	return verdict, nil
}

// warningEvent builds a moderation_warning payload, or nil on encode failure.
func (h *Hub) warningEvent(v moderation.Verdict, blocked bool) []byte {
	data, err := protocol.NewServerMessage(protocol.TypeModerationWarning, protocol.ModerationWarningEvent{
		CommunityID: h.communityID,
		Warning:     v.Warning,
		Blocked:     blocked,
	})
	if err != nil {
		log.Printf("hub: failed to build moderation_warning community=%s: %v", h.communityID, err)
		return nil
	}
	return data
}

func (h *Hub) moderationReport(s *subscriber, body string, v moderation.Verdict, now time.Time) *ModerationReport {
	if v.Class == moderation.Clean {
		return nil
	}
	return &ModerationReport{
		CommunityID: h.communityID,
		MemberID:    s.member.ID,
		MemberName:  s.member.DisplayName,
		Body:        body,
		Term:        v.Term,
		Outcome:     v.Class.String(),
		Ts:          now.Unix(),
	}
}

// broadcastLocked queues data on every subscriber. Must be called with h.mu
// held. Subscribers whose queue is full are returned for reaping; they are
// never allowed to stall delivery to siblings.
func (h *Hub) broadcastLocked(data []byte) []*subscriber {
	var lagged []*subscriber
	for _, s := range h.subs {
		if !s.trySend(data) {
			lagged = append(lagged, s)
		}
	}
	return lagged
}

// reapLocked removes lagged subscribers and announces their departure. Must
// be called with h.mu held. Returns the user_left payloads emitted and the
// connection IDs detached, for post-unlock bookkeeping.
func (h *Hub) reapLocked(lagged []*subscriber) (emitted [][]byte, detached []string) {
	for len(lagged) > 0 {
		s := lagged[0]
		lagged = lagged[1:]

		if _, ok := h.subs[s.conn.ID()]; !ok {
			continue // already gone
		}
		delete(h.subs, s.conn.ID())
		s.shutdown()
		metrics.DroppedSubscribers.Inc()
		detached = append(detached, s.conn.ID())
		log.Printf("hub: dropped lagging connection conn=%s community=%s member=%s",
			s.conn.ID(), h.communityID, s.member.ID)

		left, more := h.announceLeftLocked(s)
		emitted = append(emitted, left...)
		for _, id := range more {
			detached = append(detached, id)
		}
	}
	return emitted, detached
}

// announceLeftLocked broadcasts user_left for a removed subscriber. Further
// subscribers that lag on this very broadcast are reaped in turn.
func (h *Hub) announceLeftLocked(s *subscriber) (emitted [][]byte, detached []string) {
	left, err := protocol.NewServerMessage(protocol.TypeUserLeft, protocol.UserLeftEvent{
		CommunityID: h.communityID,
		MemberID:    s.member.ID,
		MemberName:  s.member.DisplayName,
	})
	if err != nil {
		log.Printf("hub: failed to build user_left community=%s: %v", h.communityID, err)
		return nil, nil
	}

	lagged := h.broadcastLocked(left)
	emitted = append(emitted, left)
	more, moreDetached := h.reapLocked(lagged)
	emitted = append(emitted, more...)
	return emitted, append(detached, moreDetached...)
}

// afterUnlock mirrors emitted events to the sink and reports detachments.
// Never called with h.mu held.
func (h *Hub) afterUnlock(emitted [][]byte, detached []string) {
	if h.opts.Sink != nil {
		for _, data := range emitted {
			h.opts.Sink.ChatEvent(h.communityID, data)
		}
	}
	if h.opts.OnDetach != nil {
		for _, id := range detached {
			h.opts.OnDetach(id)
		}
	}
}

// closeIfEmpty marks the hub closed if no members remain. It returns false,
// aborting teardown, when a member joined between the drain check and this
// call.
func (h *Hub) closeIfEmpty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) > 0 {
		return false
	}
	h.closed = true
	return true
}
