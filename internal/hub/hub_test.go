package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/circleofcare/platform/internal/auth"
	"github.com/circleofcare/platform/internal/history"
	"github.com/circleofcare/platform/internal/moderation"
)

// testConn is an in-memory Conn that records every delivered event.
type testConn struct {
	id string

	mu     sync.Mutex
	events []map[string]interface{}
	closed bool

	// blockSend, when non-nil, makes Send block until the channel is closed.
	blockSend chan struct{}
}

func newTestConn(id string) *testConn {
	return &testConn{id: id}
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(data []byte) error {
	if c.blockSend != nil {
		<-c.blockSend
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	var ev map[string]interface{}
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *testConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *testConn) snapshot() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, len(c.events))
	copy(out, c.events)
	return out
}

// eventsOfType filters the recorded events by their type discriminator.
func (c *testConn) eventsOfType(typ string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, ev := range c.snapshot() {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

// waitEvents polls until the connection has observed at least n events of the
// given type, failing the test after two seconds.
func waitEvents(t *testing.T, c *testConn, typ string, n int) []map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs := c.eventsOfType(typ)
		if len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("conn %s: timed out waiting for %d %q events (have %d)", c.id, n, typ, len(c.eventsOfType(typ)))
	return nil
}

func testRules() moderation.Rules {
	return moderation.Rules{
		Denylist:  []string{"kill yourself"},
		Watchlist: []string{"politics"},
	}
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Filter == nil {
		f, err := moderation.NewFilter(testRules())
		if err != nil {
			t.Fatalf("NewFilter: %v", err)
		}
		opts.Filter = f
	}
	return NewRegistry(opts)
}

func member(id, name string) auth.Member {
	return auth.Member{ID: id, DisplayName: name}
}

// -----------------------------------------------------------------------
// Join / Leave lifecycle
// -----------------------------------------------------------------------

func TestJoin_BroadcastsUserJoined(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := newTestConn("conn-a")
	if _, err := r.Attach("ptsd-room", a, member("m-a", "Ava")); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	waitEvents(t, a, "user_joined", 1)

	b := newTestConn("conn-b")
	if _, err := r.Attach("ptsd-room", b, member("m-b", "Ben")); err != nil {
		t.Fatalf("attach b: %v", err)
	}

	// Both the sitting member and the joiner observe the second join.
	waitEvents(t, a, "user_joined", 2)
	joined := waitEvents(t, b, "user_joined", 1)
	if joined[0]["member_id"] != "m-b" {
		t.Errorf("joiner saw member_id %v, want m-b", joined[0]["member_id"])
	}
}

func TestAttach_AlreadyAttached(t *testing.T) {
	r := newTestRegistry(t, Options{})

	c := newTestConn("conn-a")
	if _, err := r.Attach("room-1", c, member("m-a", "Ava")); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if _, err := r.Attach("room-2", c, member("m-a", "Ava")); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestLeave_BroadcastsUserLeftAndIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := newTestConn("conn-a")
	b := newTestConn("conn-b")
	h, err := r.Attach("room", a, member("m-a", "Ava"))
	if err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if _, err := r.Attach("room", b, member("m-b", "Ben")); err != nil {
		t.Fatalf("attach b: %v", err)
	}
	waitEvents(t, b, "user_joined", 1)

	h.Leave("conn-a")
	left := waitEvents(t, b, "user_left", 1)
	if left[0]["member_id"] != "m-a" {
		t.Errorf("user_left member_id = %v, want m-a", left[0]["member_id"])
	}

	// Second leave is a no-op.
	h.Leave("conn-a")
	time.Sleep(20 * time.Millisecond)
	if got := len(b.eventsOfType("user_left")); got != 1 {
		t.Errorf("expected 1 user_left after duplicate Leave, got %d", got)
	}

	// The hub survives while B remains.
	if r.Rooms() != 1 {
		t.Errorf("expected 1 live room, got %d", r.Rooms())
	}
}

func TestHubTornDownWhenEmpty(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := newTestConn("conn-a")
	h, err := r.Attach("room", a, member("m-a", "Ava"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	h.Leave("conn-a")
	if r.Rooms() != 0 {
		t.Fatalf("expected hub removed from registry, have %d rooms", r.Rooms())
	}

	// A new attach gets a fresh hub.
	b := newTestConn("conn-b")
	h2, err := r.Attach("room", b, member("m-b", "Ben"))
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if h2 == h {
		t.Error("expected a fresh hub instance after teardown")
	}
}

// -----------------------------------------------------------------------
// Publishing and ordering
// -----------------------------------------------------------------------

func TestPublish_SequenceStrictlyIncreasingAndIdentical(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := newTestConn("conn-a")
	b := newTestConn("conn-b")
	h, err := r.Attach("room", a, member("m-a", "Ava"))
	if err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if _, err := r.Attach("room", b, member("m-b", "Ben")); err != nil {
		t.Fatalf("attach b: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := h.Publish("conn-a", fmt.Sprintf("message number %d", i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for _, c := range []*testConn{a, b} {
		msgs := waitEvents(t, c, "message", n)
		for i, ev := range msgs {
			seq := uint64(ev["seq"].(float64))
			if seq != uint64(i+1) {
				t.Errorf("conn %s: msgs[%d].seq = %d, want %d (gap or reorder)", c.id, i, seq, i+1)
			}
			if ev["author_id"] != "m-a" {
				t.Errorf("conn %s: unexpected author %v", c.id, ev["author_id"])
			}
		}
	}
}

func TestPublish_NotJoined(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := newTestConn("conn-a")
	h, err := r.Attach("room", a, member("m-a", "Ava"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if _, err := h.Publish("conn-ghost", "hello"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestPublish_FlaggedStillBroadcastWithWarning(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := newTestConn("conn-a")
	b := newTestConn("conn-b")
	h, err := r.Attach("room", a, member("m-a", "Ava"))
	if err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if _, err := r.Attach("room", b, member("m-b", "Ben")); err != nil {
		t.Fatalf("attach b: %v", err)
	}

	verdict, err := h.Publish("conn-a", "can we discuss politics here")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if verdict.Class != moderation.Flagged {
		t.Fatalf("expected Flagged, got %v", verdict.Class)
	}

	// Everyone sees the message and the warning, in that order.
	for _, c := range []*testConn{a, b} {
		waitEvents(t, c, "message", 1)
		waitEvents(t, c, "moderation_warning", 1)

		var sawMessage bool
		for _, ev := range c.snapshot() {
			switch ev["type"] {
			case "message":
				sawMessage = true
			case "moderation_warning":
				if !sawMessage {
					t.Errorf("conn %s: warning arrived before the flagged message", c.id)
				}
				if ev["blocked"] != false {
					t.Errorf("conn %s: flagged warning marked blocked", c.id)
				}
			}
		}
	}
}

func TestPublish_BlockedOnlyWarnsSender(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := newTestConn("conn-a")
	b := newTestConn("conn-b")
	h, err := r.Attach("room", a, member("m-a", "Ava"))
	if err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if _, err := r.Attach("room", b, member("m-b", "Ben")); err != nil {
		t.Fatalf("attach b: %v", err)
	}
	waitEvents(t, b, "user_joined", 1)

	verdict, err := h.Publish("conn-b", "you should kill yourself")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if verdict.Class != moderation.Blocked {
		t.Fatalf("expected Blocked, got %v", verdict.Class)
	}

	warnings := waitEvents(t, b, "moderation_warning", 1)
	if warnings[0]["blocked"] != true {
		t.Error("sender's warning not marked blocked")
	}

	// The sequence counter did not advance: the next clean message is seq 1.
	if _, err := h.Publish("conn-a", "checking in on everyone"); err != nil {
		t.Fatalf("publish clean: %v", err)
	}
	msgs := waitEvents(t, a, "message", 1)
	if seq := uint64(msgs[0]["seq"].(float64)); seq != 1 {
		t.Errorf("seq after blocked message = %d, want 1", seq)
	}

	// A never saw a message event or warning for the blocked turn.
	for _, ev := range a.snapshot() {
		if ev["type"] == "moderation_warning" {
			t.Error("non-sender received a warning for a blocked message")
		}
		if ev["type"] == "message" && ev["author_id"] == "m-b" {
			t.Error("blocked message was broadcast")
		}
	}
}

func TestPublish_RejectsInvalidBody(t *testing.T) {
	r := newTestRegistry(t, Options{})

	a := newTestConn("conn-a")
	h, err := r.Attach("room", a, member("m-a", "Ava"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if _, err := h.Publish("conn-a", ""); err == nil {
		t.Error("expected error for empty body")
	}

	big := make([]byte, MaxBodyBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := h.Publish("conn-a", string(big[:100])+string(big)); err == nil {
		t.Error("expected error for oversized body")
	}
}

// -----------------------------------------------------------------------
// Backpressure: a slow subscriber never stalls the room
// -----------------------------------------------------------------------

func TestBroadcast_SlowSubscriberIsReaped(t *testing.T) {
	r := newTestRegistry(t, Options{SendQueue: 2})

	slow := newTestConn("conn-slow")
	slow.blockSend = make(chan struct{})
	fast := newTestConn("conn-fast")

	h, err := r.Attach("room", slow, member("m-slow", "Slow"))
	if err != nil {
		t.Fatalf("attach slow: %v", err)
	}
	if _, err := r.Attach("room", fast, member("m-fast", "Fast")); err != nil {
		t.Fatalf("attach fast: %v", err)
	}

	// Flood past the slow connection's queue. Its writer is stuck on the
	// first send, so the queue (size 2) fills and the hub reaps it.
	for i := 0; i < 8; i++ {
		if _, err := h.Publish("conn-fast", fmt.Sprintf("flood %d", i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	// The fast connection got every message despite the stuck sibling.
	waitEvents(t, fast, "message", 8)

	// The slow connection was treated as an implicit leave.
	left := waitEvents(t, fast, "user_left", 1)
	if left[0]["member_id"] != "m-slow" {
		t.Errorf("user_left member_id = %v, want m-slow", left[0]["member_id"])
	}
	if h.Size() != 1 {
		t.Errorf("hub size = %d, want 1", h.Size())
	}

	close(slow.blockSend)
}

// -----------------------------------------------------------------------
// History and sink wiring
// -----------------------------------------------------------------------

func TestPublish_RecordsHistory(t *testing.T) {
	buf := history.NewBuffer(10)
	r := newTestRegistry(t, Options{History: buf})

	a := newTestConn("conn-a")
	h, err := r.Attach("room", a, member("m-a", "Ava"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if _, err := h.Publish("conn-a", "first"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := h.Publish("conn-a", "you should kill yourself"); err != nil {
		t.Fatalf("publish blocked: %v", err)
	}

	msgs := buf.Recent("room", 0)
	if len(msgs) != 1 {
		t.Fatalf("expected only the delivered message in history, got %d", len(msgs))
	}
	if msgs[0].Body != "first" || msgs[0].Seq != 1 {
		t.Errorf("unexpected history entry %+v", msgs[0])
	}
}

type recordingSink struct {
	mu      sync.Mutex
	events  int
	reports []ModerationReport
}

func (s *recordingSink) ChatEvent(communityID string, payload []byte) {
	s.mu.Lock()
	s.events++
	s.mu.Unlock()
}

func (s *recordingSink) ModerationEvent(report ModerationReport) {
	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.mu.Unlock()
}

func TestSink_ReceivesModerationReports(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRegistry(t, Options{Sink: sink})

	a := newTestConn("conn-a")
	h, err := r.Attach("room", a, member("m-a", "Ava"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	if _, err := h.Publish("conn-a", "politics again"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := h.Publish("conn-a", "all good here"); err != nil {
		t.Fatalf("publish clean: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.reports) != 1 {
		t.Fatalf("expected 1 moderation report, got %d", len(sink.reports))
	}
	rep := sink.reports[0]
	if rep.Outcome != "flagged" || rep.CommunityID != "room" || rep.MemberID != "m-a" {
		t.Errorf("unexpected report %+v", rep)
	}
	if sink.events == 0 {
		t.Error("sink received no chat events")
	}
}
