// Package history keeps a small in-memory window of recent chat messages per
// community. It backs the recent-messages endpoint for clients that open a
// room mid-conversation; it is best-effort, live-session only, and makes no
// persistence or replay guarantee.
package history

import "sync"

// DefaultWindow is the number of recent messages retained per community.
const DefaultWindow = 50

// Message is a single retained chat message.
type Message struct {
	Seq         uint64 `json:"seq"`
	AuthorID    string `json:"author_id"`
	AuthorName  string `json:"author_name"`
	IsAnonymous bool   `json:"is_anonymous"`
	Body        string `json:"message"`
	CreatedAt   int64  `json:"created_at"`
}

// Buffer stores the last N messages per community. It is goroutine-safe and
// uses a fixed-size ring buffer per community internally.
type Buffer struct {
	mu      sync.RWMutex
	window  int
	buffers map[string]*ring // community_id -> ring
}

// ring is a fixed-size circular buffer of Message.
type ring struct {
	items []Message
	pos   int
	count int
}

// NewBuffer creates an empty Buffer retaining window messages per community.
// A non-positive window falls back to DefaultWindow.
func NewBuffer(window int) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Buffer{
		window:  window,
		buffers: make(map[string]*ring),
	}
}

// Add appends a message to the community's ring buffer. If the buffer is
// full, the oldest message is overwritten.
func (b *Buffer) Add(communityID string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.buffers[communityID]
	if !ok {
		r = &ring{items: make([]Message, b.window)}
		b.buffers[communityID] = r
	}

	r.items[r.pos] = msg
	r.pos = (r.pos + 1) % b.window
	if r.count < b.window {
		r.count++
	}
}

// Recent returns up to limit retained messages for a community in
// chronological order (oldest first). limit <= 0 returns the whole window.
func (b *Buffer) Recent(communityID string, limit int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.buffers[communityID]
	if !ok {
		return []Message{}
	}

	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}

	result := make([]Message, n)
	// The oldest of the last n messages sits n slots behind pos.
	start := (r.pos - n + b.window) % b.window
	for i := 0; i < n; i++ {
		result[i] = r.items[(start+i)%b.window]
	}
	return result
}

// Remove deletes the retained window for a community (called when its hub is
// torn down).
func (b *Buffer) Remove(communityID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.buffers, communityID)
}
