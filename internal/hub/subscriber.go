package hub

import (
	"sync"

	"github.com/circleofcare/platform/internal/auth"
)

// subscriber pairs an attached connection with its member identity and a
// buffered outbound queue. A dedicated writer goroutine drains the queue so
// a slow client never blocks the hub's broadcast path.
type subscriber struct {
	conn   Conn
	member auth.Member
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(conn Conn, member auth.Member, queue int) *subscriber {
	return &subscriber{
		conn:   conn,
		member: member,
		out:    make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

// trySend queues data without blocking. Returns false when the queue is full,
// which the hub treats as a lagging connection to reap.
func (s *subscriber) trySend(data []byte) bool {
	select {
	case <-s.done:
		return true // already shut down; not the broadcaster's problem
	default:
	}

	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// shutdown stops the writer goroutine and closes the underlying connection.
// Safe to call more than once.
func (s *subscriber) shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop drains the outbound queue onto the connection. A write error
// means the client is unreachable; the connection is treated as an implicit
// leave.
func (s *subscriber) writeLoop(h *Hub) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if err := s.conn.Send(data); err != nil {
				h.Leave(s.conn.ID())
				return
			}
		}
	}
}
