// Package ws handles WebSocket connection management for community chat:
// upgrading authenticated HTTP requests, maintaining active connections, and
// feeding incoming frames to the message dispatcher.
package ws

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/circleofcare/platform/internal/auth"
	"github.com/circleofcare/platform/internal/hub"
	"github.com/circleofcare/platform/internal/metrics"
	"github.com/circleofcare/platform/internal/protocol"
)

// readBufSize is the pooled read buffer size. Frames larger than this
// (rare for chat payloads) fall back to a one-off allocation.
const readBufSize = 4096

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket transport built on gobwas/ws and Linux epoll. It
// upgrades authenticated HTTP requests on /ws/chat/{community_id}, registers
// connections with an epoll instance for I/O readiness notifications, and
// dispatches ready connections to a bounded worker pool for frame reading.
// Room membership itself lives in the hub registry; the server only moves
// frames.
type Server struct {
	config ServerConfig
	epoll  *Epoll
	conns  *ConnectionManager
	rooms  *hub.Registry      // room membership and broadcast
	authn  auth.Authenticator // token check at upgrade time

	// checkCommunity, when set, vets the community ID before the upgrade.
	checkCommunity func(ctx context.Context, communityID string) error

	workerPool chan struct{} // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte)
	bufPool    sync.Pool
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server bound to the given room registry and
// authenticator. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, rooms *hub.Registry, authn auth.Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		rooms:      rooms,
		authn:      authn,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, readBufSize)
				return &buf
			},
		},
	}
}

// SetCommunityCheck installs a hook that vets the community ID before a
// connection is upgraded. A non-nil error rejects the upgrade with 404.
func (s *Server) SetCommunityCheck(fn func(ctx context.Context, communityID string) error) {
	s.checkCommunity = fn
}

// Start initializes the epoll instance and begins the event loop and
// heartbeat in background goroutines. The HTTP listener is owned by the
// gateway, which mounts HandleChat on its mux.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: transport started (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// HandleChat upgrades an HTTP request to a WebSocket connection and joins it
// to the requested community room. Mount it at "GET /ws/chat/{community_id}".
// The session token comes from the ?token= query parameter or a bearer
// Authorization header; authentication happens before the upgrade so that
// unauthorized clients never touch room state.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	communityID := r.PathValue("community_id")
	if communityID == "" {
		http.Error(w, "missing community id", http.StatusBadRequest)
		return
	}

	member, err := s.authn.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "invalid or expired session", http.StatusUnauthorized)
		return
	}

	if s.checkCommunity != nil {
		if err := s.checkCommunity(r.Context(), communityID); err != nil {
			http.Error(w, "unknown community", http.StatusNotFound)
			return
		}
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed community=%s member=%s: %v", communityID, member.ID, err)
		return
	}

	c := &Connection{
		id:           uuid.New().String(),
		Member:       member,
		CommunityID:  communityID,
		Conn:         netConn,
		Fd:           socketFD(netConn),
		CreatedAt:    time.Now(),
		LastPing:     time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}

	s.conns.Add(c)
	if err := s.epoll.Add(netConn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.id, err)
		s.conns.Remove(c.id)
		return
	}

	if _, err := s.rooms.Attach(communityID, c, member); err != nil {
		log.Printf("ws: room attach failed conn=%s community=%s: %v", c.id, communityID, err)
		s.sendError(c, "join_failed", "could not join the community room")
		s.RemoveConnection(c)
		return
	}

	metrics.ConnectionsTotal.Inc()
	log.Printf("ws: new connection conn=%s member=%s community=%s (total=%d)",
		c.id, member.ID, communityID, s.conns.Count())

	welcome, err := protocol.NewServerMessage(protocol.TypeSystem, protocol.SystemEvent{
		CommunityID: communityID,
		Text:        "Welcome. This is a supportive space; please be kind to yourself and others.",
	})
	if err == nil {
		if err := c.Send(welcome); err != nil {
			log.Printf("ws: welcome send failed conn=%s: %v", c.id, err)
		}
	}
}

// bearerToken extracts the session token from the query string or an
// Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll, the connection manager, and its room.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length == 0 {
		return
	}

	var data []byte
	if header.Length <= readBufSize {
		pooled := s.bufPool.Get().(*[]byte)
		defer s.bufPool.Put(pooled)
		data = (*pooled)[:header.Length]
	} else {
		data = make([]byte, header.Length)
	}
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll, the connection manager,
// and its community room, and closes the underlying network connection. It
// is exported so that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager. This
	// prevents double cleanup when a read error and a heartbeat timeout race
	// to remove the same connection.
	if !s.conns.Remove(c.id) {
		return
	}

	s.rooms.Detach(c.id)
	metrics.ConnectionsTotal.Dec()

	log.Printf("ws: connection closed conn=%s member=%s (total=%d)",
		c.id, c.Member.ID, s.conns.Count())
}

// sendError sends a structured error message to the client, logging failures.
func (s *Server) sendError(c *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", c.id, err)
		return
	}
	if err := c.Send(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", c.id, err)
	}
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g. by the heartbeat monitor or health endpoint).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Rooms returns the room registry this transport feeds.
func (s *Server) Rooms() *hub.Registry {
	return s.rooms
}

// Uptime reports how long the transport has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown stops the event loop, detaches and closes all active connections,
// and releases the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down transport...")

	close(s.done)

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		if s.conns.Remove(c.id) {
			s.rooms.Detach(c.id)
			metrics.ConnectionsTotal.Dec()
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: transport stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
