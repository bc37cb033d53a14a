// Package gateway assembles the platform's public surface: the WebSocket
// chat endpoint, the crisis/panic endpoint, the AI companion, community and
// post REST endpoints, session management, health, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/circleofcare/platform/internal/ai"
	"github.com/circleofcare/platform/internal/auth"
	"github.com/circleofcare/platform/internal/community"
	"github.com/circleofcare/platform/internal/config"
	"github.com/circleofcare/platform/internal/crisis"
	"github.com/circleofcare/platform/internal/history"
	"github.com/circleofcare/platform/internal/hub"
	"github.com/circleofcare/platform/internal/messaging"
	"github.com/circleofcare/platform/internal/metrics"
	"github.com/circleofcare/platform/internal/protocol"
	"github.com/circleofcare/platform/internal/ratelimit"
	"github.com/circleofcare/platform/internal/ws"
)

// companionSystemPrompt frames every AI companion conversation. The content
// is the platform's trauma-informed support contract with the model.
const companionSystemPrompt = `You are a compassionate mental health companion for Circle of Care, a trauma-sensitive support platform. You specialize in PTSD, chronic pain, and general wellness support.

Key guidelines:
- Always be gentle, understanding, and non-judgmental
- Use trauma-informed language
- Provide practical coping strategies and grounding techniques
- Encourage professional help when needed
- Never diagnose or provide medical advice
- Validate emotions and experiences
- Offer hope and encouragement
- If this is a panic/crisis situation, prioritize immediate safety and calming techniques

Remember: You're here to support, not replace professional therapy or medical care.`

// companionPanicAddendum is appended to the system prompt when the client
// marks the conversation as a panic situation.
const companionPanicAddendum = `

PANIC BUTTON ACTIVATED: This user is in distress. Priority:
1. Immediate grounding and calming techniques
2. Validate their courage in reaching out
3. Provide simple, clear coping strategies
4. Encourage them they are safe right now
5. Suggest breathing exercises or grounding techniques`

// companionApology is returned when the upstream model fails. Members in
// distress get a gentle redirect, never an error payload.
const companionApology = "I'm sorry, I'm temporarily unavailable. Please try again or reach out to our community for support."

// SessionManager is the slice of the auth store the gateway needs. The
// production implementation is the Redis-backed auth.Store.
type SessionManager interface {
	auth.Authenticator
	CreateSession(ctx context.Context, member auth.Member) (string, error)
	Delete(ctx context.Context, token string) error
}

// Deps are the collaborators the gateway wires together. Sessions, Rooms,
// and Crisis are required; the rest degrade gracefully when nil (no rate
// limiting, no event mirror, no REST store, no AI companion).
type Deps struct {
	Sessions    SessionManager
	Rooms       *hub.Registry
	Crisis      *crisis.Controller
	Companion   ai.Completer
	Communities *community.Store
	History     *history.Buffer
	Limiter     *ratelimit.Limiter
	Events      *messaging.NATSClient
}

// Gateway is the HTTP/WebSocket front of the platform.
type Gateway struct {
	cfg       config.Config
	deps      Deps
	transport *ws.Server
	startedAt time.Time
}

// New builds a Gateway and its WebSocket transport. Call Start before
// serving and Shutdown on exit.
func New(cfg config.Config, deps Deps) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		deps:      deps,
		startedAt: time.Now(),
	}

	dispatcher := ws.NewMessageDispatcher()
	dispatcher.Register(protocol.TypeMessage, g.handleChatMessage)

	g.transport = ws.NewServer(ws.ServerConfig{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeoutSec) * time.Second,
	}, deps.Rooms, deps.Sessions, dispatcher.Dispatch)

	if deps.Communities != nil {
		g.transport.SetCommunityCheck(deps.Communities.Exists)
	}

	return g
}

// Start brings up the WebSocket transport (epoll loop, heartbeat).
func (g *Gateway) Start() error {
	return g.transport.Start()
}

// Shutdown stops the transport and closes every live connection.
func (g *Gateway) Shutdown() error {
	return g.transport.Shutdown()
}

// Routes returns the gateway's HTTP mux with every endpoint mounted.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/chat/{community_id}", g.transport.HandleChat)

	mux.HandleFunc("POST /api/auth/session", g.handleCreateSession)
	mux.HandleFunc("POST /api/auth/logout", g.handleLogout)
	mux.HandleFunc("GET /api/auth/me", g.handleMe)

	mux.HandleFunc("POST /api/panic", g.handlePanic)
	mux.HandleFunc("POST /api/ai/chat", g.handleAIChat)

	mux.HandleFunc("GET /api/communities", g.handleListCommunities)
	mux.HandleFunc("POST /api/communities", g.handleCreateCommunity)
	mux.HandleFunc("GET /api/communities/{community_id}/posts", g.handleListPosts)
	mux.HandleFunc("POST /api/communities/{community_id}/posts", g.handleCreatePost)

	mux.HandleFunc("GET /api/chat/{community_id}/messages", g.handleRecentMessages)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// handleChatMessage is the dispatcher handler for incoming chat messages. It
// applies the per-member rate limit, then publishes through the room hub,
// which owns moderation, sequencing, and broadcast.
func (g *Gateway) handleChatMessage(conn *ws.Connection, msg interface{}) {
	chat, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}

	if g.deps.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		allowed, _ := g.deps.Limiter.Allow(ctx, conn.Member.ID, ratelimit.RuleMessage)
		retry := 0
		if !allowed {
			retry = int(g.deps.Limiter.RetryAfter(ctx, conn.Member.ID, ratelimit.RuleMessage).Seconds())
		}
		cancel()
		if !allowed {
			data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedEvent{
				RetryAfter: retry,
			})
			if err == nil {
				_ = conn.Send(data)
			}
			return
		}
	}

	h := g.deps.Rooms.HubFor(conn.ID())
	if h == nil {
		log.Printf("gateway: message from unattached conn=%s", conn.ID())
		return
	}

	if _, err := h.Publish(conn.ID(), chat.Message); err != nil {
		data, buildErr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    "publish_failed",
			Message: err.Error(),
		})
		if buildErr == nil {
			_ = conn.Send(data)
		}
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type createSessionRequest struct {
	DisplayName string `json:"display_name"`
	Anonymous   bool   `json:"anonymous"`
}

type createSessionResponse struct {
	MemberID     string `json:"member_id"`
	DisplayName  string `json:"display_name"`
	Anonymous    bool   `json:"anonymous"`
	SessionToken string `json:"session_token"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if g.deps.Limiter != nil {
		allowed, _ := g.deps.Limiter.Allow(r.Context(), clientAddr(r), ratelimit.RuleSession)
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "too many session requests")
			return
		}
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	member := auth.NewMember(req.DisplayName, req.Anonymous)
	token, err := g.deps.Sessions.CreateSession(r.Context(), member)
	if err != nil {
		log.Printf("gateway: create session failed: %v", err)
		writeError(w, http.StatusInternalServerError, "session creation failed")
		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{
		MemberID:     member.ID,
		DisplayName:  member.DisplayName,
		Anonymous:    member.Anonymous,
		SessionToken: token,
	})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token != "" {
		if err := g.deps.Sessions.Delete(r.Context(), token); err != nil {
			log.Printf("gateway: logout failed: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	member, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, member)
}

// ---------------------------------------------------------------------------
// Crisis / AI companion
// ---------------------------------------------------------------------------

type panicRequest struct {
	Severity           string `json:"severity"`
	TriggerDescription string `json:"trigger_description"`
}

// crisisEvent is the NATS notification emitted for on-call tooling after
// every escalation.
type crisisEvent struct {
	MemberID string `json:"member_id"`
	Severity string `json:"severity"`
	Fallback bool   `json:"fallback"`
	Ts       int64  `json:"ts"`
}

func (g *Gateway) handlePanic(w http.ResponseWriter, r *http.Request) {
	member, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	if g.deps.Limiter != nil {
		allowed, _ := g.deps.Limiter.Allow(r.Context(), member.ID, ratelimit.RulePanic)
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "please wait a moment before triggering again")
			return
		}
	}

	var req panicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// A panic trigger with a malformed body still gets help.
		req = panicRequest{}
	}

	resp := g.deps.Crisis.Escalate(r.Context(), crisis.Request{
		MemberID: member.ID,
		Severity: crisis.ParseSeverity(req.Severity),
		Context:  req.TriggerDescription,
	})

	if g.deps.Events != nil {
		data, err := json.Marshal(crisisEvent{
			MemberID: member.ID,
			Severity: string(crisis.ParseSeverity(req.Severity)),
			Fallback: resp.Fallback,
			Ts:       time.Now().Unix(),
		})
		if err == nil {
			if err := g.deps.Events.PublishCrisisEvent(data); err != nil {
				log.Printf("gateway: crisis event publish failed: %v", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type aiChatRequest struct {
	Message string `json:"message"`
	IsPanic bool   `json:"is_panic"`
}

type aiChatResponse struct {
	Response        string `json:"response"`
	IsPanicResponse bool   `json:"is_panic_response"`
}

func (g *Gateway) handleAIChat(w http.ResponseWriter, r *http.Request) {
	member, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	var req aiChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply := companionApology
	if g.deps.Companion != nil {
		prompt := companionSystemPrompt
		if req.IsPanic {
			prompt += companionPanicAddendum
		}

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(g.cfg.AITimeoutSec)*time.Second)
		defer cancel()

		text, err := g.deps.Companion.Complete(ctx, prompt, req.Message)
		if err != nil {
			log.Printf("gateway: ai companion error member=%s: %v", member.ID, err)
		} else if text != "" {
			reply = text
		}
	}

	writeJSON(w, http.StatusOK, aiChatResponse{
		Response:        reply,
		IsPanicResponse: req.IsPanic,
	})
}

// ---------------------------------------------------------------------------
// Communities and posts
// ---------------------------------------------------------------------------

func (g *Gateway) handleListCommunities(w http.ResponseWriter, r *http.Request) {
	if g.deps.Communities == nil {
		writeError(w, http.StatusServiceUnavailable, "community store unavailable")
		return
	}

	list, err := g.deps.Communities.ListCommunities(r.Context())
	if err != nil {
		log.Printf("gateway: list communities failed: %v", err)
		writeError(w, http.StatusInternalServerError, "could not list communities")
		return
	}
	if list == nil {
		list = []community.Community{}
	}
	writeJSON(w, http.StatusOK, list)
}

type createCommunityRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

func (g *Gateway) handleCreateCommunity(w http.ResponseWriter, r *http.Request) {
	member, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	if g.deps.Communities == nil {
		writeError(w, http.StatusServiceUnavailable, "community store unavailable")
		return
	}

	var req createCommunityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := g.deps.Communities.CreateCommunity(r.Context(), req.Name, req.Description, req.Category, member.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (g *Gateway) handleListPosts(w http.ResponseWriter, r *http.Request) {
	if g.deps.Communities == nil {
		writeError(w, http.StatusServiceUnavailable, "community store unavailable")
		return
	}

	posts, err := g.deps.Communities.ListPosts(r.Context(), r.PathValue("community_id"))
	if err != nil {
		log.Printf("gateway: list posts failed: %v", err)
		writeError(w, http.StatusInternalServerError, "could not list posts")
		return
	}
	if posts == nil {
		posts = []community.Post{}
	}
	writeJSON(w, http.StatusOK, posts)
}

type createPostRequest struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	IsAnonymous bool   `json:"is_anonymous"`
	SupportType string `json:"support_type"`
}

func (g *Gateway) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	member, ok := g.authenticate(w, r)
	if !ok {
		return
	}
	if g.deps.Communities == nil {
		writeError(w, http.StatusServiceUnavailable, "community store unavailable")
		return
	}

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p := &community.Post{
		CommunityID: r.PathValue("community_id"),
		AuthorID:    member.ID,
		Title:       req.Title,
		Content:     req.Content,
		IsAnonymous: req.IsAnonymous,
		SupportType: req.SupportType,
	}
	if err := g.deps.Communities.CreatePost(r.Context(), p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ---------------------------------------------------------------------------
// Recent messages, health
// ---------------------------------------------------------------------------

func (g *Gateway) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.authenticate(w, r); !ok {
		return
	}
	if g.deps.History == nil {
		writeJSON(w, http.StatusOK, []history.Message{})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	msgs := g.deps.History.Recent(r.PathValue("community_id"), limit)
	if msgs == nil {
		msgs = []history.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: g.transport.Connections().Count(),
		Rooms:       g.deps.Rooms.Rooms(),
		Uptime:      time.Since(g.startedAt).Round(time.Second).String(),
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// authenticate resolves the request's bearer token to a member, writing a
// 401 and returning ok=false when the session is missing or invalid. Core
// state is never touched before this check passes.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request) (auth.Member, bool) {
	member, err := g.deps.Sessions.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return auth.Member{}, false
	}
	return member, true
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
