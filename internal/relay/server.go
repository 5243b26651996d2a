package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/harshasoftware/tarotforge/internal/session"
)

// Server exposes the relay over HTTP: the /ws channel endpoint plus the
// session persistence and ops API.
type Server struct {
	hub            *Hub
	store          session.Persistence
	stats          *Stats
	privacy        *PrivacyFilter
	tokens         *TokenIssuer // nil disables per-session join tokens
	authToken      string       // static bearer token, "" disables
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(hub *Hub, store session.Persistence, stats *Stats, privacy *PrivacyFilter, tokens *TokenIssuer, allowedOrigins []string, authToken string) *Server {
	if privacy == nil {
		privacy = &PrivacyFilter{}
	}
	s := &Server{
		hub:            hub,
		store:          store,
		stats:          stats,
		privacy:        privacy,
		tokens:         tokens,
		authToken:      authToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/channels", s.handleChannels)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/health", s.handleHealth)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	channelName := r.URL.Query().Get("channel")
	if channelName == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	if !s.authorizeChannel(r, channelName) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: ws upgrade error: %v", err)
		return
	}

	log.Printf("relay: subscriber connected to %s from %s", channelName, r.RemoteAddr)
	sub := s.hub.Subscribe(channelName, conn)

	go func() {
		defer func() {
			s.hub.Remove(sub)
			log.Printf("relay: subscriber left %s (%s)", channelName, r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.dispatch(sub, data)
		}
	}()
}

// dispatch routes one inbound frame from a subscriber. Unknown frame types
// are dropped, not fatal; a misbehaving client only hurts itself.
func (s *Server) dispatch(sub *Subscriber, data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("relay: bad frame on %s: %v", sub.channel, err)
		return
	}
	switch frame.Type {
	case FrameBroadcast:
		if frame.Event == "" {
			return
		}
		s.hub.Broadcast(sub, frame.Event, frame.Payload)
	case FrameTrack:
		if frame.Participant == nil {
			return
		}
		s.hub.Track(sub, *frame.Participant)
	default:
		log.Printf("relay: unknown frame type %q on %s", frame.Type, sub.channel)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "persistence not configured", http.StatusServiceUnavailable)
		return
	}

	var draft session.Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		http.Error(w, "invalid session draft", http.StatusBadRequest)
		return
	}
	if draft.HostParticipantID == "" {
		http.Error(w, "hostParticipantId is required", http.StatusBadRequest)
		return
	}

	id, err := s.store.CreateSession(r.Context(), draft)
	if err != nil {
		log.Printf("relay: create session: %v", err)
		http.Error(w, "create session failed", http.StatusInternalServerError)
		return
	}
	s.stats.sessionCreated()

	resp := CreateSessionResponse{ID: id}
	if s.tokens != nil {
		token, err := s.tokens.Issue(id)
		if err != nil {
			log.Printf("relay: issue join token for %s: %v", id, err)
			http.Error(w, "issue join token failed", http.StatusInternalServerError)
			return
		}
		resp.JoinToken = token
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.store == nil {
		http.Error(w, "persistence not configured", http.StatusServiceUnavailable)
		return
	}

	// Parse: /api/sessions/{id} and /api/sessions/{id}/state
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id, err := url.PathUnescape(parts[0])
	if err != nil || id == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		s.handleLoadSession(w, r, id)
	case parts[1] == "state":
		s.handleSaveState(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleLoadSession(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rec, err := s.store.LoadSession(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		s.stats.sessionLoaded(false)
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("relay: load session %s: %v", id, err)
		http.Error(w, "load session failed", http.StatusInternalServerError)
		return
	}
	s.stats.sessionLoaded(true)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SaveStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid state body", http.StatusBadRequest)
		return
	}

	err := s.store.SaveState(r.Context(), id, req.Rev, req.State)
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("relay: save state %s: %v", id, err)
		http.Error(w, "save state failed", http.StatusInternalServerError)
		return
	}
	s.stats.stateSaved()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.privacy.FilterSlice(s.hub.Channels()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.stats == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Health())
}

// authorize checks the static bearer token for the HTTP API. With no token
// configured the API is open (dev mode).
func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

// authorizeChannel gates /ws. A per-session join token scoped to the
// requested channel is accepted when the issuer is configured; the static
// token remains valid either way so operators keep a master key.
func (s *Server) authorizeChannel(r *http.Request, channelName string) bool {
	if s.authorize(r) && s.authToken != "" {
		return true
	}
	if s.tokens != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			return false
		}
		if err := s.tokens.Verify(token, channelName); err != nil {
			log.Printf("relay: join token rejected for %s: %v", channelName, err)
			return false
		}
		return true
	}
	return s.authorize(r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("relay listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
