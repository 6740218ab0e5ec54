// Package sse serves the JSON-RPC protocol over HTTP: a long-lived
// Server-Sent Events stream carries server-to-client frames, and clients
// POST requests to the message endpoint announced on the stream. Missed
// frames can be replayed on reconnect via Last-Event-ID.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/internal/usecase"
	"github.com/toolgate/toolgate/pkg/shared/jsonrpc"
)

const (
	maxBodyBytes   = 8 * 1024 * 1024
	eventQueueSize = 64
)

// Config tunes the transport.
type Config struct {
	// KeepAlive is the interval between comment pings on idle streams.
	KeepAlive time.Duration
	// SessionTimeout evicts sessions with no subscriber and no traffic.
	SessionTimeout time.Duration
	// ReplayBuffer is how many outbound frames each session retains for
	// Last-Event-ID replay.
	ReplayBuffer int
}

type event struct {
	id   int
	data []byte
}

// session is one logical client: its connection state, outbound queue, and
// replay window. A session survives stream reconnects.
type session struct {
	id        string
	conn      *usecase.Conn
	replayCap int

	mu       sync.Mutex
	events   chan event
	replay   []event
	nextID   int
	lastSeen time.Time
	attached bool
	closed   bool
}

// Server is the HTTP inbound adapter.
type Server struct {
	dispatcher *usecase.Dispatcher
	syncUC     *usecase.SyncSchemaUseCase
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	draining bool
}

// NewServer creates the SSE transport.
func NewServer(dispatcher *usecase.Dispatcher, syncUC *usecase.SyncSchemaUseCase, cfg Config, logger *slog.Logger) *Server {
	if cfg.ReplayBuffer <= 0 {
		cfg.ReplayBuffer = eventQueueSize
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	return &Server{
		dispatcher: dispatcher,
		syncUC:     syncUC,
		cfg:        cfg,
		logger:     logger.With("component", "sse"),
		sessions:   make(map[string]*session),
	}
}

// RegisterRoutes attaches the transport and admin endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sse", s.handleStream)
	mux.HandleFunc("POST /messages", s.handleMessage)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /admin/sync", s.handleSyncSchema)
}

// Reap starts the idle-session sweeper and stops it when ctx ends.
func (s *Server) Reap(ctx context.Context) {
	interval := s.cfg.SessionTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reapIdle()
			}
		}
	}()
}

// handleStream establishes (or re-attaches) the event stream. The first
// frame announces the message endpoint for this session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if s.isDraining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	sess, replayFrom, err := s.attachSession(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer s.detachSession(sess)

	log := s.logger.With(slog.String("session", sess.id))
	log.Info("SSE stream opened.", slog.Bool("reconnect", replayFrom >= 0))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: /messages?session_id=%s\n\n", sess.id)
	flusher.Flush()

	for _, ev := range sess.replayAfter(replayFrom) {
		writeEvent(w, ev)
	}
	flusher.Flush()

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("SSE stream closed by client.")
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sess.events:
			if !open {
				log.Debug("SSE session terminated.")
				return
			}
			writeEvent(w, ev)
			// Drain whatever else is queued before flushing once.
			for {
				select {
				case next, stillOpen := <-sess.events:
					if !stillOpen {
						flusher.Flush()
						return
					}
					writeEvent(w, next)
					continue
				default:
				}
				break
			}
			flusher.Flush()
		}
	}
}

// handleMessage accepts one JSON-RPC frame for an established session. The
// response travels back over the event stream; the POST only acknowledges
// receipt.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	sess := s.lookup(sessionID)
	if sess == nil {
		http.Error(w, "unknown or expired session", http.StatusNotFound)
		return
	}
	sess.touch()

	if key := bearerToken(r); key != "" {
		sess.conn.SetAPIKey(key)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	resp := s.dispatcher.HandleMessage(r.Context(), sess.conn, body)
	if resp != nil {
		if err := sess.send(resp); err != nil {
			s.logger.Warn("Failed to queue response.",
				slog.String("session", sess.id), slog.Any("error", err))
			http.Error(w, "session backlogged", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.isDraining() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   status,
		"sessions": s.sessionCount(),
	})
}

// SyncRequest is the body for POST /admin/sync.
type SyncRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleSyncSchema(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode sync request body", slog.Any("error", err))
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.Source == "" {
		http.Error(w, "Missing 'source' field in request body", http.StatusBadRequest)
		return
	}

	s.logger.Info("Received sync request", slog.String("source", req.Source))
	if err := s.syncUC.Execute(r.Context(), req.Source); err != nil {
		s.logger.Error("Failed to sync schema", slog.String("source", req.Source), slog.Any("error", err))
		http.Error(w, fmt.Sprintf("Failed to sync schema: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "Sync request accepted for source: %s\n", req.Source)
}

// NotifyDraining broadcasts the shutdown notice to every live session and
// refuses new streams from here on.
func (s *Server) NotifyDraining(graceMS int64) {
	s.mu.Lock()
	s.draining = true
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	note := jsonrpc.NewNotification("notifications/shutdown", map[string]interface{}{
		"reason":  "draining",
		"graceMs": graceMS,
	})
	for _, sess := range live {
		if err := sess.send(note); err != nil {
			s.logger.Debug("Drain notice dropped.", slog.String("session", sess.id))
		}
	}
}

// CloseAll terminates every session. Called after drain completes.
func (s *Server) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.close()
		delete(s.sessions, id)
	}
}

func (s *Server) attachSession(r *http.Request) (*session, int, error) {
	replayFrom := -1
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		sess := s.lookup(sessionID)
		if sess == nil {
			return nil, 0, fmt.Errorf("unknown or expired session %s", sessionID)
		}
		if last := r.Header.Get("Last-Event-ID"); last != "" {
			n, err := strconv.Atoi(last)
			if err != nil {
				return nil, 0, fmt.Errorf("invalid Last-Event-ID %q", last)
			}
			replayFrom = n
		}
		sess.setAttached(true)
		return sess, replayFrom, nil
	}

	sess := &session{
		id:        uuid.NewString(),
		replayCap: s.cfg.ReplayBuffer,
		events:    make(chan event, eventQueueSize),
		lastSeen:  time.Now(),
		attached:  true,
	}
	sess.conn = usecase.NewConn(sess.id, sess)
	if key := bearerToken(r); key != "" {
		sess.conn.SetAPIKey(key)
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess, -1, nil
}

func (s *Server) detachSession(sess *session) {
	sess.setAttached(false)
	sess.touch()
}

func (s *Server) lookup(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) reapIdle() {
	cutoff := time.Now().Add(-s.cfg.SessionTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.idleSince(cutoff) {
			s.logger.Info("Reaping idle session.", slog.String("session", id))
			sess.close()
			delete(s.sessions, id)
		}
	}
}

// Notify implements usecase.Sender for the session.
func (sess *session) Notify(ctx context.Context, method string, params interface{}) error {
	return sess.send(jsonrpc.NewNotification(method, params))
}

func (sess *session) send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return fmt.Errorf("session %s is closed", sess.id)
	}
	sess.nextID++
	ev := event{id: sess.nextID, data: data}
	sess.replay = append(sess.replay, ev)
	if len(sess.replay) > sess.replayCap {
		sess.replay = sess.replay[len(sess.replay)-sess.replayCap:]
	}
	sess.mu.Unlock()

	select {
	case sess.events <- ev:
		return nil
	default:
		// Queue full: the event stays in the replay window, so a slow
		// subscriber can recover it on reconnect.
		return fmt.Errorf("session %s event queue is full", sess.id)
	}
}

func (sess *session) replayAfter(lastID int) []event {
	if lastID < 0 {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	var out []event
	for _, ev := range sess.replay {
		if ev.id > lastID {
			out = append(out, ev)
		}
	}
	// Anything replayed is also drained from the live queue to avoid
	// duplicates on the fresh stream.
	for {
		select {
		case <-sess.events:
			continue
		default:
		}
		break
	}
	return out
}

func (sess *session) touch() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastSeen = time.Now()
}

func (sess *session) setAttached(v bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.attached = v
}

func (sess *session) idleSince(cutoff time.Time) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return !sess.attached && sess.lastSeen.Before(cutoff)
}

func (sess *session) close() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.closed {
		sess.closed = true
		close(sess.events)
	}
}

func writeEvent(w io.Writer, ev event) {
	fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.id, ev.data)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
