// Package session implements the WebSocket Session Manager: connection
// upgrade, token authentication, inbound frame decoding, the per-session
// state machine, and outbound backpressure.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"avatarbackend/internal/engine"
	"avatarbackend/internal/monitor"
	"avatarbackend/internal/store"
	"avatarbackend/internal/wire"
	"avatarbackend/pkg/id"

	"github.com/gorilla/websocket"
)

// State is one node of the per-session state machine.
type State int

const (
	StateConnected State = iota
	StateConversationBound
	StateResponding
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConversationBound:
		return "conversation_bound"
	case StateResponding:
		return "responding"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Engine is the subset of *engine.Engine the session manager depends on.
type Engine interface {
	HandleTurn(ctx context.Context, convID, userText string, emit engine.Emitter) error
}

// Manager accepts WebSocket upgrades and owns every live Session.
type Manager struct {
	chatAPIKey    string
	maxFrameBytes int64
	outboundQueue int

	store  *store.Store
	engine Engine

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager. chatAPIKey gates the /ws upgrade;
// maxFrameBytes bounds inbound frame size; outboundQueue sizes each
// session's backpressure buffer.
func NewManager(st *store.Store, eng Engine, chatAPIKey string, maxFrameBytes int64, outboundQueue int) *Manager {
	return &Manager{
		chatAPIKey:    chatAPIKey,
		maxFrameBytes: maxFrameBytes,
		outboundQueue: outboundQueue,
		store:         st,
		engine:        eng,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{"chat"},
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*Session),
	}
}

// HandleHealth answers both /health and /healthz.
func (m *Manager) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// HandleWS authenticates and upgrades the connection, then spawns a Session.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" || token != m.chatAPIKey {
		http.Error(w, "invalid or missing API key", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}

	sess := newSession(id.New(), conn, m)
	m.register(sess)
	defer m.unregister(sess)

	sess.run()
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.id] = s
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.id)
}

// Shutdown closes every live session with close code 1001, giving each up
// to grace to finish its current turn first.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.shutdown(grace)
		}(s)
	}
	wg.Wait()
}

// extractToken implements the four-tier auth priority: Authorization
// header, WebSocket subprotocol pair, query parameter, cookie.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		if len(parts) == 2 && strings.TrimSpace(parts[0]) == "chat" {
			return strings.TrimSpace(parts[1])
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// Session is one authenticated WebSocket connection and its state machine.
type Session struct {
	id  string
	mgr *Manager

	connMu sync.Mutex // serializes writes onto conn, mirroring a teacher SafeConn
	conn   *websocket.Conn
	logCtx context.Context // carries the session id for log correlation

	outbound chan wire.Outbound
	done     chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	state      State
	convID     string
	cancelTurn context.CancelFunc
}

func newSession(sessionID string, conn *websocket.Conn, mgr *Manager) *Session {
	return &Session{
		id:       sessionID,
		mgr:      mgr,
		conn:     conn,
		logCtx:   monitor.WithSessionID(context.Background(), sessionID),
		outbound: make(chan wire.Outbound, mgr.outboundQueue),
		done:     make(chan struct{}),
		state:    StateConnected,
	}
}

// run drives the session until the connection closes. It blocks until the
// read loop exits, then cleans up.
func (s *Session) run() {
	go s.writeLoop()
	defer s.teardown()
	s.readLoop()
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case o, ok := <-s.outbound:
			if !ok {
				return
			}
			data, err := o.Marshal()
			if err != nil {
				slog.ErrorContext(s.logCtx, "failed to marshal outbound frame", "error", err)
				continue
			}
			s.connMu.Lock()
			err = s.conn.WriteMessage(websocket.TextMessage, data)
			s.connMu.Unlock()
			if err != nil {
				slog.WarnContext(s.logCtx, "outbound write failed, closing session", "error", err)
				s.enterClosing(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(s.logCtx, "session handler panicked, closing session", "panic", r)
			s.enterClosing(websocket.CloseInternalServerErr, "internal error")
		}
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.enterClosing(websocket.CloseNormalClosure, "")
			return
		}
		if int64(len(data)) > s.mgr.maxFrameBytes {
			s.sendErrorFrame(wire.ErrMessageTooLong, "frame too large")
			s.enterClosing(websocket.CloseMessageTooBig, "frame too large")
			return
		}

		in, err := wire.Unmarshal(data)
		if err != nil {
			s.sendErrorFrame(wire.ErrInternal, "malformed frame")
			continue
		}
		s.handleInbound(in)
	}
}

func (s *Session) handleInbound(in wire.Inbound) {
	switch in.Type {
	case wire.TypeStartConversation:
		s.handleStartConversation(in)
	case wire.TypeUserMessage:
		s.handleUserMessage(in)
	default:
		s.sendErrorFrame(wire.ErrInternal, fmt.Sprintf("unknown frame type %q", in.Type))
	}
}

func (s *Session) handleStartConversation(in wire.Inbound) {
	ctx := context.Background()
	var convID string

	if in.ConversationID != "" {
		if _, err := s.mgr.store.Get(ctx, in.ConversationID); err != nil {
			s.sendErrorFrame(wire.ErrConversationNotFound, "conversation not found")
			return
		}
		convID = in.ConversationID
	} else {
		created, err := s.mgr.store.CreateConversation(ctx)
		if err != nil {
			s.sendErrorFrame(wire.ErrInternal, "failed to create conversation")
			return
		}
		convID = created
	}

	s.mu.Lock()
	s.convID = convID
	s.state = StateConversationBound
	s.mu.Unlock()

	_ = s.emit(wire.Outbound{
		Type:           wire.TypeConversationStarted,
		ConversationID: convID,
		Metadata: &wire.Metadata{
			ConversationID: convID,
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

func (s *Session) handleUserMessage(in wire.Inbound) {
	s.mu.Lock()
	if s.state != StateConversationBound && s.state != StateResponding {
		s.mu.Unlock()
		s.sendErrorFrame(wire.ErrNoActiveConversation, "no active conversation")
		return
	}
	if s.state == StateResponding && s.cancelTurn != nil {
		s.cancelTurn()
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	s.cancelTurn = cancel
	s.state = StateResponding
	convID := s.convID
	s.mu.Unlock()

	go s.runTurn(turnCtx, convID, in.Content)
}

func (s *Session) runTurn(ctx context.Context, convID, content string) {
	err := s.mgr.engine.HandleTurn(ctx, convID, content, s.emit)

	s.mu.Lock()
	if s.state == StateResponding {
		s.state = StateConversationBound
	}
	s.cancelTurn = nil
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.WarnContext(s.logCtx, "turn ended with error", "conversation_id", convID, "error", err)
		s.sendErrorFrame(wire.ErrInternal, "internal error")
	}
}

// emit implements engine.Emitter: a bounded, blocking push onto the
// outbound queue. It returns an error once the session has begun closing
// so the engine can stop producing further segments.
func (s *Session) emit(o wire.Outbound) error {
	select {
	case s.outbound <- o:
		return nil
	case <-s.done:
		return fmt.Errorf("session: connection closed")
	}
}

func (s *Session) sendErrorFrame(code, msg string) {
	s.mu.Lock()
	convID := s.convID
	s.mu.Unlock()
	_ = s.emit(wire.Outbound{
		Type:    wire.TypeError,
		Content: msg,
		Emotion: wire.EmotionConcerned,
		Metadata: &wire.Metadata{
			ConversationID: convID,
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			ErrorCode:      code,
		},
	})
}

// enterClosing cancels any in-flight turn, flips the state machine to
// Closing, and releases anything blocked on s.done. Idempotent.
func (s *Session) enterClosing(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		if s.cancelTurn != nil {
			s.cancelTurn()
		}
		s.mu.Unlock()

		close(s.done)

		s.connMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.connMu.Unlock()
	})
}

func (s *Session) teardown() {
	s.enterClosing(websocket.CloseNormalClosure, "")
	_ = s.conn.Close()
}

// shutdown gives an in-flight turn up to grace to finish, then closes with
// 1001 ("going away").
func (s *Session) shutdown(grace time.Duration) {
	s.mu.Lock()
	responding := s.state == StateResponding
	s.mu.Unlock()

	if responding {
		select {
		case <-s.done:
		case <-time.After(grace):
		}
	}
	s.enterClosing(websocket.CloseGoingAway, "server shutting down")
	_ = s.conn.Close()
}
