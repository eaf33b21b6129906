package tether

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Channel Manager contract
// ============================================================================

// ConversationHandlers receive directory-level realtime events.
type ConversationHandlers struct {
	OnInsert func(Conversation)
	OnUpdate func(Conversation)
}

// MessageHandlers receive thread-level realtime events.
type MessageHandlers struct {
	OnInsert func(Message)
}

// ChannelManager abstracts the realtime push transport. Each Subscribe
// call opens one logical topic and returns its teardown func. Delivery
// order and at-most-once are NOT guaranteed by the transport — the stores
// absorb duplicates and reordering themselves.
type ChannelManager interface {
	SubscribeConversations(userID string, h ConversationHandlers) (func(), error)
	SubscribeParticipants(userID string, h func(ParticipantUpdate)) (func(), error)
	SubscribeMessages(conversationID string, h MessageHandlers) (func(), error)
	SubscribeTyping(conversationID string, h func(TypingEvent)) (func(), error)
	// PublishTyping broadcasts a transient typing flag on the
	// conversation's presence channel. Fire-and-forget.
	PublishTyping(ctx context.Context, ev TypingEvent) error
}

// TypingTTL is the auto-expiry applied to typing broadcasts that carry no
// explicit ExpiresAt.
const TypingTTL = 5 * time.Second

// ============================================================================
// Wire format
// ============================================================================

// wsEnvelope is the server→client wire format.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// wsCommand is a client→server command.
type wsCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the WebSocket channel manager.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Topic registry
// ============================================================================

// wsTopics tracks which logical topics have live handlers so watch
// commands can be replayed after a reconnect.
type wsTopics struct {
	mu            sync.RWMutex
	nextID        int
	conversations map[int]ConversationHandlers
	participants  map[int]func(ParticipantUpdate)
	messages      map[string]map[int]MessageHandlers
	typing        map[string]map[int]func(TypingEvent)
	userID        string
}

func newWSTopics() *wsTopics {
	return &wsTopics{
		conversations: make(map[int]ConversationHandlers),
		participants:  make(map[int]func(ParticipantUpdate)),
		messages:      make(map[string]map[int]MessageHandlers),
		typing:        make(map[string]map[int]func(TypingEvent)),
	}
}

// watchCommands returns the commands needed to (re)open every live topic.
func (t *wsTopics) watchCommands() []wsCommand {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var cmds []wsCommand
	if len(t.conversations) > 0 {
		cmds = append(cmds, wsCommand{Type: "conversations.watch", Payload: map[string]string{"userId": t.userID}})
	}
	if len(t.participants) > 0 {
		cmds = append(cmds, wsCommand{Type: "participants.watch", Payload: map[string]string{"userId": t.userID}})
	}
	for convID, hs := range t.messages {
		if len(hs) > 0 {
			cmds = append(cmds, wsCommand{Type: "messages.watch", Payload: map[string]string{"conversationId": convID}})
		}
	}
	for convID, hs := range t.typing {
		if len(hs) > 0 {
			cmds = append(cmds, wsCommand{Type: "typing.watch", Payload: map[string]string{"conversationId": convID}})
		}
	}
	return cmds
}

// ============================================================================
// WSChannelManager
// ============================================================================

// WSChannelManager implements ChannelManager over a single WebSocket
// connection with auto-reconnect and heartbeat. One manager serves one
// signed-in user; per-topic fan-out happens with watch/unwatch commands.
type WSChannelManager struct {
	baseURL          string
	config           *ChannelConfig
	log              *slog.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector
	topics           *wsTopics
	pingCounter      int
	pendingPings     map[string]chan pongPayload
	pendingMu        sync.Mutex
}

// NewWSChannelManager creates a manager for the given backend. Call
// Connect to establish the connection. A nil logger disables logging.
func NewWSChannelManager(baseURL string, config *ChannelConfig, log *slog.Logger) *WSChannelManager {
	cfg := *config
	cfg.defaults()
	if log == nil {
		log = nopLogger()
	}
	return &WSChannelManager{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		log:          log,
		state:        StateDisconnected,
		recon:        newReconnector(&cfg),
		topics:       newWSTopics(),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// State returns the current connection state.
func (ws *WSChannelManager) State() ChannelState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection and replays watch commands
// for any topics subscribed while disconnected.
func (ws *WSChannelManager) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ws.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the auth ack.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	for _, cmd := range ws.topics.watchCommands() {
		if err := ws.send(ctx, cmd); err != nil {
			ws.log.Warn("watch replay failed", "type", cmd.Type, "err", err)
		}
	}
	return nil
}

// Disconnect gracefully closes the connection. Topic registrations are
// kept so a later Connect resumes them.
func (ws *WSChannelManager) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (ws *WSChannelManager) setState(s ChannelState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSChannelManager) send(ctx context.Context, cmd wsCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// sendBestEffort issues a command if connected; topic bookkeeping already
// guarantees a reconnect replays the watch set, so failures are ignored.
func (ws *WSChannelManager) sendBestEffort(cmd wsCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.send(ctx, cmd); err != nil {
		ws.log.Debug("command dropped", "type", cmd.Type, "err", err)
	}
}

// ── Subscriptions ────────────────────────────────────────

func (ws *WSChannelManager) SubscribeConversations(userID string, h ConversationHandlers) (func(), error) {
	t := ws.topics
	t.mu.Lock()
	t.userID = userID
	t.nextID++
	id := t.nextID
	first := len(t.conversations) == 0
	t.conversations[id] = h
	t.mu.Unlock()

	if first {
		ws.sendBestEffort(wsCommand{Type: "conversations.watch", Payload: map[string]string{"userId": userID}})
	}
	return func() {
		t.mu.Lock()
		delete(t.conversations, id)
		last := len(t.conversations) == 0
		t.mu.Unlock()
		if last {
			ws.sendBestEffort(wsCommand{Type: "conversations.unwatch", Payload: map[string]string{"userId": userID}})
		}
	}, nil
}

func (ws *WSChannelManager) SubscribeParticipants(userID string, h func(ParticipantUpdate)) (func(), error) {
	t := ws.topics
	t.mu.Lock()
	t.userID = userID
	t.nextID++
	id := t.nextID
	first := len(t.participants) == 0
	t.participants[id] = h
	t.mu.Unlock()

	if first {
		ws.sendBestEffort(wsCommand{Type: "participants.watch", Payload: map[string]string{"userId": userID}})
	}
	return func() {
		t.mu.Lock()
		delete(t.participants, id)
		last := len(t.participants) == 0
		t.mu.Unlock()
		if last {
			ws.sendBestEffort(wsCommand{Type: "participants.unwatch", Payload: map[string]string{"userId": userID}})
		}
	}, nil
}

func (ws *WSChannelManager) SubscribeMessages(conversationID string, h MessageHandlers) (func(), error) {
	t := ws.topics
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	if t.messages[conversationID] == nil {
		t.messages[conversationID] = make(map[int]MessageHandlers)
	}
	first := len(t.messages[conversationID]) == 0
	t.messages[conversationID][id] = h
	t.mu.Unlock()

	if first {
		ws.sendBestEffort(wsCommand{Type: "messages.watch", Payload: map[string]string{"conversationId": conversationID}})
	}
	return func() {
		t.mu.Lock()
		delete(t.messages[conversationID], id)
		last := len(t.messages[conversationID]) == 0
		t.mu.Unlock()
		if last {
			ws.sendBestEffort(wsCommand{Type: "messages.unwatch", Payload: map[string]string{"conversationId": conversationID}})
		}
	}, nil
}

func (ws *WSChannelManager) SubscribeTyping(conversationID string, h func(TypingEvent)) (func(), error) {
	t := ws.topics
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	if t.typing[conversationID] == nil {
		t.typing[conversationID] = make(map[int]func(TypingEvent))
	}
	first := len(t.typing[conversationID]) == 0
	t.typing[conversationID][id] = h
	t.mu.Unlock()

	if first {
		ws.sendBestEffort(wsCommand{Type: "typing.watch", Payload: map[string]string{"conversationId": conversationID}})
	}
	return func() {
		t.mu.Lock()
		delete(t.typing[conversationID], id)
		last := len(t.typing[conversationID]) == 0
		t.mu.Unlock()
		if last {
			ws.sendBestEffort(wsCommand{Type: "typing.unwatch", Payload: map[string]string{"conversationId": conversationID}})
		}
	}, nil
}

func (ws *WSChannelManager) PublishTyping(ctx context.Context, ev TypingEvent) error {
	if ev.ExpiresAt == "" {
		ev.ExpiresAt = time.Now().UTC().Add(TypingTTL).Format(time.RFC3339Nano)
	}
	return ws.send(ctx, wsCommand{Type: "typing.set", Payload: ev})
}

// ── Dispatch ─────────────────────────────────────────────

func (ws *WSChannelManager) dispatch(env wsEnvelope) {
	t := ws.topics
	switch env.Type {
	case "conversation.insert", "conversation.update":
		var conv Conversation
		if json.Unmarshal(env.Payload, &conv) != nil {
			return
		}
		t.mu.RLock()
		handlers := make([]ConversationHandlers, 0, len(t.conversations))
		for _, h := range t.conversations {
			handlers = append(handlers, h)
		}
		t.mu.RUnlock()
		for _, h := range handlers {
			if env.Type == "conversation.insert" && h.OnInsert != nil {
				h.OnInsert(conv)
			}
			if env.Type == "conversation.update" && h.OnUpdate != nil {
				h.OnUpdate(conv)
			}
		}

	case "participant.update":
		var p ParticipantUpdate
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		t.mu.RLock()
		handlers := make([]func(ParticipantUpdate), 0, len(t.participants))
		for _, h := range t.participants {
			handlers = append(handlers, h)
		}
		t.mu.RUnlock()
		for _, h := range handlers {
			h(p)
		}

	case "message.new":
		var m Message
		if json.Unmarshal(env.Payload, &m) != nil {
			return
		}
		t.mu.RLock()
		handlers := make([]MessageHandlers, 0, len(t.messages[m.ConversationID]))
		for _, h := range t.messages[m.ConversationID] {
			handlers = append(handlers, h)
		}
		t.mu.RUnlock()
		for _, h := range handlers {
			if h.OnInsert != nil {
				h.OnInsert(m)
			}
		}

	case "typing.indicator":
		var ev TypingEvent
		if json.Unmarshal(env.Payload, &ev) != nil {
			return
		}
		t.mu.RLock()
		handlers := make([]func(TypingEvent), 0, len(t.typing[ev.ConversationID]))
		for _, h := range t.typing[ev.ConversationID] {
			handlers = append(handlers, h)
		}
		t.mu.RUnlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

// ── Connection loops ─────────────────────────────────────

func (ws *WSChannelManager) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()
			ws.log.Info("realtime connection lost", "err", err)

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == "pong" {
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		ws.dispatch(env)
	}
}

func (ws *WSChannelManager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.ping(ctx); err != nil {
				// Heartbeat failed — force close so readLoop reconnects.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSChannelManager) ping(ctx context.Context) error {
	ws.pendingMu.Lock()
	ws.pingCounter++
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter)
	ch := make(chan pongPayload, 1)
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	if err := ws.send(ctx, wsCommand{Type: "ping", Payload: map[string]string{"requestId": requestID}}); err != nil {
		drop()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		drop()
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return ctx.Err()
	}
}

func (ws *WSChannelManager) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.setState(StateReconnecting)
	ws.log.Info("reconnecting", "attempt", ws.recon.attempt, "delay", delay)

	time.Sleep(delay)

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		} else {
			ws.setState(StateDisconnected)
		}
	}
}

func (ws *WSChannelManager) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
