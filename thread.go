package tether

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendInput describes a locally originated message. Type defaults to text.
type SendInput struct {
	ConversationID string
	SenderID       string
	Type           string
	Content        string
	MediaURL       string
}

// threadState is the per-conversation slice of the store: the ordered
// message log, its pagination cursor, and the seen-id set that makes
// realtime application at-most-once.
type threadState struct {
	messages []Message
	cursor   string
	loading  bool
	err      error
	seen     map[string]struct{}
}

// threadSnapshot is the cache mirror for one conversation.
type threadSnapshot struct {
	Messages []Message `json:"messages"`
}

// ThreadStore owns the per-conversation message logs, merging three
// sources without duplication: paginated backward loads, realtime
// inserts, and optimistic local sends.
type ThreadStore struct {
	emitter
	gateway  Gateway
	channels ChannelManager
	cache    Cache
	log      *slog.Logger
	guard    *subscriptionGuard

	mu      sync.Mutex
	userID  string
	threads map[string]*threadState
}

// NewThreadStore builds the store for one signed-in user. A nil logger
// disables logging.
func NewThreadStore(userID string, gateway Gateway, channels ChannelManager, cache Cache, log *slog.Logger) *ThreadStore {
	if log == nil {
		log = nopLogger()
	}
	return &ThreadStore{
		gateway:  gateway,
		channels: channels,
		cache:    cache,
		log:      log,
		guard:    newSubscriptionGuard(),
		userID:   userID,
		threads:  make(map[string]*threadState),
	}
}

func threadCacheKey(conversationID string) string {
	return "thread." + conversationID
}

// thread returns the state for a conversation, restoring the cached
// snapshot on first touch. Called with s.mu held.
func (s *ThreadStore) thread(conversationID string) *threadState {
	if t, ok := s.threads[conversationID]; ok {
		return t
	}
	t := &threadState{seen: make(map[string]struct{})}

	var snap threadSnapshot
	if s.cache.LoadJSON(threadCacheKey(conversationID), &snap) {
		t.messages = snap.Messages
		for _, m := range t.messages {
			// Unconfirmed entries stay out of the seen set so a late
			// realtime echo can still confirm them.
			if !m.IsOptimistic {
				t.seen[m.ID] = struct{}{}
			}
		}
	}
	s.threads[conversationID] = t
	return t
}

// persistThread is called with s.mu held.
func (s *ThreadStore) persistThread(conversationID string, t *threadState) {
	s.cache.SaveJSON(threadCacheKey(conversationID), threadSnapshot{Messages: t.messages})
}

// sortByCreatedAt orders messages ascending by CreatedAt. Timestamps are
// parsed for the comparison: RFC3339Nano drops the fraction on whole
// seconds, so "…:01Z" would string-sort after "…:01.5Z", and offsets
// would not compare at all. Unparseable values fall back to string order.
// Stable: ties keep insertion order.
func sortByCreatedAt(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, errI := time.Parse(time.RFC3339Nano, msgs[i].CreatedAt)
		tj, errJ := time.Parse(time.RFC3339Nano, msgs[j].CreatedAt)
		if errI == nil && errJ == nil {
			return ti.Before(tj)
		}
		return msgs[i].CreatedAt < msgs[j].CreatedAt
	})
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ============================================================================
// Paging
// ============================================================================

// LoadLatest fetches the newest page, replaces the thread's message list,
// and seeds the cursor to "before the oldest loaded message". Used on
// thread open.
func (s *ThreadStore) LoadLatest(ctx context.Context, conversationID string) {
	s.mu.Lock()
	t := s.thread(conversationID)
	t.loading = true
	s.mu.Unlock()

	page, err := s.gateway.FetchMessagesPage(ctx, conversationID, "")

	s.mu.Lock()
	t.loading = false
	if err != nil {
		t.err = err
		s.mu.Unlock()
		s.log.Warn("thread load failed", "conversation", conversationID, "err", err)
		return
	}
	t.err = nil
	t.cursor = page.NextCursor

	t.messages = append([]Message(nil), page.Items...)
	sortByCreatedAt(t.messages)
	t.seen = make(map[string]struct{}, len(t.messages))
	for _, m := range t.messages {
		t.seen[m.ID] = struct{}{}
	}

	s.persistThread(conversationID, t)
	s.mu.Unlock()

	s.emit("thread.updated", conversationID)
}

// LoadOlder fetches the page preceding the current cursor and prepends it
// — older messages go to the front of history. No-op once the cursor is
// exhausted.
func (s *ThreadStore) LoadOlder(ctx context.Context, conversationID string) {
	s.mu.Lock()
	t := s.thread(conversationID)
	if t.cursor == "" || t.loading {
		s.mu.Unlock()
		return
	}
	cursor := t.cursor
	t.loading = true
	s.mu.Unlock()

	page, err := s.gateway.FetchMessagesPage(ctx, conversationID, cursor)

	s.mu.Lock()
	t.loading = false
	if err != nil {
		s.mu.Unlock()
		// Background paging fails silently.
		s.log.Debug("thread load older failed", "conversation", conversationID, "err", err)
		return
	}
	t.cursor = page.NextCursor

	older := make([]Message, 0, len(page.Items))
	for _, m := range page.Items {
		if _, dup := t.seen[m.ID]; dup {
			continue
		}
		t.seen[m.ID] = struct{}{}
		older = append(older, m)
	}
	t.messages = append(older, t.messages...)
	sortByCreatedAt(t.messages)

	s.persistThread(conversationID, t)
	s.mu.Unlock()

	s.emit("thread.updated", conversationID)
}

// ============================================================================
// Optimistic send
// ============================================================================

// OptimisticSend generates a client-side message id, inserts the entry
// into the thread immediately, and kicks off the backend send with the
// same id. It returns the generated id without waiting for the network.
// The entry stays optimistic until the gateway response or the realtime
// echo — whichever arrives first — confirms the identical id.
func (s *ThreadStore) OptimisticSend(ctx context.Context, in SendInput) string {
	if in.Type == "" {
		in.Type = MessageText
	}
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		Type:           in.Type,
		MediaURL:       in.MediaURL,
		CreatedAt:      nowTimestamp(),
		IsOptimistic:   true,
	}

	s.mu.Lock()
	t := s.thread(in.ConversationID)
	// Deliberately not added to the seen set: the realtime echo for this
	// id must still be applied so it can confirm the placeholder.
	t.messages = append(t.messages, msg)
	sortByCreatedAt(t.messages)
	s.persistThread(in.ConversationID, t)
	s.mu.Unlock()

	s.emit("message.local", &msg)
	s.emit("thread.updated", in.ConversationID)

	s.dispatchSend(ctx, &SendRequest{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Type:           msg.Type,
		Content:        msg.Content,
		MediaURL:       msg.MediaURL,
	})
	return msg.ID
}

// RetrySend re-issues the backend send for a failed optimistic entry.
// Retries are manual only; the engine never retries on its own.
func (s *ThreadStore) RetrySend(ctx context.Context, conversationID, messageID string) bool {
	s.mu.Lock()
	t := s.thread(conversationID)
	var req *SendRequest
	for i := range t.messages {
		m := &t.messages[i]
		if m.ID == messageID && m.Failed {
			m.Failed = false
			req = &SendRequest{
				ID:             m.ID,
				ConversationID: m.ConversationID,
				SenderID:       m.SenderID,
				Type:           m.Type,
				Content:        m.Content,
				MediaURL:       m.MediaURL,
			}
			break
		}
	}
	if req != nil {
		s.persistThread(conversationID, t)
	}
	s.mu.Unlock()

	if req == nil {
		return false
	}
	s.emit("thread.updated", conversationID)
	s.dispatchSend(ctx, req)
	return true
}

// dispatchSend runs the gateway call off the caller's goroutine. The
// request is never cancelled by unmount: a late result applied to a
// store nobody is rendering is harmless.
func (s *ThreadStore) dispatchSend(ctx context.Context, req *SendRequest) {
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.gateway.SendMessage(sendCtx, req); err != nil {
			s.log.Warn("send failed", "conversation", req.ConversationID, "message", req.ID, "err", err)
			s.markFailed(req.ConversationID, req.ID)
			return
		}
		s.confirm(req.ConversationID, Message{ID: req.ID, ConversationID: req.ConversationID})
	}()
}

// markFailed flags an optimistic entry after a gateway send error. The
// entry stays in place; RetrySend is the only way forward.
func (s *ThreadStore) markFailed(conversationID, messageID string) {
	s.mu.Lock()
	t := s.thread(conversationID)
	var failed *Message
	for i := range t.messages {
		if t.messages[i].ID == messageID {
			t.messages[i].Failed = true
			failed = &t.messages[i]
			break
		}
	}
	if failed != nil {
		s.persistThread(conversationID, t)
	}
	s.mu.Unlock()

	if failed != nil {
		copied := *failed
		s.emit("message.failed", &copied)
		s.emit("thread.updated", conversationID)
	}
}

// confirm clears the optimistic flag in place, merging any confirmed
// fields the backend echoed. Idempotent: confirming an already-confirmed
// entry changes nothing observable.
func (s *ThreadStore) confirm(conversationID string, row Message) {
	s.mu.Lock()
	t := s.thread(conversationID)
	var confirmed *Message
	for i := range t.messages {
		m := &t.messages[i]
		if m.ID != row.ID {
			continue
		}
		mergeConfirmed(m, row)
		confirmed = m
		break
	}
	if confirmed != nil {
		sortByCreatedAt(t.messages)
		s.persistThread(conversationID, t)
	}
	s.mu.Unlock()

	if confirmed != nil {
		copied := *confirmed
		s.emit("message.confirmed", &copied)
		s.emit("thread.updated", conversationID)
	}
}

// mergeConfirmed overlays the backend's confirmed fields onto the local
// entry. Empty confirmed fields keep the local value.
func mergeConfirmed(local *Message, confirmed Message) {
	if confirmed.SenderID != "" {
		local.SenderID = confirmed.SenderID
	}
	if confirmed.Content != "" {
		local.Content = confirmed.Content
	}
	if confirmed.Type != "" {
		local.Type = confirmed.Type
	}
	if confirmed.MediaURL != "" {
		local.MediaURL = confirmed.MediaURL
	}
	if confirmed.CreatedAt != "" {
		local.CreatedAt = confirmed.CreatedAt
	}
	local.IsOptimistic = false
	local.Failed = false
}

// ============================================================================
// Realtime insert
// ============================================================================

// OnInsert applies a realtime message event. This is the idempotent-merge
// core: the seen-id set absorbs duplicate delivery, an existing entry
// with the same id (the optimistic placeholder) is confirmed in place,
// and anything else is appended. The final re-sort restores a
// deterministic total order regardless of arrival order.
func (s *ThreadStore) OnInsert(row Message) {
	if row.ID == "" || row.ConversationID == "" {
		return
	}
	s.mu.Lock()
	t := s.thread(row.ConversationID)

	if _, dup := t.seen[row.ID]; dup {
		s.mu.Unlock()
		return
	}
	t.seen[row.ID] = struct{}{}

	var confirmed *Message
	replaced := false
	for i := range t.messages {
		m := &t.messages[i]
		if m.ID == row.ID {
			mergeConfirmed(m, row)
			confirmed = m
			replaced = true
			break
		}
	}
	if !replaced {
		t.messages = append(t.messages, row)
	}
	sortByCreatedAt(t.messages)
	s.persistThread(row.ConversationID, t)
	s.mu.Unlock()

	if confirmed != nil {
		copied := *confirmed
		s.emit("message.confirmed", &copied)
	}
	s.emit("thread.updated", row.ConversationID)
}

// ============================================================================
// Read receipts and typing
// ============================================================================

// MarkRead issues a single "read up to the newest loaded message"
// mutation. Best-effort: failures are silent, and local unread counters
// are never touched here — they flow back through the directory's
// participant channel.
func (s *ThreadStore) MarkRead(ctx context.Context, conversationID string) {
	s.mu.Lock()
	t := s.thread(conversationID)
	var lastID string
	if n := len(t.messages); n > 0 {
		lastID = t.messages[n-1].ID
	}
	s.mu.Unlock()

	if lastID == "" {
		return
	}
	go func() {
		if err := s.gateway.MarkReadUpTo(context.WithoutCancel(ctx), conversationID, s.userID, lastID); err != nil {
			s.log.Debug("mark read failed", "conversation", conversationID, "err", err)
		}
	}()
}

// SetTyping broadcasts a transient typing flag on the conversation's
// presence channel. Fire-and-forget: no acknowledgment, no persistence,
// and receivers age the flag out via its expiry.
func (s *ThreadStore) SetTyping(ctx context.Context, conversationID string, isTyping bool) {
	s.openTypingChannel(conversationID)
	err := s.channels.PublishTyping(ctx, TypingEvent{
		ConversationID: conversationID,
		UserID:         s.userID,
		IsTyping:       isTyping,
	})
	if err != nil {
		s.log.Debug("typing broadcast failed", "conversation", conversationID, "err", err)
	}
}

func (s *ThreadStore) openTypingChannel(conversationID string) {
	err := s.guard.subscribe("typing:"+conversationID, func() (func(), error) {
		return s.channels.SubscribeTyping(conversationID, func(ev TypingEvent) {
			if ev.UserID == s.userID {
				return // our own broadcast echoed back
			}
			s.emit("typing", ev)
		})
	})
	if err != nil {
		s.log.Debug("typing channel open failed", "conversation", conversationID, "err", err)
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// OpenThread opens the conversation's realtime message and typing
// channels. Idempotent under re-entrant calls; switching threads with
// CloseThread tears down only that conversation's channels.
func (s *ThreadStore) OpenThread(conversationID string) error {
	err := s.guard.subscribe("messages:"+conversationID, func() (func(), error) {
		return s.channels.SubscribeMessages(conversationID, MessageHandlers{
			OnInsert: s.OnInsert,
		})
	})
	if err != nil {
		return err
	}
	s.openTypingChannel(conversationID)
	return nil
}

// CloseThread tears down the conversation's realtime channels. Safe when
// not open. Cached messages stay in memory and on disk.
func (s *ThreadStore) CloseThread(conversationID string) {
	s.guard.unsubscribe("messages:" + conversationID)
	s.guard.unsubscribe("typing:" + conversationID)
}

// Stop tears down every channel and listener.
func (s *ThreadStore) Stop() {
	s.guard.closeAll()
	s.removeAll()
}

// ============================================================================
// Accessors
// ============================================================================

// Messages returns the conversation's log, oldest first.
func (s *ThreadStore) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.thread(conversationID)
	return append([]Message(nil), t.messages...)
}

// Search scans the cached log for messages containing query,
// case-insensitive. limit <= 0 means 50.
func (s *ThreadStore) Search(conversationID, query string, limit int) []Message {
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.thread(conversationID)
	var results []Message
	for _, m := range t.messages {
		if strings.Contains(strings.ToLower(m.Content), q) {
			results = append(results, m)
			if len(results) >= limit {
				break
			}
		}
	}
	return results
}

// HasMore reports whether older history remains.
func (s *ThreadStore) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread(conversationID).cursor != ""
}

// Loading reports whether a page load is in flight for the conversation.
func (s *ThreadStore) Loading(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread(conversationID).loading
}

// Err returns the conversation's retained load error, if any.
func (s *ThreadStore) Err(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread(conversationID).err
}
