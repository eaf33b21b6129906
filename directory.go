package tether

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// placeholderPeerValue reports whether a peer display value (name or
// avatar) is the backend's "don't know yet" sentinel. Such values must
// never replace a previously known good one, and are never stored.
func placeholderPeerValue(s string) bool {
	return s == "" || strings.EqualFold(s, "unknown")
}

// directorySnapshot is the cache mirror written after every mutation.
type directorySnapshot struct {
	Conversations map[string]Conversation `json:"conversations"`
	Order         []string                `json:"order"`
	PeerInfo      map[string]PeerInfo     `json:"peerInfo"`
}

// DirectoryStore owns the ordered, deduplicated conversation list for one
// signed-in user. It merges paginated loads with realtime upserts and
// mirrors its state into the persistent cache so a restarted process
// paints instantly.
type DirectoryStore struct {
	emitter
	gateway  Gateway
	channels ChannelManager
	cache    Cache
	log      *slog.Logger
	guard    *subscriptionGuard

	mu            sync.Mutex
	userID        string
	conversations map[string]Conversation
	order         []string
	peerInfo      map[string]PeerInfo
	cursor        string
	loading       bool
	err           error
}

// NewDirectoryStore builds the store and restores the cached snapshot.
// One store serves one user for the lifetime of the process. A nil logger
// disables logging.
func NewDirectoryStore(userID string, gateway Gateway, channels ChannelManager, cache Cache, log *slog.Logger) *DirectoryStore {
	if log == nil {
		log = nopLogger()
	}
	s := &DirectoryStore{
		gateway:       gateway,
		channels:      channels,
		cache:         cache,
		log:           log,
		guard:         newSubscriptionGuard(),
		userID:        userID,
		conversations: make(map[string]Conversation),
		peerInfo:      make(map[string]PeerInfo),
	}

	var snap directorySnapshot
	if cache.LoadJSON(s.cacheKey(), &snap) {
		if snap.Conversations != nil {
			s.conversations = snap.Conversations
		}
		s.order = snap.Order
		if snap.PeerInfo != nil {
			s.peerInfo = snap.PeerInfo
		}
	}
	return s
}

func (s *DirectoryStore) cacheKey() string {
	return "directory." + s.userID
}

// persist is called with s.mu held.
func (s *DirectoryStore) persist() {
	s.cache.SaveJSON(s.cacheKey(), directorySnapshot{
		Conversations: s.conversations,
		Order:         s.order,
		PeerInfo:      s.peerInfo,
	})
}

// ============================================================================
// Paging
// ============================================================================

// LoadFirstPage fetches the first directory page and replaces the entire
// in-memory state with it. Zero results is an empty directory, not an
// error. On gateway failure the error flag is set and prior cached state
// stays untouched (stale-but-available).
func (s *DirectoryStore) LoadFirstPage(ctx context.Context) {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	page, err := s.gateway.FetchConversationsPage(ctx, s.userID, "")

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.err = err
		s.mu.Unlock()
		s.log.Warn("directory first page failed", "user", s.userID, "err", err)
		return
	}
	s.err = nil
	s.cursor = page.NextCursor

	s.conversations = make(map[string]Conversation, len(page.Items))
	s.order = s.order[:0]
	for _, row := range page.Items {
		s.rememberPeer(row)
		if _, ok := s.conversations[row.ID]; ok {
			continue
		}
		s.conversations[row.ID] = row
		s.order = append(s.order, row.ID)
	}
	s.persist()
	s.mu.Unlock()

	s.emit("directory.updated", nil)
}

// LoadMore fetches the next page and appends it, preserving previously
// loaded entries. No-op once the cursor is exhausted.
func (s *DirectoryStore) LoadMore(ctx context.Context) {
	s.mu.Lock()
	if s.cursor == "" || s.loading {
		s.mu.Unlock()
		return
	}
	cursor := s.cursor
	s.loading = true
	s.mu.Unlock()

	page, err := s.gateway.FetchConversationsPage(ctx, s.userID, cursor)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		// Background paging fails silently; the error flag is reserved
		// for the initial load.
		s.log.Debug("directory load more failed", "user", s.userID, "err", err)
		return
	}
	s.cursor = page.NextCursor

	for _, row := range page.Items {
		s.rememberPeer(row)
		if _, ok := s.conversations[row.ID]; ok {
			continue
		}
		s.conversations[row.ID] = row
		s.order = append(s.order, row.ID)
	}
	s.persist()
	s.mu.Unlock()

	s.emit("directory.updated", nil)
}

// rememberPeer records peer display data carried on a row. Called with
// s.mu held.
func (s *DirectoryStore) rememberPeer(row Conversation) {
	if row.PeerID == "" {
		return
	}
	info := s.peerInfo[row.PeerID]
	if !placeholderPeerValue(row.PeerName) {
		info.Name = row.PeerName
	}
	if !placeholderPeerValue(row.PeerAvatar) {
		info.Avatar = row.PeerAvatar
	}
	s.peerInfo[row.PeerID] = info
}

// ============================================================================
// Upsert
// ============================================================================

// mergeConversation shallow-merges incoming over existing.
//
// Precedence, field by field:
//
//	PeerName, PeerAvatar         incoming, unless incoming is empty or the
//	                             "unknown" sentinel — then existing; when
//	                             both sides are sentinels the field is
//	                             normalized to "" so the sentinel never
//	                             persists in store state
//	PeerID, LastMessageAt,       incoming when non-empty, else existing
//	LastMessageSummary
//	UnreadCount                  incoming, always
func mergeConversation(existing, incoming Conversation) Conversation {
	merged := existing
	merged.ID = incoming.ID
	if incoming.PeerID != "" {
		merged.PeerID = incoming.PeerID
	}
	if !placeholderPeerValue(incoming.PeerName) {
		merged.PeerName = incoming.PeerName
	} else if placeholderPeerValue(existing.PeerName) {
		merged.PeerName = ""
	}
	if !placeholderPeerValue(incoming.PeerAvatar) {
		merged.PeerAvatar = incoming.PeerAvatar
	} else if placeholderPeerValue(existing.PeerAvatar) {
		merged.PeerAvatar = ""
	}
	if incoming.LastMessageAt != "" {
		merged.LastMessageAt = incoming.LastMessageAt
	}
	if incoming.LastMessageSummary != "" {
		merged.LastMessageSummary = incoming.LastMessageSummary
	}
	merged.UnreadCount = incoming.UnreadCount
	return merged
}

// UpsertConversation is the reconciliation primitive, invoked by page
// merges, direct mutation, and realtime callbacks. Any upsert relocates
// the conversation to the front of the order, even when LastMessageAt did
// not change — "most recently touched" surfaces first.
func (s *DirectoryStore) UpsertConversation(row Conversation) {
	if row.ID == "" {
		return
	}
	s.mu.Lock()
	existing, ok := s.conversations[row.ID]
	var merged Conversation
	if ok {
		merged = mergeConversation(existing, row)
	} else {
		merged = row
		if placeholderPeerValue(merged.PeerName) {
			merged.PeerName = ""
		}
		if placeholderPeerValue(merged.PeerAvatar) {
			merged.PeerAvatar = ""
		}
	}

	// Repair still-missing display data from the peer side index.
	if info, ok := s.peerInfo[merged.PeerID]; ok {
		if merged.PeerName == "" && info.Name != "" {
			merged.PeerName = info.Name
		}
		if merged.PeerAvatar == "" && info.Avatar != "" {
			merged.PeerAvatar = info.Avatar
		}
	}
	s.rememberPeer(merged)

	s.conversations[row.ID] = merged

	// Move (or insert) to the front of the order.
	for i, id := range s.order {
		if id == row.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append([]string{row.ID}, s.order...)

	s.persist()
	s.mu.Unlock()

	s.emit("directory.updated", nil)
}

// ============================================================================
// Realtime wiring
// ============================================================================

// Start opens the two directory-level realtime topics: conversation rows
// and participant state. Safe to call repeatedly; the guard makes each
// topic idempotent.
func (s *DirectoryStore) Start(ctx context.Context) error {
	err := s.guard.subscribe("conversations:"+s.userID, func() (func(), error) {
		return s.channels.SubscribeConversations(s.userID, ConversationHandlers{
			OnInsert: s.UpsertConversation,
			OnUpdate: s.UpsertConversation,
		})
	})
	if err != nil {
		return err
	}
	return s.guard.subscribe("participants:"+s.userID, func() (func(), error) {
		return s.channels.SubscribeParticipants(s.userID, func(p ParticipantUpdate) {
			s.applyParticipant(ctx, p)
		})
	})
}

// Stop tears down realtime subscriptions and listeners. The cached
// snapshot stays behind for the next session.
func (s *DirectoryStore) Stop() {
	s.guard.closeAll()
	s.removeAll()
}

// applyParticipant folds an unread-count change into the directory. A
// participant event for a conversation we have never seen triggers an
// on-demand fetch of that single conversation, so events arriving before
// the directory is warm still land.
func (s *DirectoryStore) applyParticipant(ctx context.Context, p ParticipantUpdate) {
	if p.UserID != s.userID {
		return // the peer's read state is not ours to track
	}

	s.mu.Lock()
	existing, ok := s.conversations[p.ConversationID]
	s.mu.Unlock()

	if ok {
		existing.UnreadCount = p.UnreadCount
		s.UpsertConversation(existing)
		return
	}

	go func() {
		conv, err := s.gateway.FetchConversation(ctx, p.ConversationID)
		if err != nil {
			s.log.Debug("participant self-heal fetch failed", "conversation", p.ConversationID, "err", err)
			return
		}
		conv.UnreadCount = p.UnreadCount
		s.UpsertConversation(*conv)
	}()
}

// ============================================================================
// Accessors
// ============================================================================

// Order returns the conversation ids, most recently touched first.
func (s *DirectoryStore) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Conversations returns the directory rows in order.
func (s *DirectoryStore) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.conversations[id])
	}
	return out
}

// Get returns one conversation by id.
func (s *DirectoryStore) Get(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c, ok
}

// HasMore reports whether another page is available.
func (s *DirectoryStore) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor != ""
}

// Loading reports whether a page load is in flight.
func (s *DirectoryStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the retained first-load error, if any.
func (s *DirectoryStore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
