package tether

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Domain Types
// ============================================================================

// Message types.
const (
	MessageText  = "text"
	MessageMedia = "media"
)

// Conversation is one row of the conversation directory: a read-optimized
// summary of a two-party messaging relationship. Peer fields are
// denormalized display data, not the source of truth for identity.
type Conversation struct {
	ID                 string `json:"id"`
	PeerID             string `json:"peerId"`
	PeerName           string `json:"peerName,omitempty"`
	PeerAvatar         string `json:"peerAvatar,omitempty"`
	LastMessageAt      string `json:"lastMessageAt,omitempty"`
	LastMessageSummary string `json:"lastMessageSummary,omitempty"`
	UnreadCount        int    `json:"unreadCount"`
}

// Message is one chat event within a conversation. The ID is assigned by
// the sender at creation time (client-generated), which is what makes
// optimistic reconciliation idempotent.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content,omitempty"`
	Type           string `json:"type"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	CreatedAt      string `json:"createdAt"`
	IsOptimistic   bool   `json:"isOptimistic,omitempty"`
	Failed         bool   `json:"failed,omitempty"`
}

// PeerInfo is cached peer display data, used only to repair incomplete
// conversation rows on merge.
type PeerInfo struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// ConversationPage is one page of the conversation directory.
// An empty NextCursor means the end of the list.
type ConversationPage struct {
	Items      []Conversation `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// MessagePage is one page of a message thread, oldest first.
type MessagePage struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// SendRequest carries a message to the backend. ID is the caller-supplied
// idempotency key for the created record.
type SendRequest struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
}

// ParticipantUpdate is a participant-state change pushed over realtime.
// It carries the unread counter for one side of a conversation.
type ParticipantUpdate struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UnreadCount    int    `json:"unreadCount"`
}

// TypingEvent is a transient typing flag broadcast on a conversation's
// presence channel. ExpiresAt lets receivers age it out without a
// matching stop event.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ExpiresAt      string `json:"expiresAt,omitempty"`
}
