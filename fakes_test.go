package tether

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// ============================================================================
// fakeGateway
// ============================================================================

type fakeGateway struct {
	mu sync.Mutex

	// pages keyed by cursor ("" = first page)
	convPages map[string]*ConversationPage
	// pages keyed by conversationID + "|" + cursor
	msgPages map[string]*MessagePage
	convByID map[string]*Conversation

	fetchErr error
	sendErr  error

	sent  []SendRequest
	reads [][3]string // conversationID, userID, messageID
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		convPages: make(map[string]*ConversationPage),
		msgPages:  make(map[string]*MessagePage),
		convByID:  make(map[string]*Conversation),
	}
}

func (g *fakeGateway) FetchConversationsPage(ctx context.Context, userID, cursor string) (*ConversationPage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	page, ok := g.convPages[cursor]
	if !ok {
		return &ConversationPage{}, nil
	}
	return page, nil
}

func (g *fakeGateway) FetchConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	conv, ok := g.convByID[conversationID]
	if !ok {
		return nil, errors.New("conversation not found")
	}
	copied := *conv
	return &copied, nil
}

func (g *fakeGateway) FetchMessagesPage(ctx context.Context, conversationID, cursor string) (*MessagePage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	page, ok := g.msgPages[conversationID+"|"+cursor]
	if !ok {
		return &MessagePage{}, nil
	}
	return page, nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, req *SendRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, *req)
	return nil
}

func (g *fakeGateway) MarkReadUpTo(ctx context.Context, conversationID, userID, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads = append(g.reads, [3]string{conversationID, userID, messageID})
	return nil
}

func (g *fakeGateway) setSendErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendErr = err
}

func (g *fakeGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func (g *fakeGateway) readCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reads)
}

// ============================================================================
// fakeChannels
// ============================================================================

// fakeChannels records subscriptions and lets tests push events straight
// into the registered handlers.
type fakeChannels struct {
	mu sync.Mutex

	convHandlers   map[string]ConversationHandlers
	partHandlers   map[string]func(ParticipantUpdate)
	msgHandlers    map[string]MessageHandlers
	typingHandlers map[string]func(TypingEvent)

	subscribes map[string]int
	teardowns  map[string]int
	published  []TypingEvent
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{
		convHandlers:   make(map[string]ConversationHandlers),
		partHandlers:   make(map[string]func(ParticipantUpdate)),
		msgHandlers:    make(map[string]MessageHandlers),
		typingHandlers: make(map[string]func(TypingEvent)),
		subscribes:     make(map[string]int),
		teardowns:      make(map[string]int),
	}
}

func (c *fakeChannels) track(topic string) func() {
	c.subscribes[topic]++
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.teardowns[topic]++
	}
}

func (c *fakeChannels) SubscribeConversations(userID string, h ConversationHandlers) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convHandlers[userID] = h
	return c.track("conversations:" + userID), nil
}

func (c *fakeChannels) SubscribeParticipants(userID string, h func(ParticipantUpdate)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partHandlers[userID] = h
	return c.track("participants:" + userID), nil
}

func (c *fakeChannels) SubscribeMessages(conversationID string, h MessageHandlers) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgHandlers[conversationID] = h
	return c.track("messages:" + conversationID), nil
}

func (c *fakeChannels) SubscribeTyping(conversationID string, h func(TypingEvent)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typingHandlers[conversationID] = h
	return c.track("typing:" + conversationID), nil
}

func (c *fakeChannels) PublishTyping(ctx context.Context, ev TypingEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, ev)
	return nil
}

func (c *fakeChannels) pushMessage(conversationID string, msg Message) {
	c.mu.Lock()
	h := c.msgHandlers[conversationID]
	c.mu.Unlock()
	if h.OnInsert != nil {
		h.OnInsert(msg)
	}
}

func (c *fakeChannels) pushConversation(userID string, row Conversation) {
	c.mu.Lock()
	h := c.convHandlers[userID]
	c.mu.Unlock()
	if h.OnInsert != nil {
		h.OnInsert(row)
	}
}

func (c *fakeChannels) pushParticipant(userID string, p ParticipantUpdate) {
	c.mu.Lock()
	h := c.partHandlers[userID]
	c.mu.Unlock()
	if h != nil {
		h(p)
	}
}

func (c *fakeChannels) pushTyping(conversationID string, ev TypingEvent) {
	c.mu.Lock()
	h := c.typingHandlers[conversationID]
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *fakeChannels) subscribeCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes[topic]
}

func (c *fakeChannels) teardownCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardowns[topic]
}
