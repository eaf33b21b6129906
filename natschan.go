package tether

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ============================================================================
// NATS subjects
// ============================================================================

// Subject scheme, one subject per logical topic:
//
//	dm.user.{userId}.conversations — conversation row inserts/updates
//	dm.user.{userId}.participants  — participant-state (unread) updates
//	dm.conv.{convId}.messages      — message inserts
//	dm.conv.{convId}.typing        — typing broadcasts
const (
	subjectUserPrefix = "dm.user."
	subjectConvPrefix = "dm.conv."
)

func conversationsSubject(userID string) string { return subjectUserPrefix + userID + ".conversations" }
func participantsSubject(userID string) string  { return subjectUserPrefix + userID + ".participants" }
func messagesSubject(convID string) string      { return subjectConvPrefix + convID + ".messages" }
func typingSubject(convID string) string        { return subjectConvPrefix + convID + ".typing" }

// natsConversationEvent distinguishes inserts from updates on the shared
// conversations subject.
type natsConversationEvent struct {
	Kind string       `json:"kind"` // "insert" or "update"
	Row  Conversation `json:"row"`
}

// ============================================================================
// NATSChannelManager
// ============================================================================

// NATSChannelManager implements ChannelManager over NATS, for deployments
// where the backend fans out through a broker instead of a per-client
// WebSocket. Reconnect/backoff is delegated to the NATS client itself.
type NATSChannelManager struct {
	conn *nats.Conn
	log  *slog.Logger
}

// NATSOptions configures the connection.
type NATSOptions struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NewNATSChannelManager connects to the broker. A nil logger disables
// logging.
func NewNATSChannelManager(opts NATSOptions, log *slog.Logger) (*NATSChannelManager, error) {
	if log == nil {
		log = nopLogger()
	}
	natsOpts := []nats.Option{
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Info("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, err
	}
	return &NATSChannelManager{conn: conn, log: log}, nil
}

// WrapNATSConn reuses an existing connection instead of dialing.
func WrapNATSConn(conn *nats.Conn, log *slog.Logger) *NATSChannelManager {
	if log == nil {
		log = nopLogger()
	}
	return &NATSChannelManager{conn: conn, log: log}
}

// Close drains the underlying connection.
func (m *NATSChannelManager) Close() {
	m.conn.Close()
}

func (m *NATSChannelManager) subscribe(subject string, handler func([]byte)) (func(), error) {
	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			m.log.Debug("unsubscribe failed", "subject", subject, "err", err)
		}
	}, nil
}

func (m *NATSChannelManager) SubscribeConversations(userID string, h ConversationHandlers) (func(), error) {
	return m.subscribe(conversationsSubject(userID), func(data []byte) {
		var ev natsConversationEvent
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		switch ev.Kind {
		case "insert":
			if h.OnInsert != nil {
				h.OnInsert(ev.Row)
			}
		case "update":
			if h.OnUpdate != nil {
				h.OnUpdate(ev.Row)
			}
		}
	})
}

func (m *NATSChannelManager) SubscribeParticipants(userID string, h func(ParticipantUpdate)) (func(), error) {
	return m.subscribe(participantsSubject(userID), func(data []byte) {
		var p ParticipantUpdate
		if json.Unmarshal(data, &p) == nil {
			h(p)
		}
	})
}

func (m *NATSChannelManager) SubscribeMessages(conversationID string, h MessageHandlers) (func(), error) {
	return m.subscribe(messagesSubject(conversationID), func(data []byte) {
		var msg Message
		if json.Unmarshal(data, &msg) == nil && h.OnInsert != nil {
			h.OnInsert(msg)
		}
	})
}

func (m *NATSChannelManager) SubscribeTyping(conversationID string, h func(TypingEvent)) (func(), error) {
	return m.subscribe(typingSubject(conversationID), func(data []byte) {
		var ev TypingEvent
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		// Drop events that already aged out in transit.
		if ev.ExpiresAt != "" {
			if exp, err := time.Parse(time.RFC3339Nano, ev.ExpiresAt); err == nil && time.Now().After(exp) {
				return
			}
		}
		h(ev)
	})
}

func (m *NATSChannelManager) PublishTyping(ctx context.Context, ev TypingEvent) error {
	if ev.ExpiresAt == "" {
		ev.ExpiresAt = time.Now().UTC().Add(TypingTTL).Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.conn.Publish(typingSubject(ev.ConversationID), data)
}
