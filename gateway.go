package tether

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Gateway abstracts the backend's query and mutation surface. The engine
// only ever consumes these five operations; everything else the backend
// offers is out of scope here.
type Gateway interface {
	// FetchConversationsPage returns one page of the user's conversation
	// directory, newest first. An empty cursor requests the first page.
	FetchConversationsPage(ctx context.Context, userID, cursor string) (*ConversationPage, error)
	// FetchConversation returns a single conversation summary. Used to
	// self-heal when a participant event arrives before the directory
	// has the row.
	FetchConversation(ctx context.Context, conversationID string) (*Conversation, error)
	// FetchMessagesPage returns one page of a thread, oldest first within
	// the page. An empty cursor requests the newest page.
	FetchMessagesPage(ctx context.Context, conversationID, cursor string) (*MessagePage, error)
	// SendMessage creates a message. The backend must treat req.ID as the
	// idempotency key for the created record.
	SendMessage(ctx context.Context, req *SendRequest) error
	// MarkReadUpTo records a read receipt covering everything up to and
	// including messageID.
	MarkReadUpTo(ctx context.Context, conversationID, userID, messageID string) error
}

// ============================================================================
// HTTP Gateway
// ============================================================================

const (
	DefaultBaseURL = "https://api.tetherline.dev"
	DefaultTimeout = 30 * time.Second
)

// HTTPGateway implements Gateway over the REST backend.
type HTTPGateway struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type GatewayOption func(*HTTPGateway)

func WithBaseURL(u string) GatewayOption {
	return func(g *HTTPGateway) { g.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) GatewayOption {
	return func(g *HTTPGateway) { g.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *HTTPGateway) { g.httpClient = client }
}

// NewHTTPGateway creates a gateway. token is optional — pass "" for
// unauthenticated test backends.
func NewHTTPGateway(token string, opts ...GatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetToken sets or updates the auth token.
func (g *HTTPGateway) SetToken(token string) {
	g.token = token
}

func (g *HTTPGateway) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := g.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// do runs a request and unwraps the {ok, data, error} envelope.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := g.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("backend rejected %s %s", method, path)
	}
	return &result, nil
}

func cursorQuery(cursor string) map[string]string {
	if cursor == "" {
		return nil
	}
	return map[string]string{"cursor": cursor}
}

func (g *HTTPGateway) FetchConversationsPage(ctx context.Context, userID, cursor string) (*ConversationPage, error) {
	query := map[string]string{"userId": userID}
	if cursor != "" {
		query["cursor"] = cursor
	}
	res, err := g.do(ctx, "GET", "/api/dm/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	var page ConversationPage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode conversations page: %w", err)
	}
	return &page, nil
}

func (g *HTTPGateway) FetchConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := g.do(ctx, "GET", "/api/dm/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}

func (g *HTTPGateway) FetchMessagesPage(ctx context.Context, conversationID, cursor string) (*MessagePage, error) {
	res, err := g.do(ctx, "GET", "/api/dm/conversations/"+conversationID+"/messages", nil, cursorQuery(cursor))
	if err != nil {
		return nil, err
	}
	var page MessagePage
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode messages page: %w", err)
	}
	return &page, nil
}

func (g *HTTPGateway) SendMessage(ctx context.Context, req *SendRequest) error {
	_, err := g.do(ctx, "POST", "/api/dm/conversations/"+req.ConversationID+"/messages", req, nil)
	return err
}

func (g *HTTPGateway) MarkReadUpTo(ctx context.Context, conversationID, userID, messageID string) error {
	_, err := g.do(ctx, "POST", "/api/dm/conversations/"+conversationID+"/read", map[string]string{
		"userId":    userID,
		"messageId": messageID,
	}, nil)
	return err
}
