// Package portal is the REST client for the patient portal messaging API.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mariankugiel/patient-web-app-sub002/internal/metrics"
	"github.com/mariankugiel/patient-web-app-sub002/internal/store"
)

const (
	DefaultTimeout = 15 * time.Second

	basePath     = "/api/v1/messages"
	maxBodyBytes = 8 << 20
)

// Client calls the messaging endpoints with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetConversations lists conversations, optionally filtered server-side.
func (c *Client) GetConversations(ctx context.Context, f store.Filter) (*ConversationsResponse, error) {
	q := url.Values{}
	if f.Archived != nil {
		q.Set("archived", strconv.FormatBool(*f.Archived))
	}
	if f.Pinned != nil {
		q.Set("pinned", strconv.FormatBool(*f.Pinned))
	}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	var out ConversationsResponse
	if err := c.do(ctx, "get_conversations", http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetConversationMessages returns the history of one conversation.
func (c *Client) GetConversationMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	var out messagesResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "get_messages", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a new message and returns the confirmed copy.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (store.Message, error) {
	var out messageResponse
	if err := c.do(ctx, "send_message", http.MethodPost, "", nil, req, &out); err != nil {
		return store.Message{}, err
	}
	if out.Message.ID == "" {
		return store.Message{}, &Error{Kind: KindProtocol, Op: "send_message", Message: "response without message id"}
	}
	return out.Message, nil
}

// MarkMessagesAsRead marks every message of a conversation as read.
func (c *Client) MarkMessagesAsRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, "mark_conversation_read", http.MethodPost, path, nil, nil, nil)
}

// MarkMessageAsRead marks a single message as read.
func (c *Client) MarkMessageAsRead(ctx context.Context, messageID string) error {
	path := "/" + url.PathEscape(messageID) + "/read"
	return c.do(ctx, "mark_message_read", http.MethodPost, path, nil, nil, nil)
}

func (c *Client) ArchiveConversation(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/archive"
	return c.do(ctx, "archive_conversation", http.MethodPost, path, nil, nil, nil)
}

func (c *Client) ToggleConversationPin(ctx context.Context, conversationID string, pinned bool) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/pin"
	body := map[string]bool{"pinned": pinned}
	return c.do(ctx, "toggle_pin", http.MethodPut, path, nil, body, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, "delete_message", http.MethodDelete, "/"+url.PathEscape(messageID), nil, nil, nil)
}

// SearchMessages runs a server-side search.
func (c *Client) SearchMessages(ctx context.Context, p store.SearchParams) ([]store.Message, error) {
	q := url.Values{}
	q.Set("q", p.Query)
	if p.ConversationID != "" {
		q.Set("conversationId", p.ConversationID)
	}
	if p.Type != "" {
		q.Set("type", string(p.Type))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	var out messagesResponse
	if err := c.do(ctx, "search_messages", http.MethodGet, "/search", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) GetUnreadCount(ctx context.Context) (UnreadCount, error) {
	var out UnreadCount
	err := c.do(ctx, "get_unread_count", http.MethodGet, "/unread-count", nil, nil, &out)
	return out, err
}

func (c *Client) GetMessageStats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, "get_message_stats", http.MethodGet, "/stats", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + basePath + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("portal %s: marshal request: %w", op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("portal %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ObserveREST(op, start)
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: KindTransport, Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindProtocol, Op: op, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}
