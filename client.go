// Package chatsync keeps a client-side view of a chat channel or thread in
// sync with the server: ordered and deduplicated messages, optimistic sends,
// edits, deletes and reactions, real-time events, and typing indicators.
//
// Example:
//
//	client := chatsync.NewClient("token", chatsync.WithBaseURL("https://chat.example.com"))
//	rt := chatsync.NewRealtimeClient(chatsync.RealtimeConfig{BaseURL: "https://chat.example.com", Token: "token"})
//	_ = rt.Connect(ctx)
//
//	mgr := chatsync.NewSyncManager(client, rt, chatsync.Options{Self: me})
//	_ = mgr.Init(ctx)
//	defer mgr.Destroy()
//
//	_ = mgr.SetScope(ctx, chatsync.Scope{ChannelID: "general"})
//	id, _ := mgr.SendMessage(ctx, chatsync.SendOptions{Content: "Hello!"})
//	for range mgr.Changes() {
//		render(mgr.State())
//	}
package chatsync

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

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of Service.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.log = logger.Named("http") }
}

// NewClient creates a new HTTP client. token may be empty for servers that
// do not authenticate.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Wire envelope
// ============================================================================

// Result is the response envelope every endpoint returns.
type Result struct {
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	Pagination *wirePagination `json:"pagination,omitempty"`
	Error      *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v interface{}) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type wirePagination struct {
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	Total      int    `json:"total"`
	Count      int    `json:"count"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func (p *wirePagination) result(n int) PageResult {
	if p == nil {
		return PageResult{Count: n}
	}
	r := PageResult{Count: p.Count, Total: p.Total, HasMore: p.HasMore, NextCursor: p.NextCursor}
	if r.Count == 0 {
		r.Count = n
	}
	return r
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
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
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transportError{op: method + " " + path, err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{op: "read " + path, err: err}
	}
	c.log.Debug("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode == http.StatusNoContent {
		return &Result{Success: true}, nil
	}

	var result Result
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 400 {
			return nil, &decodeError{op: "decode " + path, err: err}
		}
	}
	if resp.StatusCode >= 400 || !result.Success {
		apiErr := &APIError{Status: resp.StatusCode, Code: "REQUEST_FAILED", Message: http.StatusText(resp.StatusCode)}
		if result.Error != nil {
			if result.Error.Code != "" {
				apiErr.Code = result.Error.Code
			}
			if result.Error.Message != "" {
				apiErr.Message = result.Error.Message
			}
		}
		if resp.StatusCode < 400 {
			apiErr.Status = 0
		}
		return nil, apiErr
	}
	return &result, nil
}

func pageQuery(req PageRequest) url.Values {
	q := url.Values{}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	return q
}

func sendPayload(opts SendOptions) map[string]interface{} {
	payload := map[string]interface{}{"content": opts.Content}
	if len(opts.Attachments) > 0 {
		payload["attachments"] = opts.Attachments
	}
	if opts.ReplyToID != "" {
		payload["reply_to_id"] = opts.ReplyToID
	}
	if opts.ClientID != "" {
		payload["client_id"] = opts.ClientID
	}
	return payload
}

// ============================================================================
// Service
// ============================================================================

// GetChannelMessages lists a page of channel messages.
func (c *Client) GetChannelMessages(ctx context.Context, channelID string, req PageRequest) (*Page, error) {
	res, err := c.doRequest(ctx, "GET", "/api/channels/"+url.PathEscape(channelID)+"/messages", nil, pageQuery(req))
	if err != nil {
		return nil, err
	}
	var msgs []*Message
	if err := res.Decode(&msgs); err != nil {
		return nil, &decodeError{op: "decode messages", err: err}
	}
	return &Page{Messages: msgs, Pagination: res.Pagination.result(len(msgs))}, nil
}

// GetThreadReplies lists a page of replies to a thread root.
func (c *Client) GetThreadReplies(ctx context.Context, threadRootID string, req PageRequest) (*Page, error) {
	res, err := c.doRequest(ctx, "GET", "/api/threads/"+url.PathEscape(threadRootID)+"/replies", nil, pageQuery(req))
	if err != nil {
		return nil, err
	}
	var data struct {
		Replies    []*Message      `json:"replies"`
		Pagination *wirePagination `json:"pagination"`
	}
	if err := res.Decode(&data); err != nil {
		return nil, &decodeError{op: "decode replies", err: err}
	}
	p := data.Pagination
	if p == nil {
		p = res.Pagination
	}
	return &Page{Messages: data.Replies, Pagination: p.result(len(data.Replies))}, nil
}

// SendMessage posts a message to a channel.
func (c *Client) SendMessage(ctx context.Context, channelID string, opts SendOptions) (*Message, error) {
	res, err := c.doRequest(ctx, "POST", "/api/channels/"+url.PathEscape(channelID)+"/messages", sendPayload(opts), nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

// AddThreadReply posts a reply into a thread.
func (c *Client) AddThreadReply(ctx context.Context, channelID, threadRootID string, opts SendOptions) (*Message, error) {
	path := "/api/channels/" + url.PathEscape(channelID) + "/threads/" + url.PathEscape(threadRootID) + "/replies"
	res, err := c.doRequest(ctx, "POST", path, sendPayload(opts), nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	res, err := c.doRequest(ctx, "PATCH", "/api/messages/"+url.PathEscape(messageID), map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessage(res)
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, "DELETE", "/api/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

// ToggleReaction toggles the caller's emoji and returns the canonical list.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	res, err := c.doRequest(ctx, "POST", "/api/messages/"+url.PathEscape(messageID)+"/reactions", map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return nil, err
	}
	var data struct {
		CurrentReactions []Reaction `json:"current_reactions"`
	}
	if err := res.Decode(&data); err != nil {
		return nil, &decodeError{op: "decode reactions", err: err}
	}
	return data.CurrentReactions, nil
}

// CreateThread turns a message into a thread root.
func (c *Client) CreateThread(ctx context.Context, messageID string) (*ThreadInfo, error) {
	res, err := c.doRequest(ctx, "POST", "/api/messages/"+url.PathEscape(messageID)+"/thread", nil, nil)
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return nil, nil
	}
	var info ThreadInfo
	if err := res.Decode(&info); err != nil {
		return nil, &decodeError{op: "decode thread", err: err}
	}
	return &info, nil
}

func decodeMessage(res *Result) (*Message, error) {
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return nil, nil
	}
	var msg Message
	if err := res.Decode(&msg); err != nil {
		return nil, &decodeError{op: "decode message", err: err}
	}
	return &msg, nil
}
