package remote

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

	"github.com/msgvault/msgvault/internal/store"
)

// Client is the HTTP implementation of Source, Mutator and Fetcher
// against the message server's REST API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for the given base URL. The token, when
// non-empty, is sent as a bearer credential on every request.
func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server base url %q", baseURL)
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{},
	}, nil
}

// wireMessage is the server's JSON message representation.
type wireMessage struct {
	ID             string          `json:"id"`
	TempID         string          `json:"temp_id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	Content        string          `json:"content"`
	SenderID       string          `json:"sender_id"`
	CreatedAt      int64           `json:"created_at"`
	UpdatedAt      int64           `json:"updated_at"`
	Attachment     *wireAttachment `json:"attachment,omitempty"`
}

type wireAttachment struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Mime     string `json:"mime"`
}

func (w *wireMessage) toStore() *store.Message {
	m := &store.Message{
		ID:             w.ID,
		TempID:         w.TempID,
		ConversationID: w.ConversationID,
		Seq:            w.Seq,
		Content:        w.Content,
		SenderID:       w.SenderID,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
		Status:         store.MsgSent,
	}
	if w.Attachment != nil {
		m.Attachment = &store.Attachment{
			Filename: w.Attachment.Filename,
			Size:     w.Attachment.Size,
			Mime:     w.Attachment.Mime,
		}
	}
	return m
}

type deltaResponse struct {
	Messages   []*wireMessage `json:"messages"`
	HasMore    bool           `json:"has_more"`
	NewestSeq  int64          `json:"newest_seq"`
	TotalCount int64          `json:"total_count"`
}

// FetchDelta implements Source.
func (c *Client) FetchDelta(ctx context.Context, conversationID string, sinceSeq int64, limit int) (*Delta, error) {
	q := url.Values{}
	q.Set("since_seq", strconv.FormatInt(sinceSeq, 10))
	q.Set("limit", strconv.Itoa(limit))
	path := fmt.Sprintf("/v1/conversations/%s/messages?%s", url.PathEscape(conversationID), q.Encode())

	var resp deltaResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	delta := &Delta{
		HasMore:    resp.HasMore,
		NewestSeq:  resp.NewestSeq,
		TotalCount: resp.TotalCount,
	}
	for _, w := range resp.Messages {
		delta.Messages = append(delta.Messages, w.toStore())
	}
	return delta, nil
}

// FetchRange implements Source.
func (c *Client) FetchRange(ctx context.Context, conversationID string, startSeq, endSeq int64) ([]*store.Message, error) {
	q := url.Values{}
	q.Set("start_seq", strconv.FormatInt(startSeq, 10))
	q.Set("end_seq", strconv.FormatInt(endSeq, 10))
	path := fmt.Sprintf("/v1/conversations/%s/messages/range?%s", url.PathEscape(conversationID), q.Encode())

	var resp struct {
		Messages []*wireMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	msgs := make([]*store.Message, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		msgs = append(msgs, w.toStore())
	}
	return msgs, nil
}

// SendMessage implements Mutator. The server deduplicates on tempID, so
// re-sending after a crash returns the already-created message.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, tempID string) (*store.Message, error) {
	body := map[string]string{"temp_id": tempID, "content": content}
	path := fmt.Sprintf("/v1/conversations/%s/messages", url.PathEscape(conversationID))

	var w wireMessage
	if err := c.postJSON(ctx, path, body, &w); err != nil {
		return nil, err
	}
	return w.toStore(), nil
}

// MarkRead implements Mutator.
func (c *Client) MarkRead(ctx context.Context, conversationID string, upToSeq int64) error {
	body := map[string]int64{"up_to_seq": upToSeq}
	path := fmt.Sprintf("/v1/conversations/%s/read", url.PathEscape(conversationID))
	return c.postJSON(ctx, path, body, nil)
}

// FetchMedia implements Fetcher.
func (c *Client) FetchMedia(ctx context.Context, conversationID, filename string) ([]byte, string, error) {
	path := fmt.Sprintf("/v1/conversations/%s/media/%s",
		url.PathEscape(conversationID), url.PathEscape(filename))

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusErr(resp); err != nil {
		return nil, "", err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read media body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Ping probes the server's health endpoint. Drives the connectivity
// state machine.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return statusErr(resp)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusErr(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusErr maps HTTP status codes onto the error taxonomy.
func statusErr(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: server returned %s", ErrAuth, resp.Status)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: server returned %s", ErrNotFound, resp.Status)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: server returned %s", ErrValidation, resp.Status)
	default:
		return fmt.Errorf("server returned %s", resp.Status)
	}
}
