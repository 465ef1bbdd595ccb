package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lif-app/lifsync/internal/session"
)

// DefaultPageSize is the message page size the backend serves.
const DefaultPageSize = 50

// Client talks to the chat backend's REST API. Every request carries the
// bearer credential; a missing credential fails before any I/O is attempted.
type Client struct {
	baseURL        string
	creds          session.CredentialProvider
	httpClient     *http.Client
	requestTimeout time.Duration
	uploadTimeout  time.Duration
}

// NewClient creates a REST client. requestTimeout bounds ordinary calls;
// uploadTimeout bounds multipart image sends.
func NewClient(baseURL string, creds session.CredentialProvider, requestTimeout, uploadTimeout time.Duration) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		creds:          creds,
		httpClient:     &http.Client{},
		requestTimeout: requestTimeout,
		uploadTimeout:  uploadTimeout,
	}
}

// ListChats fetches the conversation summaries. Authoritative baseline for
// the chat list.
func (c *Client) ListChats(ctx context.Context) ([]ConversationSummary, error) {
	var out []ConversationSummary
	if err := c.doJSON(ctx, http.MethodGet, "/chats", nil, &out, c.requestTimeout); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages fetches one page of history for a conversation, ordered
// oldest-first within the page. Page 1 holds the newest messages. A page
// shorter than limit signals the start of history.
func (c *Client) ListMessages(ctx context.Context, matchID string, page, limit int) ([]Message, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	path := fmt.Sprintf("/chats/%s/messages?page=%d&limit=%d", url.PathEscape(matchID), page, limit)
	var out []Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out, c.requestTimeout); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage persists a text message. The backend fans it out over the
// realtime channel server-side.
func (c *Client) SendMessage(ctx context.Context, matchID, content string) (*Message, error) {
	body := map[string]string{"conversationId": matchID, "content": content}
	var out Message
	if err := c.doJSON(ctx, http.MethodPost, "/chats/message", body, &out, c.requestTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendImageMessage persists an image message via multipart upload, bounded
// by the upload timeout.
func (c *Client) SendImageMessage(ctx context.Context, matchID, filename string, image io.Reader) (*Message, error) {
	const op = "POST /chats/image-message"

	token, err := c.creds.Token()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("conversationId", matchID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("%s: read image: %w", op, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chats/image-message", &buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(op, resp)
	}
	var out Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return &out, nil
}

// DeleteMessage tombstones a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/chats/message/"+url.PathEscape(messageID), nil, nil, c.requestTimeout)
}

// DeleteChat removes a whole conversation.
func (c *Client) DeleteChat(ctx context.Context, matchID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/chats/"+url.PathEscape(matchID), nil, nil, c.requestTimeout)
}

// InitiateCall registers a call attempt. kind is "video" or "audio".
func (c *Client) InitiateCall(ctx context.Context, matchID, kind string) (*CallInfo, error) {
	body := map[string]string{"matchId": matchID, "callType": kind}
	var out CallInfo
	if err := c.doJSON(ctx, http.MethodPost, "/calls/initiate", body, &out, c.requestTimeout); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptCall confirms an incoming call.
func (c *Client) AcceptCall(ctx context.Context, callID string) error {
	body := map[string]string{"callId": callID}
	return c.doJSON(ctx, http.MethodPost, "/calls/accept", body, nil, c.requestTimeout)
}

// RejectCall declines an incoming call.
func (c *Client) RejectCall(ctx context.Context, callID string) error {
	body := map[string]string{"callId": callID}
	return c.doJSON(ctx, http.MethodPost, "/calls/reject", body, nil, c.requestTimeout)
}

// EndCall terminates an established or ringing call.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.doJSON(ctx, http.MethodPost, "/calls/end/"+url.PathEscape(callID), nil, nil, c.requestTimeout)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	token, err := c.creds.Token()
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}
