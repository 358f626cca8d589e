package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	cserrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// Client talks to the chat query service over REST. It implements
// QueryService; failures are wrapped with the classified sentinels from
// internal/errors so the coordinator can surface them per taxonomy.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client for the given base URL and bearer token.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// do sends a JSON request and decodes the response into result (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var payload io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending %s %s: %w", cserrors.ErrTransientNetwork, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", cserrors.ErrTransientNetwork, path, err)
	}

	if resp.StatusCode >= 400 {
		return c.statusError(resp.StatusCode, path, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", cserrors.ErrAPIResponse, path, err)
		}
	}

	return nil
}

// statusError maps an HTTP failure onto the error taxonomy. Missing or
// conflicting targets collapse into ErrConflictOrGone: the caller treats
// the target as already in its desired end state and refreshes.
func (c *Client) statusError(status int, path string, body []byte) error {
	msg := ""

	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Msg != "" {
			msg = apiErr.Msg
		} else {
			msg = apiErr.Error
		}
	}

	if msg == "" {
		msg = http.StatusText(status)
	}

	switch status {
	case http.StatusNotFound, http.StatusGone, http.StatusConflict:
		return fmt.Errorf("%w: %s (%d): %s", cserrors.ErrConflictOrGone, path, status, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s (%d): %s", cserrors.ErrInvalidToken, path, status, msg)
	default:
		return fmt.Errorf("%w: %s (%d): %s", cserrors.ErrAPIResponse, path, status, msg)
	}
}

// ListConversations returns all conversations visible to the session user.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return out, nil
}

// GetConversation returns a single conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("fetching conversation: %w", err)
	}

	return &out, nil
}

// ListMessages returns the message page for a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message

	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return out, nil
}

// SendMessage creates a message and returns the server's copy with its
// assigned id and timestamp.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	var out Message
	if err := c.do(ctx, http.MethodPost, "/messages", req, &out); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	return &out, nil
}

// EditMessage replaces a message's content. The response carries the
// updated message when the service includes it; a nil message with nil
// error means the service acknowledged without a body.
func (c *Client) EditMessage(ctx context.Context, id, content string) (*Message, error) {
	var out Message

	req := EditMessageRequest{Content: content}
	if err := c.do(ctx, http.MethodPatch, "/messages/"+url.PathEscape(id), req, &out); err != nil {
		return nil, fmt.Errorf("editing message: %w", err)
	}

	if out.ID == "" {
		return nil, nil
	}

	return &out, nil
}

// DeleteMessage tombstones a message on the server.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	return nil
}

// CreateConversation creates a conversation with the given participants.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (*Conversation, error) {
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	return &out, nil
}

// RenameConversation sets a conversation's explicit display name.
func (c *Client) RenameConversation(ctx context.Context, id, name string) error {
	req := RenameConversationRequest{Name: name}
	if err := c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(id), req, nil); err != nil {
		return fmt.Errorf("renaming conversation: %w", err)
	}

	return nil
}

// DeleteConversation deletes a conversation for all participants.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	return nil
}

// AddParticipants adds users to a conversation's roster.
func (c *Client) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	req := AddParticipantsRequest{UserIDs: userIDs}

	path := "/conversations/" + url.PathEscape(conversationID) + "/participants"
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("adding participants: %w", err)
	}

	return nil
}

// RemoveParticipant removes one user from a conversation's roster.
func (c *Client) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/participants/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("removing participant: %w", err)
	}

	return nil
}

// ListUsers returns the addressable-user directory.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	if err := c.do(ctx, http.MethodGet, "/users", nil, &out); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return out, nil
}
