package chat

import (
	"strings"
	"time"
)

// Attachment is a reference to an uploaded file carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
}

// ParticipantRef identifies a member of a conversation. Refs are owned by
// exactly one conversation and refreshed wholesale on conversation refetch.
type ParticipantRef struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Message is a single entry in a conversation's log. A tombstoned message
// keeps its row so positions and ordering stay meaningful, but its content
// is redacted.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	IsTombstoned   bool        `json:"isDeleted"`
}

// Before reports whether m sorts before other in a conversation's log:
// by CreatedAt, ties broken by ID so the order is stable under replay.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}

	return m.ID < other.ID
}

// Conversation is the list-level view of a chat. LastMessage is the
// server-derived preview from the list endpoint; it is only trusted as a
// fallback when the message log is not loaded locally.
type Conversation struct {
	ID           string           `json:"id"`
	DisplayName  string           `json:"name"`
	IsGroup      bool             `json:"isGroup"`
	Participants []ParticipantRef `json:"participants"`
	LastMessage  string           `json:"lastMessage"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Name returns the display name to render: the explicit name if set,
// otherwise the other participants' names joined with commas.
func (c *Conversation) Name(selfID string) string {
	if c.DisplayName != "" {
		return c.DisplayName
	}

	names := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID == selfID {
			continue
		}

		names = append(names, p.DisplayName)
	}

	if len(names) == 0 {
		return "(empty conversation)"
	}

	return strings.Join(names, ", ")
}

// HasParticipant reports whether userID is in the participant set.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}

	return false
}

// User is an addressable user from the directory endpoint, used when
// composing a new conversation.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// REST request payloads.

// SendMessageRequest is the payload for POST /messages.
type SendMessageRequest struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// EditMessageRequest is the payload for PATCH /messages/{id}.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// CreateConversationRequest is the payload for POST /conversations.
type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	Name           string   `json:"name,omitempty"`
}

// RenameConversationRequest is the payload for PATCH /conversations/{id}.
type RenameConversationRequest struct {
	Name string `json:"name"`
}

// AddParticipantsRequest is the payload for POST /conversations/{id}/participants.
type AddParticipantsRequest struct {
	UserIDs []string `json:"userIds"`
}

// APIError is the error envelope the query service returns in response bodies.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}

// Push channel frames.

// helloFrame is sent as the first frame after the WebSocket connects. The
// channel is keyed by session identity; the server answers with a readyFrame.
type helloFrame struct {
	Event  string `json:"event"`
	Token  string `json:"token"`
	Device string `json:"device"`
}

// readyFrame is the server reply to a hello frame.
type readyFrame struct {
	Event  string `json:"event"`
	Res    string `json:"res"`
	UserID string `json:"userId"`
}

// joinFrame is the client→server intent to receive events for a
// conversation. No acknowledgment is expected; it is re-issued on every
// reconnect and on every conversation open.
type joinFrame struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
}

// pingFrame keeps the connection alive during idle periods.
type pingFrame struct {
	Event string `json:"event"`
}
