package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Intent is a canonical mutation derived from exactly one push frame.
// Normalization is a pure translation stage: it never touches the store,
// keeping the reconciliation engine as the single writer.
type Intent interface {
	intent()
}

// MessageCreated is a new message appearing in a conversation.
type MessageCreated struct {
	ConversationID string
	Message        Message
}

// MessageEdited is an in-place content change to an existing message.
type MessageEdited struct {
	MessageID string
	Content   string
	EditedAt  time.Time
}

// MessageTombstoned redacts a message while keeping its row.
type MessageTombstoned struct {
	MessageID      string
	ConversationID string
}

// ConversationUpdated is a general patch to a conversation's mutable
// fields (rename, roster change).
type ConversationUpdated struct {
	ConversationID string
	Name           string
	Participants   []ParticipantRef
}

// ParticipantRemoved removes one user from a conversation's roster.
type ParticipantRemoved struct {
	ConversationID string
	UserID         string
}

// ConversationDeleted removes a conversation entirely.
type ConversationDeleted struct {
	ConversationID string
}

func (MessageCreated) intent()      {}
func (MessageEdited) intent()       {}
func (MessageTombstoned) intent()   {}
func (ConversationUpdated) intent() {}
func (ParticipantRemoved) intent()  {}
func (ConversationDeleted) intent() {}

// Raw push payloads. Only the fields the canonical intents consume are
// decoded; anything else on the frame is ignored.

type newMessageEvent struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type messageUpdatedEvent struct {
	Message struct {
		ID       string     `json:"id"`
		Content  string     `json:"content"`
		EditedAt *time.Time `json:"editedAt"`
	} `json:"message"`
}

type messageDeletedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type conversationUpdatedEvent struct {
	Conversation struct {
		ID           string           `json:"id"`
		Name         string           `json:"name"`
		Participants []ParticipantRef `json:"participants"`
	} `json:"conversation"`
}

type participantRemovedEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type conversationDeletedEvent struct {
	ConversationID string `json:"conversationId"`
}

// NormalizeEvent converts one raw push frame into a canonical intent.
// Frames with an unknown discriminant or missing identifying fields return
// an error; the session loop logs and drops them rather than crashing the
// pipeline. The channel may duplicate or reorder frames, so intents carry
// no ordering assumptions.
func NormalizeEvent(raw []byte) (Intent, error) {
	tag := gjson.GetBytes(raw, "event").Str
	if tag == "" {
		return nil, fmt.Errorf("push frame missing event tag")
	}

	switch tag {
	case "new-message":
		var ev newMessageEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding new-message: %w", err)
		}

		if ev.Message.ID == "" {
			return nil, fmt.Errorf("new-message frame missing message id")
		}

		// The message row may omit its owning conversation; the envelope
		// always carries it.
		if ev.Message.ConversationID == "" {
			ev.Message.ConversationID = ev.ConversationID
		}

		if ev.Message.ConversationID == "" {
			return nil, fmt.Errorf("new-message frame missing conversation id")
		}

		return MessageCreated{ConversationID: ev.Message.ConversationID, Message: ev.Message}, nil

	case "message-updated":
		var ev messageUpdatedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding message-updated: %w", err)
		}

		if ev.Message.ID == "" {
			return nil, fmt.Errorf("message-updated frame missing message id")
		}

		editedAt := time.Now()
		if ev.Message.EditedAt != nil {
			editedAt = *ev.Message.EditedAt
		}

		return MessageEdited{MessageID: ev.Message.ID, Content: ev.Message.Content, EditedAt: editedAt}, nil

	case "message-deleted":
		var ev messageDeletedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding message-deleted: %w", err)
		}

		if ev.MessageID == "" || ev.ConversationID == "" {
			return nil, fmt.Errorf("message-deleted frame missing ids")
		}

		return MessageTombstoned{MessageID: ev.MessageID, ConversationID: ev.ConversationID}, nil

	case "conversation-updated":
		var ev conversationUpdatedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding conversation-updated: %w", err)
		}

		if ev.Conversation.ID == "" {
			return nil, fmt.Errorf("conversation-updated frame missing conversation id")
		}

		return ConversationUpdated{
			ConversationID: ev.Conversation.ID,
			Name:           ev.Conversation.Name,
			Participants:   ev.Conversation.Participants,
		}, nil

	case "participant-removed":
		var ev participantRemovedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding participant-removed: %w", err)
		}

		if ev.ConversationID == "" || ev.UserID == "" {
			return nil, fmt.Errorf("participant-removed frame missing ids")
		}

		return ParticipantRemoved{ConversationID: ev.ConversationID, UserID: ev.UserID}, nil

	case "conversation-deleted":
		var ev conversationDeletedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decoding conversation-deleted: %w", err)
		}

		if ev.ConversationID == "" {
			return nil, fmt.Errorf("conversation-deleted frame missing conversation id")
		}

		return ConversationDeleted{ConversationID: ev.ConversationID}, nil

	default:
		return nil, fmt.Errorf("unrecognized event %q", tag)
	}
}
