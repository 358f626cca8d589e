package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// previewTombstone is rendered in place of a deleted message's content.
	previewTombstone = "(message deleted)"

	// previewAttachment is rendered for attachment-only messages.
	previewAttachment = "(attachment)"

	// previewEmpty marks a conversation with no messages yet.
	previewEmpty = "(no messages)"
)

// Store is the canonical in-memory view of conversations and their message
// logs. Every mutator is idempotent with respect to its own input, so
// duplicated or replayed events converge on the same state. Writes are
// owned by the reconciliation engine; the coordinator and the presentation
// layer only read.
//
// The store is session-scoped: it can always be rebuilt wholesale from the
// query service and is never persisted.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message

	// messageConv maps a message id to its owning conversation, so edit
	// and tombstone events (which may omit the conversation) can be routed.
	messageConv map[string]string

	subMu       sync.RWMutex
	subscribers map[string]chan struct{}

	logger *slog.Logger
}

// NewStore creates an empty store. Pass nil logger for the default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageConv:   make(map[string]string),
		subscribers:   make(map[string]chan struct{}),
		logger:        logger.With(slog.String("component", "store")),
	}
}

// Subscribe registers a change listener. The returned channel receives a
// coalesced signal after every store mutation; the subscription is removed
// when ctx is cancelled. The second return is an id for Unsubscribe.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, string) {
	id := uuid.New().String()
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	s.subscribers[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.Unsubscribe(id)
	}()

	return ch, id
}

// Unsubscribe removes a change listener.
func (s *Store) Unsubscribe(id string) {
	s.subMu.Lock()
	delete(s.subscribers, id)
	s.subMu.Unlock()
}

// notify signals all subscribers. Non-blocking: a subscriber with a signal
// already pending does not need another.
func (s *Store) notify() {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ReplaceConversations swaps the whole conversation list for the given
// snapshot. Message logs for conversations that disappeared are dropped.
// Full replace is deliberate: the list is small, and it guarantees
// eventual consistency after any missed push event.
func (s *Store) ReplaceConversations(convs []Conversation) {
	s.mu.Lock()

	next := make(map[string]*Conversation, len(convs))
	for i := range convs {
		c := convs[i]
		next[c.ID] = &c
	}

	for id := range s.messages {
		if _, ok := next[id]; !ok {
			s.dropMessagesLocked(id)
		}
	}

	s.conversations = next
	s.mu.Unlock()

	s.notify()
}

// UpsertConversation inserts or replaces a single conversation.
func (s *Store) UpsertConversation(conv Conversation) {
	s.mu.Lock()
	c := conv
	s.conversations[c.ID] = &c
	s.mu.Unlock()

	s.notify()
}

// PatchConversation updates a conversation's mutable fields in place.
// The entry's identity is stable for the session, so UI selection state
// keyed by id stays valid. Returns false if the conversation is unknown.
func (s *Store) PatchConversation(id, name string, participants []ParticipantRef) bool {
	s.mu.Lock()

	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	c.DisplayName = name
	if participants != nil {
		c.Participants = participants
	}

	s.mu.Unlock()
	s.notify()

	return true
}

// EvictConversation removes a conversation and its message log entirely.
// Returns false if the conversation was not present.
func (s *Store) EvictConversation(id string) bool {
	s.mu.Lock()

	_, ok := s.conversations[id]
	if ok {
		delete(s.conversations, id)
		s.dropMessagesLocked(id)
	}

	s.mu.Unlock()

	if ok {
		s.notify()
	}

	return ok
}

// dropMessagesLocked removes a conversation's log and its index entries.
func (s *Store) dropMessagesLocked(conversationID string) {
	for _, m := range s.messages[conversationID] {
		delete(s.messageConv, m.ID)
	}

	delete(s.messages, conversationID)
}

// ReplaceMessages swaps a conversation's whole message log for the given
// page, sorted per the log ordering invariant.
func (s *Store) ReplaceMessages(conversationID string, msgs []Message) {
	s.mu.Lock()

	s.dropMessagesLocked(conversationID)

	log := make([]*Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		m.ConversationID = conversationID
		log = append(log, &m)
		s.messageConv[m.ID] = conversationID
	}

	sort.Slice(log, func(i, j int) bool { return log[i].Before(log[j]) })
	s.messages[conversationID] = log

	s.mu.Unlock()
	s.notify()
}

// UpsertMessage inserts a message at its ordered position, or replaces the
// existing entry with the same id. Applying the same message twice yields
// the same log as applying it once.
func (s *Store) UpsertMessage(msg Message) {
	s.mu.Lock()

	if prevConv, ok := s.messageConv[msg.ID]; ok {
		s.replaceByIDLocked(prevConv, msg)
		s.mu.Unlock()
		s.notify()

		return
	}

	log := s.messages[msg.ConversationID]
	m := msg
	idx := sort.Search(len(log), func(i int) bool { return m.Before(log[i]) })

	log = append(log, nil)
	copy(log[idx+1:], log[idx:])
	log[idx] = &m

	s.messages[msg.ConversationID] = log
	s.messageConv[msg.ID] = msg.ConversationID

	s.mu.Unlock()
	s.notify()
}

// replaceByIDLocked swaps the stored message with the same id, re-sorting
// only if the ordering key changed.
func (s *Store) replaceByIDLocked(conversationID string, msg Message) {
	log := s.messages[conversationID]
	for i, m := range log {
		if m.ID != msg.ID {
			continue
		}

		next := msg
		reorder := !m.CreatedAt.Equal(next.CreatedAt)
		log[i] = &next

		if reorder {
			sort.Slice(log, func(a, b int) bool { return log[a].Before(log[b]) })
		}

		return
	}
}

// SwapMessage replaces an optimistic placeholder with the confirmed
// message, preserving its list position. Returns false if the placeholder
// is not present (already replaced by a wholesale refresh, say).
func (s *Store) SwapMessage(placeholderID string, confirmed Message) bool {
	s.mu.Lock()

	conversationID, ok := s.messageConv[placeholderID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	// The confirmed message may already be in the log from a duplicate
	// push; in that case just drop the placeholder.
	if _, dup := s.messageConv[confirmed.ID]; dup {
		s.removeLocked(conversationID, placeholderID)
		s.mu.Unlock()
		s.notify()

		return true
	}

	log := s.messages[conversationID]
	for i, m := range log {
		if m.ID != placeholderID {
			continue
		}

		next := confirmed
		next.ConversationID = conversationID
		log[i] = &next

		delete(s.messageConv, placeholderID)
		s.messageConv[confirmed.ID] = conversationID

		s.mu.Unlock()
		s.notify()

		return true
	}

	s.mu.Unlock()

	return false
}

// RemoveMessage physically deletes a message row. Only used to roll back
// optimistic placeholders; confirmed messages are tombstoned instead.
func (s *Store) RemoveMessage(messageID string) bool {
	s.mu.Lock()

	conversationID, ok := s.messageConv[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	s.removeLocked(conversationID, messageID)
	s.mu.Unlock()
	s.notify()

	return true
}

func (s *Store) removeLocked(conversationID, messageID string) {
	log := s.messages[conversationID]
	for i, m := range log {
		if m.ID == messageID {
			s.messages[conversationID] = append(log[:i], log[i+1:]...)
			break
		}
	}

	delete(s.messageConv, messageID)
}

// PatchMessage applies an edit to a loaded message. Returns false if the
// message is not loaded, in which case the engine buffers the edit.
func (s *Store) PatchMessage(messageID, content string, editedAt time.Time) bool {
	s.mu.Lock()

	conversationID, ok := s.messageConv[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			m.Content = content
			at := editedAt
			m.EditedAt = &at

			break
		}
	}

	s.mu.Unlock()
	s.notify()

	return true
}

// TombstoneMessage redacts a message in place, preserving its position.
// Idempotent; returns false if the message is not loaded.
func (s *Store) TombstoneMessage(messageID string) bool {
	s.mu.Lock()

	conversationID, ok := s.messageConv[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			m.IsTombstoned = true
			m.Content = ""
			m.Attachment = nil

			break
		}
	}

	s.mu.Unlock()
	s.notify()

	return true
}

// Conversation returns a copy of the conversation with the given id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}

	return copyConversation(c), true
}

// Conversations returns copies of all conversations ordered by UpdatedAt
// descending, ties broken by id for a stable render order.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, copyConversation(c))
	}

	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out
}

// Messages returns copies of a conversation's log in display order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[conversationID]

	out := make([]Message, 0, len(log))
	for _, m := range log {
		out = append(out, *m)
	}

	return out
}

// MessageConversation returns the owning conversation for a loaded
// message id, or "" if the message is not loaded.
func (s *Store) MessageConversation(messageID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.messageConv[messageID]
}

// HasMessage reports whether a message id is loaded.
func (s *Store) HasMessage(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.messageConv[messageID]

	return ok
}

// Preview returns the sidebar preview for a conversation: the latest
// message's content with placeholders for deleted and attachment-only
// entries. Falls back to the server-derived preview when the log is not
// loaded locally.
func (s *Store) Preview(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[conversationID]
	if len(log) == 0 {
		if c, ok := s.conversations[conversationID]; ok && c.LastMessage != "" {
			return c.LastMessage
		}

		return previewEmpty
	}

	last := log[len(log)-1]

	switch {
	case last.IsTombstoned:
		return previewTombstone
	case last.Content == "" && last.Attachment != nil:
		return previewAttachment
	default:
		return last.Content
	}
}

func copyConversation(c *Conversation) Conversation {
	out := *c
	out.Participants = append([]ParticipantRef(nil), c.Participants...)

	return out
}
