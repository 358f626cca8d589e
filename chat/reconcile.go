package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	// pendingMatchWindow is how recently a pending send must have been
	// registered for an incoming MessageCreated to be treated as its
	// confirmation.
	pendingMatchWindow = 10 * time.Second

	// placeholderPrefix marks optimistic message ids so they can never
	// collide with server-assigned ids.
	placeholderPrefix = "pending:"
)

// refresher is the subset of the coordinator the engine uses for
// pull-based corrections. Derived fields (list ordering, previews) are
// never trusted from push payloads alone, because the channel gives no
// ordering guarantee; the engine asks for a fetch instead.
type refresher interface {
	// RefreshConversations refetches the conversation list wholesale.
	RefreshConversations(ctx context.Context)

	// RefreshConversation refetches one conversation's metadata and roster.
	RefreshConversation(ctx context.Context, conversationID string)

	// FetchConversation attempts to load an unknown conversation.
	// Returns false if the conversation is gone, in which case the
	// triggering intent is dropped (an expected race, not an error).
	FetchConversation(ctx context.Context, conversationID string) bool
}

// pendingSend tracks a send issued optimistically before confirmation.
type pendingSend struct {
	token          string
	conversationID string
	content        string // NFC-normalized for comparison
	placeholderID  string
	registeredAt   time.Time
}

// deferredEdit buffers a message-updated event that arrived before its
// message (reordered delivery, or the user never loaded that page).
type deferredEdit struct {
	content  string
	editedAt time.Time
}

// Engine applies canonical intents to the store, resolving conflicts
// between optimistic local state and confirmed remote state. It is the
// store's only writer: push intents arrive from the session event loop,
// pull responses from the coordinator, and both funnel through here.
type Engine struct {
	store  *Store
	selfID string
	logger *slog.Logger

	refresher refresher

	// onEvicted is called after a conversation is removed from the store
	// by a push intent. selfRemoved is true when the local user was
	// removed from the roster (rather than the conversation deleted).
	onEvicted func(conversationID string, selfRemoved bool)

	mu       sync.Mutex
	pending  map[string]pendingSend
	deferred map[string]deferredEdit
}

// NewEngine creates an engine writing to the given store. selfID is the
// local user; it drives pending-send matching and self-removal eviction.
func NewEngine(store *Store, selfID string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:    store,
		selfID:   selfID,
		logger:   logger.With(slog.String("component", "reconcile")),
		pending:  make(map[string]pendingSend),
		deferred: make(map[string]deferredEdit),
	}
}

// SetRefresher wires the coordinator in after construction (the two
// reference each other).
func (e *Engine) SetRefresher(r refresher) {
	e.refresher = r
}

// SetEvictionHandler registers the callback invoked when a push intent
// evicts a conversation.
func (e *Engine) SetEvictionHandler(fn func(conversationID string, selfRemoved bool)) {
	e.onEvicted = fn
}

// Apply routes one canonical intent to the store. It never returns an
// error: stale or unresolvable intents are dropped, and where meaningful a
// corrective refresh is triggered instead.
func (e *Engine) Apply(ctx context.Context, intent Intent) {
	switch in := intent.(type) {
	case MessageCreated:
		e.applyMessageCreated(ctx, in)
	case MessageEdited:
		e.applyMessageEdited(in)
	case MessageTombstoned:
		e.applyMessageTombstoned(ctx, in)
	case ConversationUpdated:
		e.applyConversationUpdated(ctx, in)
	case ParticipantRemoved:
		e.applyParticipantRemoved(ctx, in)
	case ConversationDeleted:
		e.applyConversationDeleted(in)
	default:
		e.logger.Debug("dropping unhandled intent")
	}
}

func (e *Engine) applyMessageCreated(ctx context.Context, in MessageCreated) {
	if !e.resolveConversation(ctx, in.ConversationID) {
		e.logger.Debug("dropping message for unknown conversation",
			slog.String("conversation_id", in.ConversationID),
			slog.String("message_id", in.Message.ID),
		)

		return
	}

	if token, ok := e.matchPending(in); ok {
		e.logger.Debug("confirmed optimistic send",
			slog.String("message_id", in.Message.ID),
			slog.String("token", token),
		)
	} else {
		e.store.UpsertMessage(in.Message)
	}

	e.applyDeferred(in.Message.ID)

	// A new-message payload does not guarantee it reflects the latest
	// message if delivery was reordered, so the conversation list (and
	// with it previews and ordering) comes from a pull, not the payload.
	if e.refresher != nil {
		e.refresher.RefreshConversations(ctx)
	}
}

// matchPending looks for a pending send this message confirms: same
// conversation, sent by self, equal normalized content, registered within
// the match window. On a match the placeholder is swapped in place.
func (e *Engine) matchPending(in MessageCreated) (string, bool) {
	if in.Message.SenderID != e.selfID {
		return "", false
	}

	normalized := norm.NFC.String(in.Message.Content)

	e.mu.Lock()

	var matched *pendingSend

	for token := range e.pending {
		p := e.pending[token]
		if p.conversationID != in.ConversationID {
			continue
		}

		if p.content != normalized {
			continue
		}

		if time.Since(p.registeredAt) > pendingMatchWindow {
			continue
		}

		matched = &p

		break
	}

	if matched == nil {
		e.mu.Unlock()
		return "", false
	}

	delete(e.pending, matched.token)
	e.mu.Unlock()

	if !e.store.SwapMessage(matched.placeholderID, in.Message) {
		// Placeholder already gone (wholesale refresh beat the event);
		// fall back to an idempotent upsert.
		e.store.UpsertMessage(in.Message)
	}

	return matched.token, true
}

func (e *Engine) applyMessageEdited(in MessageEdited) {
	if e.store.PatchMessage(in.MessageID, in.Content, in.EditedAt) {
		e.applyDeferredCleanup(in.MessageID)
		return
	}

	// Edit arrived before the create. Buffer it; it is applied right
	// after the matching MessageCreated or the next wholesale load.
	e.mu.Lock()
	e.deferred[in.MessageID] = deferredEdit{content: in.Content, editedAt: in.EditedAt}
	e.mu.Unlock()

	e.logger.Debug("buffered edit for unloaded message", slog.String("message_id", in.MessageID))
}

// applyDeferred patches a just-created message with any buffered edit.
func (e *Engine) applyDeferred(messageID string) {
	e.mu.Lock()
	d, ok := e.deferred[messageID]
	if ok {
		delete(e.deferred, messageID)
	}
	e.mu.Unlock()

	if ok {
		e.store.PatchMessage(messageID, d.content, d.editedAt)
	}
}

// applyDeferredCleanup drops a buffered edit that has been superseded by a
// directly applied one.
func (e *Engine) applyDeferredCleanup(messageID string) {
	e.mu.Lock()
	delete(e.deferred, messageID)
	e.mu.Unlock()
}

func (e *Engine) applyMessageTombstoned(ctx context.Context, in MessageTombstoned) {
	e.store.TombstoneMessage(in.MessageID)
	e.applyDeferredCleanup(in.MessageID)

	// The sidebar must show the deletion even when the message body was
	// never loaded, so the list refresh happens regardless.
	if e.refresher != nil {
		e.refresher.RefreshConversations(ctx)
	}
}

func (e *Engine) applyConversationUpdated(ctx context.Context, in ConversationUpdated) {
	if e.store.PatchConversation(in.ConversationID, in.Name, in.Participants) {
		return
	}

	if !e.resolveConversation(ctx, in.ConversationID) {
		e.logger.Debug("dropping update for unknown conversation",
			slog.String("conversation_id", in.ConversationID),
		)
	}
}

func (e *Engine) applyParticipantRemoved(ctx context.Context, in ParticipantRemoved) {
	if in.UserID == e.selfID {
		if e.store.EvictConversation(in.ConversationID) && e.onEvicted != nil {
			e.onEvicted(in.ConversationID, true)
		}

		return
	}

	// Removal of another user is not safety-critical to reflect
	// instantly; a stale roster is tolerable until the refetch lands.
	if e.refresher != nil {
		e.refresher.RefreshConversation(ctx, in.ConversationID)
	}
}

func (e *Engine) applyConversationDeleted(in ConversationDeleted) {
	if e.store.EvictConversation(in.ConversationID) && e.onEvicted != nil {
		e.onEvicted(in.ConversationID, false)
	}
}

// resolveConversation ensures the conversation is loaded, attempting a
// best-effort fetch for unknown ids. A false return means the conversation
// is gone (deleted concurrently) and the intent should be dropped.
func (e *Engine) resolveConversation(ctx context.Context, conversationID string) bool {
	if _, ok := e.store.Conversation(conversationID); ok {
		return true
	}

	if e.refresher == nil {
		return false
	}

	return e.refresher.FetchConversation(ctx, conversationID)
}

// RegisterSend records a pending operation for an outgoing message and
// inserts its optimistic placeholder into the store. Returns the
// correlation token.
func (e *Engine) RegisterSend(conversationID, content string, attachment *Attachment) string {
	token := uuid.New().String()
	now := time.Now()

	placeholder := Message{
		ID:             placeholderPrefix + token,
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      now,
	}

	e.mu.Lock()
	e.pending[token] = pendingSend{
		token:          token,
		conversationID: conversationID,
		content:        norm.NFC.String(content),
		placeholderID:  placeholder.ID,
		registeredAt:   now,
	}
	e.mu.Unlock()

	e.store.UpsertMessage(placeholder)

	return token
}

// CompleteSend discards a pending operation after the post-send refresh
// replaced the log with server truth. Idempotent with the push-event
// confirmation path.
func (e *Engine) CompleteSend(token string) {
	e.mu.Lock()
	p, ok := e.pending[token]
	if ok {
		delete(e.pending, token)
	}
	e.mu.Unlock()

	if ok {
		// Wholesale replace normally removed the placeholder already;
		// this covers the race where it did not.
		e.store.RemoveMessage(p.placeholderID)
	}
}

// FailSend rolls back a pending operation whose mutate call failed. The
// placeholder is removed so the log returns to its pre-operation state;
// the presentation layer keeps the input content for retry.
func (e *Engine) FailSend(token string) {
	e.mu.Lock()
	p, ok := e.pending[token]
	if ok {
		delete(e.pending, token)
	}
	e.mu.Unlock()

	if ok {
		e.store.RemoveMessage(p.placeholderID)
	}
}

// ApplyConversationList applies a pulled conversation-list snapshot.
func (e *Engine) ApplyConversationList(convs []Conversation) {
	e.store.ReplaceConversations(convs)
}

// ApplyFetchedConversation applies a single pulled conversation. The
// fetch is complete, so the entry is replaced wholesale and the list
// ordering and preview fallback pick up the fresh UpdatedAt and
// LastMessage, not just the name and roster.
func (e *Engine) ApplyFetchedConversation(conv Conversation) {
	e.store.UpsertConversation(conv)
}

// ApplyMessagePage applies a pulled message page wholesale, then flushes
// any deferred edits that now have a target. Placeholders for pending
// sends in that conversation are re-inserted so an in-flight optimistic
// send does not vanish mid-refresh.
func (e *Engine) ApplyMessagePage(conversationID string, msgs []Message) {
	e.store.ReplaceMessages(conversationID, msgs)

	e.mu.Lock()

	var restore []Message

	for _, p := range e.pending {
		if p.conversationID != conversationID {
			continue
		}

		// The refresh may already include the confirmed message; if so
		// the pending entry is complete.
		if e.pageContains(msgs, p) {
			delete(e.pending, p.token)
			continue
		}

		restore = append(restore, Message{
			ID:             p.placeholderID,
			ConversationID: conversationID,
			SenderID:       e.selfID,
			Content:        p.content,
			CreatedAt:      p.registeredAt,
		})
	}

	flush := make(map[string]deferredEdit, len(e.deferred))

	for id, d := range e.deferred {
		flush[id] = d
	}

	e.mu.Unlock()

	for _, m := range restore {
		e.store.UpsertMessage(m)
	}

	for id, d := range flush {
		// Only edits whose message arrived with this page can be applied.
		// The wire frame carries no conversation id, so the rest stay
		// buffered until whichever conversation owns them loads.
		if !e.store.PatchMessage(id, d.content, d.editedAt) {
			continue
		}

		e.mu.Lock()
		delete(e.deferred, id)
		e.mu.Unlock()
	}
}

// pageContains reports whether the pulled page already carries the
// confirmation for a pending send.
func (e *Engine) pageContains(msgs []Message, p pendingSend) bool {
	for i := range msgs {
		if msgs[i].SenderID != e.selfID {
			continue
		}

		if norm.NFC.String(msgs[i].Content) == p.content {
			return true
		}
	}

	return false
}
