package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cserrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

const (
	// defaultDeleteConfirmWait bounds how long a delete waits for its push
	// confirmation before the coordinator refreshes on its own.
	defaultDeleteConfirmWait = 3 * time.Second

	noticeChanSize = 8
)

// QueryService is the request/response API the coordinator pulls from and
// mutates through. *Client implements it against the real service.
type QueryService interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error)
	EditMessage(ctx context.Context, id, content string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	CreateConversation(ctx context.Context, req CreateConversationRequest) (*Conversation, error)
	RenameConversation(ctx context.Context, id, name string) error
	DeleteConversation(ctx context.Context, id string) error
	AddParticipants(ctx context.Context, conversationID string, userIDs []string) error
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
	ListUsers(ctx context.Context) ([]User, error)
}

// NoticeKind classifies one-shot notices surfaced to the presentation layer.
type NoticeKind int

const (
	// NoticeRemovedFromConversation means the local user was removed from
	// a conversation, which has been evicted from the local view.
	NoticeRemovedFromConversation NoticeKind = iota
)

// Notice is a one-shot, user-visible event that is not part of the read
// model (it describes something that happened, not current state).
type Notice struct {
	Kind           NoticeKind
	ConversationID string
}

// Config holds the parameters for a Coordinator.
type Config struct {
	// SelfID is the local user's id.
	SelfID string

	// Query is the query service.
	Query QueryService

	// PushHost is the push channel host. Empty runs pull-only.
	PushHost string

	// Token authenticates the push channel session.
	Token string

	// Device is the client device name reported on the channel.
	Device string

	// Sessions optionally persists the last-open conversation across
	// restarts. Nil disables persistence.
	Sessions *state.State

	// DeleteConfirmWait overrides the delete confirmation window.
	// Zero uses the default.
	DeleteConfirmWait time.Duration

	// dial overrides the channel dialer in tests.
	dial dialFunc
}

// Coordinator is the façade the presentation layer calls. It sequences
// pull requests and push-driven updates, exposes the read model, and
// issues user-initiated mutations with optimistic application through the
// reconciliation engine. Construct with New, then Open/Close for the
// channel lifecycle.
type Coordinator struct {
	store   *Store
	engine  *Engine
	session *Session
	query   QueryService
	selfID  string
	logger  *slog.Logger

	sessions   *state.State
	deleteWait time.Duration

	// Per-resource-key request sequencing: a response is applied only if
	// no later request for the same key has already been applied, so an
	// older, slower response can never clobber a newer one.
	seqMu   sync.Mutex
	issued  map[string]uint64
	applied map[string]uint64

	openMu   sync.Mutex
	openConv string

	notices chan Notice

	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New wires up a Coordinator with its store, engine, and (when a push
// host is configured) session connection manager.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	deleteWait := cfg.DeleteConfirmWait
	if deleteWait <= 0 {
		deleteWait = defaultDeleteConfirmWait
	}

	store := NewStore(logger)
	engine := NewEngine(store, cfg.SelfID, logger)

	c := &Coordinator{
		store:      store,
		engine:     engine,
		query:      cfg.Query,
		selfID:     cfg.SelfID,
		logger:     logger.With(slog.String("component", "coordinator")),
		sessions:   cfg.Sessions,
		deleteWait: deleteWait,
		issued:     make(map[string]uint64),
		applied:    make(map[string]uint64),
		notices:    make(chan Notice, noticeChanSize),
	}

	engine.SetRefresher(c)
	engine.SetEvictionHandler(c.handleEvicted)

	if cfg.PushHost != "" || cfg.dial != nil {
		c.session = NewSession(SessionConfig{
			Host:             cfg.PushHost,
			Token:            cfg.Token,
			Device:           cfg.Device,
			Engine:           engine,
			OpenConversation: c.OpenConversationID,
			OnResync:         c.resync,
			Dial:             cfg.dial,
		}, logger)
	}

	return c
}

// Open performs the initial conversation-list pull and brings up the push
// channel. A channel that fails to connect degrades the core to pull-only
// mode rather than failing Open; only a permanent rejection (bad token)
// is returned as an error.
func (c *Coordinator) Open(ctx context.Context) error {
	if err := c.LoadConversations(ctx); err != nil {
		return fmt.Errorf("initial conversation load: %w", err)
	}

	if c.session == nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.runCancel = cancel

	if err := c.session.Connect(ctx); err != nil {
		if isPermanentError(err) {
			cancel()
			return fmt.Errorf("opening push channel: %w", err)
		}

		c.logger.Warn("push channel unavailable, running pull-only",
			slog.String("error", err.Error()),
		)
	}

	c.runWG.Add(1)

	go func() {
		defer c.runWG.Done()

		// Connect may have failed above; Listen-driven reconnection
		// needs a live first connection, so retry until one sticks.
		for runCtx.Err() == nil {
			if !c.session.Connected() && c.session.State() != StateConnecting {
				if err := c.session.Connect(runCtx); err != nil {
					if isPermanentError(err) {
						c.logger.Error("push channel rejected session", slog.String("error", err.Error()))
						return
					}

					select {
					case <-runCtx.Done():
						return
					case <-time.After(reconnectMin):
					}

					continue
				}
			}

			if err := c.session.Listen(runCtx); err != nil {
				if runCtx.Err() != nil {
					return
				}

				c.logger.Error("push channel closed", slog.String("error", err.Error()))

				if isPermanentError(err) {
					return
				}
			}
		}
	}()

	return nil
}

// Close tears down the push channel and stops background work. In-flight
// pull requests are allowed to finish; their results remain valid.
func (c *Coordinator) Close() error {
	if c.runCancel != nil {
		c.runCancel()
	}

	var err error
	if c.session != nil {
		err = c.session.Close()
	}

	c.runWG.Wait()

	return err
}

// Store exposes the read model. Callers must treat it as read-only.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Notices returns the one-shot notice channel.
func (c *Coordinator) Notices() <-chan Notice {
	return c.notices
}

// ChannelState reports the push channel state; StateDisconnected when no
// channel is configured.
func (c *Coordinator) ChannelState() ConnState {
	if c.session == nil {
		return StateDisconnected
	}

	return c.session.State()
}

// OpenConversationID returns the currently open conversation, or "".
func (c *Coordinator) OpenConversationID() string {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	return c.openConv
}

// --- request sequencing ---

func (c *Coordinator) beginRequest(key string) uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	c.issued[key]++

	return c.issued[key]
}

// commitRequest applies a response issued at seq unless a request issued
// later for the same key has already been applied, regardless of arrival
// order. The apply runs under the sequencing lock, so a stale response
// can never slip its apply in after a newer response's commit.
func (c *Coordinator) commitRequest(key string, seq uint64, apply func()) bool {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if seq <= c.applied[key] {
		return false
	}

	c.applied[key] = seq
	apply()

	return true
}

// --- pull operations ---

// LoadConversations pulls the conversation list and replaces the local
// copy wholesale.
func (c *Coordinator) LoadConversations(ctx context.Context) error {
	seq := c.beginRequest("conversations")

	convs, err := c.query.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	if !c.commitRequest("conversations", seq, func() {
		c.engine.ApplyConversationList(convs)
	}) {
		c.logger.Debug("discarding stale conversation list response")
	}

	return nil
}

// LoadMessages pulls a conversation's message page and replaces the local
// log wholesale.
func (c *Coordinator) LoadMessages(ctx context.Context, conversationID string) error {
	key := "messages:" + conversationID
	seq := c.beginRequest(key)

	msgs, err := c.query.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	if !c.commitRequest(key, seq, func() {
		c.engine.ApplyMessagePage(conversationID, msgs)
	}) {
		c.logger.Debug("discarding stale message page response",
			slog.String("conversation_id", conversationID),
		)
	}

	return nil
}

// OpenConversation makes a conversation active: loads its messages,
// (re)issues the channel subscription, and records the selection.
func (c *Coordinator) OpenConversation(ctx context.Context, conversationID string) error {
	c.openMu.Lock()
	c.openConv = conversationID
	c.openMu.Unlock()

	if c.sessions != nil {
		if err := c.sessions.SetLastOpenConversation(c.selfID, conversationID); err != nil {
			c.logger.Warn("persisting open conversation", slog.String("error", err.Error()))
		}
	}

	if c.session != nil {
		c.session.Join(conversationID)
	}

	return c.LoadMessages(ctx, conversationID)
}

// CloseConversation clears the open-conversation selection.
func (c *Coordinator) CloseConversation() {
	c.openMu.Lock()
	c.openConv = ""
	c.openMu.Unlock()
}

// --- mutations ---

// SendMessage sends a message with optimistic local application. The
// message must carry content or an attachment; empty sends are rejected
// locally with no network call. On success the message page is re-pulled
// so the sender sees its message with server-assigned ordering even if
// the push notification never arrives for this session.
func (c *Coordinator) SendMessage(ctx context.Context, req SendMessageRequest) error {
	if strings.TrimSpace(req.Content) == "" && req.Attachment == nil {
		return fmt.Errorf("%w: message needs content or an attachment", cserrors.ErrValidationRejected)
	}

	token := c.engine.RegisterSend(req.ConversationID, req.Content, req.Attachment)

	if _, err := c.query.SendMessage(ctx, req); err != nil {
		// Roll back the placeholder; the presentation layer keeps the
		// input content so the user can retry.
		c.engine.FailSend(token)

		return fmt.Errorf("sending message: %w", err)
	}

	if err := c.LoadMessages(ctx, req.ConversationID); err != nil {
		c.logger.Warn("post-send refresh failed",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()),
		)
	}

	c.engine.CompleteSend(token)

	return nil
}

// EditMessage replaces a message's content. Converges through either the
// push event or the mutate response, whichever carries the update first;
// both paths produce the same final state.
func (c *Coordinator) EditMessage(ctx context.Context, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: edited content must not be empty", cserrors.ErrValidationRejected)
	}

	updated, err := c.query.EditMessage(ctx, messageID, content)
	if err != nil {
		return fmt.Errorf("editing message: %w", err)
	}

	if updated != nil {
		editedAt := time.Now()
		if updated.EditedAt != nil {
			editedAt = *updated.EditedAt
		}

		c.engine.Apply(ctx, MessageEdited{
			MessageID: updated.ID,
			Content:   updated.Content,
			EditedAt:  editedAt,
		})
	}

	return nil
}

// DeleteMessage tombstones a message. The caller obtains user
// confirmation first; this operation issues the mutate call, then waits a
// bounded time for the push confirmation and falls back to a refresh so
// the view never stays stale.
func (c *Coordinator) DeleteMessage(ctx context.Context, messageID string) error {
	conversationID := c.store.MessageConversation(messageID)

	if err := c.query.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, cserrors.ErrConflictOrGone) {
			// Already gone: the desired end state. Refresh and succeed.
			c.refreshAfterMessageDelete(ctx, conversationID)
			return nil
		}

		return fmt.Errorf("deleting message: %w", err)
	}

	if conversationID == "" || c.session == nil || !c.session.Connected() {
		c.refreshAfterMessageDelete(ctx, conversationID)
		return nil
	}

	confirmed := c.waitForChange(ctx, c.deleteWait, func() bool {
		for _, m := range c.store.Messages(conversationID) {
			if m.ID == messageID {
				return m.IsTombstoned
			}
		}

		// Row gone entirely also counts as confirmed.
		return true
	})

	if !confirmed {
		c.refreshAfterMessageDelete(ctx, conversationID)
	}

	return nil
}

func (c *Coordinator) refreshAfterMessageDelete(ctx context.Context, conversationID string) {
	if conversationID != "" {
		if err := c.LoadMessages(ctx, conversationID); err != nil {
			c.logger.Warn("post-delete message refresh failed", slog.String("error", err.Error()))
		}
	}

	// Sidebar previews must reflect the deletion even when the message
	// body was never loaded.
	c.RefreshConversations(ctx)
}

// DeleteConversation deletes a conversation. Same confirmation contract
// as DeleteMessage: push event or bounded-timeout refresh.
func (c *Coordinator) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := c.query.DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, cserrors.ErrConflictOrGone) {
			c.engine.Apply(ctx, ConversationDeleted{ConversationID: conversationID})
			return nil
		}

		return fmt.Errorf("deleting conversation: %w", err)
	}

	if c.session != nil && c.session.Connected() {
		confirmed := c.waitForChange(ctx, c.deleteWait, func() bool {
			_, ok := c.store.Conversation(conversationID)
			return !ok
		})

		if confirmed {
			return nil
		}
	}

	c.engine.Apply(ctx, ConversationDeleted{ConversationID: conversationID})

	if err := c.LoadConversations(ctx); err != nil {
		c.logger.Warn("post-delete list refresh failed", slog.String("error", err.Error()))
	}

	return nil
}

// CreateConversation creates a conversation and loads it into the store.
func (c *Coordinator) CreateConversation(ctx context.Context, participantIDs []string, name string) (*Conversation, error) {
	req := CreateConversationRequest{ParticipantIDs: participantIDs, Name: name}

	conv, err := c.query.CreateConversation(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	c.engine.ApplyFetchedConversation(*conv)

	return conv, nil
}

// RenameConversation sets an explicit display name, then refetches the
// conversation rather than patching optimistically.
func (c *Coordinator) RenameConversation(ctx context.Context, conversationID, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: conversation name must not be empty", cserrors.ErrValidationRejected)
	}

	if err := c.query.RenameConversation(ctx, conversationID, name); err != nil {
		return fmt.Errorf("renaming conversation: %w", err)
	}

	c.RefreshConversation(ctx, conversationID)

	return nil
}

// AddParticipants adds users to a conversation. Rosters are never patched
// optimistically; the conversation is refetched instead.
func (c *Coordinator) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	if err := c.query.AddParticipants(ctx, conversationID, userIDs); err != nil {
		if errors.Is(err, cserrors.ErrConflictOrGone) {
			c.RefreshConversation(ctx, conversationID)
			return nil
		}

		return fmt.Errorf("adding participants: %w", err)
	}

	c.RefreshConversation(ctx, conversationID)

	return nil
}

// RemoveParticipant removes one user from a conversation's roster.
func (c *Coordinator) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	if err := c.query.RemoveParticipant(ctx, conversationID, userID); err != nil {
		if errors.Is(err, cserrors.ErrConflictOrGone) {
			c.RefreshConversation(ctx, conversationID)
			return nil
		}

		return fmt.Errorf("removing participant: %w", err)
	}

	c.RefreshConversation(ctx, conversationID)

	return nil
}

// ListUsers returns the addressable-user directory for composing a new
// conversation.
func (c *Coordinator) ListUsers(ctx context.Context) ([]User, error) {
	users, err := c.query.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return users, nil
}

// --- refresher (engine-facing pull corrections) ---

// RefreshConversations refetches the conversation list; failures are
// logged, not surfaced, since the next event or user action retries.
func (c *Coordinator) RefreshConversations(ctx context.Context) {
	if err := c.LoadConversations(ctx); err != nil {
		c.logger.Debug("conversation list refresh failed", slog.String("error", err.Error()))
	}
}

// RefreshConversation refetches one conversation's metadata and roster.
// A gone conversation is evicted.
func (c *Coordinator) RefreshConversation(ctx context.Context, conversationID string) {
	conv, err := c.query.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, cserrors.ErrConflictOrGone) {
			c.engine.Apply(ctx, ConversationDeleted{ConversationID: conversationID})
			return
		}

		c.logger.Debug("conversation refresh failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)

		return
	}

	c.engine.ApplyFetchedConversation(*conv)
}

// FetchConversation attempts to load an unknown conversation referenced
// by a push event. False means it is gone and the event should be dropped.
func (c *Coordinator) FetchConversation(ctx context.Context, conversationID string) bool {
	conv, err := c.query.GetConversation(ctx, conversationID)
	if err != nil {
		c.logger.Debug("best-effort conversation fetch failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)

		return false
	}

	c.engine.ApplyFetchedConversation(*conv)

	return true
}

// --- internal ---

// resync runs after every reconnect: the channel has no replay, so missed
// events are recovered by refetching the list and the open conversation.
func (c *Coordinator) resync(ctx context.Context) {
	c.RefreshConversations(ctx)

	if open := c.OpenConversationID(); open != "" {
		if err := c.LoadMessages(ctx, open); err != nil {
			c.logger.Warn("resync message refresh failed",
				slog.String("conversation_id", open),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handleEvicted reacts to a conversation disappearing via push: clears
// the selection if it was open and, for self-removal, surfaces a one-shot
// notice.
func (c *Coordinator) handleEvicted(conversationID string, selfRemoved bool) {
	c.openMu.Lock()
	if c.openConv == conversationID {
		c.openConv = ""
	}
	c.openMu.Unlock()

	if selfRemoved {
		select {
		case c.notices <- Notice{Kind: NoticeRemovedFromConversation, ConversationID: conversationID}:
		default:
			c.logger.Debug("notice channel full, dropping notice",
				slog.String("conversation_id", conversationID),
			)
		}
	}
}

// waitForChange blocks until pred holds, the timeout expires, or ctx is
// cancelled. Rechecks on every store change signal.
func (c *Coordinator) waitForChange(ctx context.Context, timeout time.Duration, pred func() bool) bool {
	if pred() {
		return true
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, _ := c.store.Subscribe(subCtx)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ch:
			if pred() {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
