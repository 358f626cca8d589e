package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	cserrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// wsReadLimit bounds inbound frames. Push frames are small JSON
	// documents; 1MB leaves generous headroom.
	wsReadLimit = 1 * 1024 * 1024

	joinChanSize    = 8
	inboundChanSize = 64
)

// ConnState is the session connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// wsConn abstracts the WebSocket connection so Session can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// dialFunc dials the push channel. Injected so tests can script connections.
type dialFunc func(ctx context.Context) (wsConn, error)

// Session owns the push channel lifecycle: connect, subscribe to the open
// conversation, disconnect, reconnect-and-resync.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Listen) normalizes inbound frames into
// intents, applies them through the engine, and owns all writes to the
// connection, so no write mutex is needed. The channel offers no replay or
// offset guarantee, so recovery after a drop is a pull-based resync, not
// an event replay.
type Session struct {
	logger *slog.Logger

	host   string
	token  string
	device string

	dial   dialFunc
	engine *Engine

	// connMu guards conn and connCancel: the Listen reconnect path
	// replaces both while Close may read them from another goroutine.
	connMu     sync.Mutex
	conn       wsConn
	connCancel context.CancelFunc

	// openConversation reports which conversation is currently open, so
	// the join intent can be re-issued after a reconnect. The channel
	// does not preserve subscriptions across connections.
	openConversation func() string

	// onResync is invoked from the event loop after a reconnect. The
	// coordinator refetches the conversation list and the open
	// conversation's messages; events lost while disconnected are
	// recovered by that pull, never replayed.
	onResync func(ctx context.Context)

	// joinCh receives subscribe intents from the coordinator. The event
	// loop writes the frames.
	joinCh chan string

	inboundCh chan inboundMsg

	state atomic.Int32

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// SessionConfig holds the parameters needed to run the push channel.
type SessionConfig struct {
	Host             string
	Token            string
	Device           string
	Engine           *Engine
	OpenConversation func() string
	OnResync         func(ctx context.Context)

	// Dial overrides the WebSocket dialer. Nil uses the real network.
	Dial func(ctx context.Context) (wsConn, error)
}

// NewSession creates a session connection manager from the given config.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		logger:           logger.With(slog.String("component", "session")),
		host:             cfg.Host,
		token:            cfg.Token,
		device:           cfg.Device,
		engine:           cfg.Engine,
		openConversation: cfg.OpenConversation,
		onResync:         cfg.OnResync,
		joinCh:           make(chan string, joinChanSize),
	}

	s.dial = cfg.Dial
	if s.dial == nil {
		s.dial = s.dialNetwork
	}

	return s
}

// dialNetwork dials the real push channel endpoint.
func (s *Session) dialNetwork(ctx context.Context) (wsConn, error) {
	url := "wss://" + s.host + "/events"

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"chat-sync/1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dialing websocket: %w", cserrors.ErrChannelUnavailable, err)
	}

	conn.SetReadLimit(wsReadLimit)

	return conn, nil
}

func (s *Session) setConn(conn wsConn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) currentConn() wsConn {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	return s.conn
}

// replaceConnCancel swaps in the cancel func stopping the current
// connection's reader, cancelling the previous one.
func (s *Session) replaceConnCancel(cancel context.CancelFunc) {
	s.connMu.Lock()
	prev := s.connCancel
	s.connCancel = cancel
	s.connMu.Unlock()

	if prev != nil {
		prev()
	}
}

// Connect dials the channel and completes the hello/ready handshake.
func (s *Session) Connect(ctx context.Context) error {
	// Cancel any reader goroutine left over from a prior connection.
	s.replaceConnCancel(nil)

	s.setState(StateConnecting)
	s.logger.Debug("connecting", slog.String("host", s.host))

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	if err := s.handshake(ctx, conn); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	return nil
}

// handshake performs the post-dial hello/ready exchange. Extracted from
// Connect so it can be tested with a mock wsConn.
func (s *Session) handshake(ctx context.Context, conn wsConn) error {
	s.setConn(conn)
	s.touchLastMessage()

	hello := helloFrame{Event: "hello", Token: s.token, Device: s.device}
	if err := s.writeJSON(ctx, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return fmt.Errorf("sending hello: %w", err)
	}

	var ready readyFrame
	if err := s.readJSON(ctx, &ready); err != nil {
		conn.Close(websocket.StatusInternalError, "ready read failed")
		return fmt.Errorf("reading ready frame: %w", err)
	}

	if ready.Res != "ok" {
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		return fmt.Errorf("auth failed: %s", ready.Res)
	}

	s.logger.Info("channel ready", slog.String("user_id", ready.UserID))

	return nil
}

// Join issues the subscribe intent for a conversation. Fire-and-forget:
// no acknowledgment is expected, and the intent is silently dropped when
// the channel is down (the next reconnect re-issues it). Safe to call
// from any goroutine; the event loop performs the actual write.
func (s *Session) Join(conversationID string) {
	if s.State() != StateConnected {
		return
	}

	select {
	case s.joinCh <- conversationID:
	default:
		s.logger.Debug("join queue full, dropping intent",
			slog.String("conversation_id", conversationID),
		)
	}
}

// startReader launches a goroutine that reads from the connection and
// feeds inboundCh. Exits when connCtx is cancelled or a read error occurs;
// the error is delivered as the final message. The goroutine captures ch
// by value so a stale reader can never feed the next connection's channel.
func (s *Session) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch

	conn := s.currentConn()

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen runs the event loop with automatic reconnection. Call after a
// successful Connect. Returns only on permanent errors (auth rejection)
// or context cancellation; transient drops reconnect with capped
// exponential backoff, without limit on attempts.
func (s *Session) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	s.replaceConnCancel(connCancel)
	s.startReader(connCtx)

	s.enterConnected(ctx, false)

	for {
		err := s.eventLoop(ctx, connCtx)
		if err == nil {
			return nil
		}

		s.setState(StateReconnecting)
		connCancel()

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		if isPermanentError(err) {
			s.setState(StateDisconnected)
			return fmt.Errorf("permanent error: %w", err)
		}

		s.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateDisconnected)

			return ctx.Err()
		case <-timer.C:
		}

		if err := s.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected)
				return ctx.Err()
			}

			if isPermanentError(err) {
				s.setState(StateDisconnected)
				return fmt.Errorf("permanent reconnect error: %w", err)
			}

			s.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			backoff = min(backoff*2, reconnectMax)

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		s.replaceConnCancel(connCancel)
		s.startReader(connCtx)

		backoff = reconnectMin

		s.enterConnected(ctx, true)
		s.logger.Info("reconnected")
	}
}

// reconnect dials a fresh connection and re-authenticates.
func (s *Session) reconnect(ctx context.Context) error {
	return s.Connect(ctx)
}

// enterConnected handles the Connected-state entry actions: re-establish
// the open conversation's subscription (never preserved across
// connections) and, after a reconnect, trigger the pull-based resync.
func (s *Session) enterConnected(ctx context.Context, reconnected bool) {
	s.setState(StateConnected)

	if s.openConversation != nil {
		if open := s.openConversation(); open != "" {
			if err := s.writeJSON(ctx, joinFrame{Event: "join", ConversationID: open}); err != nil {
				s.logger.Warn("re-issuing join",
					slog.String("conversation_id", open),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if reconnected && s.onResync != nil {
		s.onResync(ctx)
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, join intents, and the heartbeat ticker. All writes
// happen here. Returns on read error or context cancellation.
func (s *Session) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			s.handleFrame(ctx, msg.data)

		case conversationID := <-s.joinCh:
			if err := s.writeJSON(ctx, joinFrame{Event: "join", ConversationID: conversationID}); err != nil {
				return fmt.Errorf("sending join: %w", err)
			}

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("connection timed out, closing")
				s.currentConn().Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, pingFrame{Event: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleFrame normalizes one inbound text frame and applies the resulting
// intent. Unrecognized frames are logged and dropped; they never crash the
// pipeline.
func (s *Session) handleFrame(ctx context.Context, data []byte) {
	if gjson.GetBytes(data, "event").Str == "pong" {
		return
	}

	intent, err := NormalizeEvent(data)
	if err != nil {
		s.logger.Debug("dropping frame", slog.String("reason", err.Error()))
		return
	}

	s.engine.Apply(ctx, intent)
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Session) setState(state ConnState) {
	s.state.Store(int32(state))
}

// Connected reports whether the push channel is live. While false, the
// coordinator degrades to pull-only operation.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Close cleanly shuts down the connection. Disconnecting cancels the
// reader (and with it any queued re-subscribe), but in-flight REST pulls
// are left to complete; their results are still valid to apply.
func (s *Session) Close() error {
	s.replaceConnCancel(nil)
	s.setState(StateDisconnected)

	if conn := s.currentConn(); conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}

	return nil
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	return strings.Contains(err.Error(), "auth failed")
}

func (s *Session) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame. Only called from the
// event loop or during Connect (before Listen starts).
func (s *Session) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return s.currentConn().Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only called
// during the handshake (before the reader goroutine starts).
func (s *Session) readJSON(ctx context.Context, v interface{}) error {
	_, data, err := s.currentConn().Read(ctx)
	if err != nil {
		return fmt.Errorf("reading frame: %w", err)
	}

	s.touchLastMessage()

	return json.Unmarshal(data, v)
}
