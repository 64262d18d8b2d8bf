package crewchat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event names
// ============================================================================

// Events consumed from the server.
const (
	EventMessageNew        = "message:new"
	EventThreadReply       = "thread:reply"
	EventAttachmentAdded   = "message:attachment_added"
	EventReactionAdded     = "message:reaction_added"
	EventReactionRemoved   = "message:reaction_removed"
	EventMessageUpdated    = "message:updated"
	EventMessageDeleted    = "message:deleted"
	EventMessagePinned     = "message:pinned"
	EventMessageUnpinned   = "message:unpinned"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventReceiptUpdate     = "receipt:update"
	EventDirectReadUpdated = "direct:read_updated"
	EventPresenceList      = "presence:list"
	EventPresenceOnline    = "presence:online"
	EventPresenceOffline   = "presence:offline"
)

// Events emitted to the server.
const (
	emitTypingStart = "typing_start"
	emitTypingStop  = "typing_stop"
	emitRoomJoin    = "room:join"
	emitRoomLeave   = "room:leave"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all socket traffic, both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// MessageEventPayload carries a full message for message:new,
// message:updated, message:pinned and message:unpinned.
type MessageEventPayload struct {
	Message Message `json:"message"`
}

// ThreadReplyPayload announces a reply posted into a thread.
type ThreadReplyPayload struct {
	Reply    Message `json:"reply"`
	ParentID int64   `json:"parent_id"`
}

// AttachmentAddedPayload binds an uploaded attachment to its message.
type AttachmentAddedPayload struct {
	ChannelID  *int64     `json:"channel_id,omitempty"`
	DirectID   *int64     `json:"dm_id,omitempty"`
	MessageID  int64      `json:"message_id"`
	Attachment Attachment `json:"attachment"`
}

// ReactionEventPayload is sent for reaction_added / reaction_removed.
type ReactionEventPayload struct {
	ChannelID *int64 `json:"channel_id,omitempty"`
	DirectID  *int64 `json:"dm_id,omitempty"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// MessageDeletedPayload is sent when a message is deleted.
type MessageDeletedPayload struct {
	ChannelID *int64 `json:"channel_id,omitempty"`
	DirectID  *int64 `json:"dm_id,omitempty"`
	MessageID int64  `json:"message_id"`
}

// TypingEventPayload is sent for typing:start / typing:stop, and emitted
// (as typing_start / typing_stop) with exactly one of ChannelID or DirectID.
type TypingEventPayload struct {
	ChannelID *int64 `json:"channel_id,omitempty"`
	DirectID  *int64 `json:"dm_id,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Ref resolves the conversation the typing event belongs to.
func (p *TypingEventPayload) Ref() ConversationRef {
	if p.DirectID != nil {
		return DirectRef(*p.DirectID)
	}
	if p.ChannelID != nil {
		return ChannelRef(*p.ChannelID)
	}
	return ConversationRef{}
}

// ReceiptUpdatePayload is sent when any user's read position advances.
type ReceiptUpdatePayload struct {
	ChannelID     *int64 `json:"channel_id,omitempty"`
	DirectID      *int64 `json:"dm_id,omitempty"`
	UserID        int64  `json:"user_id"`
	LastMessageID int64  `json:"last_message_id"`
}

// Ref resolves the conversation the receipt belongs to.
func (p *ReceiptUpdatePayload) Ref() ConversationRef {
	if p.DirectID != nil {
		return DirectRef(*p.DirectID)
	}
	if p.ChannelID != nil {
		return ChannelRef(*p.ChannelID)
	}
	return ConversationRef{}
}

// PresencePayload is sent for presence:online / presence:offline; the
// presence:list snapshot carries UserIDs instead.
type PresencePayload struct {
	UserID  int64   `json:"user_id,omitempty"`
	UserIDs []int64 `json:"user_ids,omitempty"`
}

type roomPayload struct {
	Room string `json:"room"`
}

// ============================================================================
// Event bus
// ============================================================================

// EventHandler receives the raw payload of one socket event.
type EventHandler func(payload json.RawMessage)

// EventBus is what the synchronization core needs from the realtime layer.
// On returns an unsubscribe function so a conversation can tear down every
// registration it made without pairing each on/off call by hand.
type EventBus interface {
	On(event string, h EventHandler) (unsubscribe func())
	JoinRoom(ctx context.Context, key string) error
	LeaveRoom(ctx context.Context, key string) error
	Emit(ctx context.Context, event string, payload any) error
}

type dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]EventHandler

	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]map[int]EventHandler)}
}

func (d *dispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	set := d.handlers[event]
	if set == nil {
		set = make(map[int]EventHandler)
		d.handlers[event] = set
	}
	set[id] = h
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.handlers[event], id)
		d.mu.Unlock()
	}
}

// dispatch runs handlers synchronously on the read-loop goroutine, so events
// for one connection apply in arrival order. Handlers must not block.
func (d *dispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers[env.Event]))
	for _, h := range d.handlers[env.Event] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(env.Payload)
	}
}

func (d *dispatcher) emitConnected() {
	d.mu.RLock()
	hs := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range hs {
		h()
	}
}

func (d *dispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	hs := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range hs {
		h(reason)
	}
}

func (d *dispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	hs := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range hs {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token string
	// DisableAutoReconnect turns off reconnection after an unexpected
	// close. Reconnects are on by default.
	DisableAutoReconnect bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// RealtimeClient is a websocket event bus with auto-reconnect, heartbeat
// and room-membership tracking. It implements EventBus.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	rooms            map[string]bool

	dispatcher *dispatcher
	recon      *reconnector
}

var _ EventBus = (*RealtimeClient)(nil)

// On registers a handler and returns its unsubscribe function.
func (rt *RealtimeClient) On(event string, h EventHandler) func() {
	return rt.dispatcher.on(event, h)
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Connect establishes the websocket connection.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/socket?token=" + rt.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rooms := make([]string, 0, len(rt.rooms))
	for room := range rt.rooms {
		rooms = append(rooms, room)
	}
	rt.mu.Unlock()

	rt.recon.markConnected()

	// Rooms joined before a reconnect are re-joined on the new connection.
	for _, room := range rooms {
		if err := rt.Emit(ctx, emitRoomJoin, roomPayload{Room: room}); err != nil {
			rt.log.Warn().Str("room", room).Err(err).Msg("realtime: rejoin failed")
		}
	}

	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx)
	go rt.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rt.dispatcher.emitDisconnected("client disconnect")
	return nil
}

// JoinRoom subscribes this connection to a conversation room.
func (rt *RealtimeClient) JoinRoom(ctx context.Context, key string) error {
	rt.mu.Lock()
	rt.rooms[key] = true
	connected := rt.conn != nil
	rt.mu.Unlock()
	if !connected {
		return nil
	}
	return rt.Emit(ctx, emitRoomJoin, roomPayload{Room: key})
}

// LeaveRoom unsubscribes this connection from a conversation room.
func (rt *RealtimeClient) LeaveRoom(ctx context.Context, key string) error {
	rt.mu.Lock()
	delete(rt.rooms, key)
	connected := rt.conn != nil
	rt.mu.Unlock()
	if !connected {
		return nil
	}
	return rt.Emit(ctx, emitRoomLeave, roomPayload{Room: key})
}

// Emit sends one event to the server.
func (rt *RealtimeClient) Emit(ctx context.Context, event string, payload any) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *RealtimeClient) readLoop(ctx context.Context) {
	for {
		rt.mu.Lock()
		conn := rt.conn
		rt.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			if intentional {
				return
			}
			rt.dispatcher.emitDisconnected(err.Error())

			if !rt.config.DisableAutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.dispatcher.dispatch(env)
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			conn := rt.conn
			rt.mu.Unlock()
			if conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				rt.log.Warn().Err(err).Msg("realtime: heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)
	rt.log.Info().Int("attempt", rt.recon.attempt).Dur("delay", delay).
		Msg("realtime: reconnecting")

	time.Sleep(delay)

	// The old connection context is cancelled; reconnect independently.
	if err := rt.Connect(context.Background()); err != nil {
		if !rt.config.DisableAutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect(ctx)
		} else {
			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.mu.Unlock()
		}
	}
}
