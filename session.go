package crewchat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Realtime overrides the socket configuration. Ignored when the client
	// is in REST-only mode.
	Realtime *RealtimeConfig
	// MarkReadDebounce overrides the read-mark debounce interval.
	MarkReadDebounce time.Duration
	// TypingExpiry overrides how long a remote typing indicator lives
	// without a refresh.
	TypingExpiry time.Duration
	Logger       zerolog.Logger
}

// Session bundles the per-process stores of a signed-in user and keeps them
// fed from the socket. Conversation views created through it share the same
// receipt, typing and presence state.
type Session struct {
	client *Client
	self   User
	log    zerolog.Logger

	Bus      *RealtimeClient
	Receipts *ReceiptStore
	Typing   *TypingStore
	Presence *PresenceStore
	Signaler *TypingSignaler

	unsubs []func()
}

// NewSession resolves the authenticated user, connects the socket unless the
// client is REST-only, and wires receipt, typing and presence events into
// the stores.
func NewSession(ctx context.Context, client *Client, cfg SessionConfig) (*Session, error) {
	me, err := client.Me(ctx)
	if err != nil {
		return nil, err
	}

	s := &Session{
		client: client,
		self:   *me,
		log:    cfg.Logger,
	}

	if client.RealtimeEnabled() {
		rtCfg := RealtimeConfig{}
		if cfg.Realtime != nil {
			rtCfg = *cfg.Realtime
		}
		s.Bus = client.Realtime(rtCfg)
	}

	s.Receipts = NewReceiptStore(client.Receipts, ReceiptStoreOptions{
		SelfID:           me.ID,
		MarkReadDebounce: cfg.MarkReadDebounce,
		Logger:           cfg.Logger,
	})
	s.Typing = NewTypingStore(TypingStoreOptions{Expiry: cfg.TypingExpiry})
	s.Presence = NewPresenceStore()
	s.Signaler = NewTypingSignaler(s.bus(), TypingSignalerOptions{})

	s.wire()

	if s.Bus != nil {
		if err := s.Bus.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Self returns the authenticated user.
func (s *Session) Self() User {
	return s.self
}

// bus returns the event bus as an interface, nil when REST-only. A typed
// nil pointer must not leak into the interface value.
func (s *Session) bus() EventBus {
	if s.Bus == nil {
		return nil
	}
	return s.Bus
}

// OpenConversation creates a view wired to the session stores and opens it.
func (s *Session) OpenConversation(ctx context.Context, ref ConversationRef, opts ConversationViewOptions) (*ConversationView, error) {
	opts.Self = s.self
	opts.Logger = s.log
	view := NewConversationView(s.client.Messages, s.client.Attachments, s.bus(), s.Receipts, s.Signaler, opts)
	if err := view.Open(ctx, ref); err != nil {
		return view, err
	}
	return view, nil
}

// Close stops the typing signal everywhere, detaches the store handlers and
// closes the socket.
func (s *Session) Close() {
	s.Signaler.StopAll(context.Background())
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	if s.Bus != nil {
		_ = s.Bus.Disconnect()
	}
}

// wire subscribes the stores to their socket events. Typing, receipt and
// presence state is process-wide; a conversation does not need to be open
// for its indicators to stay current.
func (s *Session) wire() {
	if s.Bus == nil {
		return
	}
	sub := func(event string, h EventHandler) {
		s.unsubs = append(s.unsubs, s.Bus.On(event, h))
	}

	sub(EventTypingStart, func(payload json.RawMessage) {
		var p TypingEventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		if p.UserID == s.self.ID {
			return
		}
		s.Typing.Start(p.Ref().Key(), p.UserID, p.Username)
	})
	sub(EventTypingStop, func(payload json.RawMessage) {
		var p TypingEventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		s.Typing.Stop(p.Ref().Key(), p.UserID)
	})

	sub(EventReceiptUpdate, func(payload json.RawMessage) {
		var p ReceiptUpdatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		s.Receipts.UpdateRead(p.Ref().Key(), p.UserID, p.LastMessageID)
	})
	sub(EventDirectReadUpdated, func(payload json.RawMessage) {
		var p ReceiptUpdatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		s.Receipts.UpdateRead(p.Ref().Key(), p.UserID, p.LastMessageID)
	})

	sub(EventPresenceList, func(payload json.RawMessage) {
		var p PresencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		s.Presence.ApplyList(p.UserIDs)
	})
	sub(EventPresenceOnline, func(payload json.RawMessage) {
		var p PresencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		s.Presence.SetOnline(p.UserID)
	})
	sub(EventPresenceOffline, func(payload json.RawMessage) {
		var p PresencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		s.Presence.SetOffline(p.UserID)
	})
}
