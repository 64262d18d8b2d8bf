package crewchat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Typing store (remote typers)
// ============================================================================

// TypingStoreOptions configures a TypingStore.
type TypingStoreOptions struct {
	// Expiry removes a typer even when the stop event was lost.
	// Defaults to 5s.
	Expiry time.Duration
}

type typingEntry struct {
	username  string
	startedAt time.Time
	expiry    *time.Timer
	// gen invalidates an expiry callback that fired while the entry was
	// being re-armed. Stop on a fired timer returns false with the callback
	// already waiting on the mutex.
	gen int
}

// TypingStore is the process-wide set of remote users currently typing, per
// conversation key. Each entry carries an absolute client-side expiry as a
// safety net against dropped typing:stop events.
type TypingStore struct {
	expiry time.Duration

	mu     sync.Mutex
	typers map[string]map[int64]*typingEntry

	subMu     sync.Mutex
	nextSub   int
	onChanged map[int]func(key string)
}

// NewTypingStore creates an empty typing store.
func NewTypingStore(opts TypingStoreOptions) *TypingStore {
	if opts.Expiry == 0 {
		opts.Expiry = 5 * time.Second
	}
	return &TypingStore{
		expiry:    opts.Expiry,
		typers:    make(map[string]map[int64]*typingEntry),
		onChanged: make(map[int]func(string)),
	}
}

// OnChanged subscribes to typing-set changes. Returns an unsubscribe
// function.
func (s *TypingStore) OnChanged(h func(key string)) func() {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.onChanged[id] = h
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.onChanged, id)
		s.subMu.Unlock()
	}
}

func (s *TypingStore) notify(key string) {
	s.subMu.Lock()
	hs := make([]func(string), 0, len(s.onChanged))
	for _, h := range s.onChanged {
		hs = append(hs, h)
	}
	s.subMu.Unlock()
	for _, h := range hs {
		h(key)
	}
}

// Start records a remote user typing and (re)arms their expiry.
func (s *TypingStore) Start(key string, userID int64, username string) {
	s.mu.Lock()
	byUser := s.typers[key]
	if byUser == nil {
		byUser = make(map[int64]*typingEntry)
		s.typers[key] = byUser
	}
	if e, ok := byUser[userID]; ok {
		e.expiry.Stop()
		e.gen++
		gen := e.gen
		e.expiry = time.AfterFunc(s.expiry, func() { s.expire(key, userID, gen) })
		s.mu.Unlock()
		return
	}
	e := &typingEntry{
		username:  username,
		startedAt: time.Now(),
	}
	e.expiry = time.AfterFunc(s.expiry, func() { s.expire(key, userID, 0) })
	byUser[userID] = e
	s.mu.Unlock()

	s.notify(key)
}

// expire is the timer's path into removal. A timer superseded by a re-arm
// no-ops.
func (s *TypingStore) expire(key string, userID int64, gen int) {
	s.mu.Lock()
	e, ok := s.typers[key][userID]
	if ok && e.gen == gen {
		delete(s.typers[key], userID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		s.notify(key)
	}
}

// Stop removes a remote user from the typing set.
func (s *TypingStore) Stop(key string, userID int64) {
	s.mu.Lock()
	e, ok := s.typers[key][userID]
	if ok {
		e.expiry.Stop()
		delete(s.typers[key], userID)
	}
	s.mu.Unlock()

	if ok {
		s.notify(key)
	}
}

// Typers returns the active typers for a conversation, ordered by when they
// started typing.
func (s *TypingStore) Typers(key string) []TypingUser {
	s.mu.Lock()
	users := make([]TypingUser, 0, len(s.typers[key]))
	for userID, e := range s.typers[key] {
		users = append(users, TypingUser{
			UserID:    userID,
			Username:  e.username,
			StartedAt: e.startedAt,
		})
	}
	s.mu.Unlock()

	sortTypers(users)
	return users
}

func sortTypers(users []TypingUser) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].StartedAt.Equal(users[j].StartedAt) {
			return users[i].StartedAt.Before(users[j].StartedAt)
		}
		return users[i].UserID < users[j].UserID
	})
}

// TypingLabel renders the indicator text for a typer set. Empty string for
// no typers.
func TypingLabel(typers []TypingUser) string {
	switch len(typers) {
	case 0:
		return ""
	case 1:
		return typers[0].Username + " is typing..."
	case 2:
		return typers[0].Username + " and " + typers[1].Username + " are typing..."
	default:
		return fmt.Sprintf("%s and %d others are typing...", typers[0].Username, len(typers)-1)
	}
}

// ============================================================================
// Typing signaler (local keystrokes)
// ============================================================================

// TypingSignalerOptions configures a TypingSignaler.
type TypingSignalerOptions struct {
	// Debounce bounds how often typing_start is re-emitted while the user
	// keeps typing. Defaults to 500ms.
	Debounce time.Duration
	// Idle auto-emits typing_stop after the last keystroke. Defaults to 2.5s.
	Idle time.Duration
}

type signalState struct {
	ref       ConversationRef
	lastEmit  time.Time
	idleTimer *time.Timer
	gen       int
}

// TypingSignaler translates local keystrokes into typing_start/typing_stop
// socket signals, at most one start per debounce window, with an idle timer
// that stops automatically when the user pauses. A nil bus (REST-only mode)
// turns every method into a no-op.
type TypingSignaler struct {
	bus      EventBus
	debounce time.Duration
	idle     time.Duration

	mu     sync.Mutex
	active map[string]*signalState
}

// NewTypingSignaler creates a signaler on top of the socket bus.
func NewTypingSignaler(bus EventBus, opts TypingSignalerOptions) *TypingSignaler {
	if opts.Debounce == 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Idle == 0 {
		opts.Idle = 2500 * time.Millisecond
	}
	return &TypingSignaler{
		bus:      bus,
		debounce: opts.Debounce,
		idle:     opts.Idle,
		active:   make(map[string]*signalState),
	}
}

// EmitStart is called on every keystroke. It transmits typing_start only
// when no signal went out for this conversation within the debounce window,
// and always re-arms the idle timer.
func (t *TypingSignaler) EmitStart(ctx context.Context, ref ConversationRef) {
	if t.bus == nil || ref.IsZero() {
		return
	}
	key := ref.Key()

	t.mu.Lock()
	st, ok := t.active[key]
	if !ok {
		st = &signalState{ref: ref}
		t.active[key] = st
	} else {
		st.idleTimer.Stop()
		st.gen++
	}
	gen := st.gen
	st.idleTimer = time.AfterFunc(t.idle, func() { t.idleStop(ref, gen) })

	emit := !ok || time.Since(st.lastEmit) >= t.debounce
	if emit {
		st.lastEmit = time.Now()
	}
	t.mu.Unlock()

	if emit {
		t.bus.Emit(ctx, emitTypingStart, typingSignalPayload(ref))
	}
}

// idleStop is the idle timer's path into a stop. A timer superseded by a
// later keystroke no-ops.
func (t *TypingSignaler) idleStop(ref ConversationRef, gen int) {
	key := ref.Key()

	t.mu.Lock()
	st, ok := t.active[key]
	if !ok || st.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	t.mu.Unlock()

	t.bus.Emit(context.Background(), emitTypingStop, typingSignalPayload(ref))
}

// EmitStop is called on send, on empty input, and on leaving the
// conversation. It clears both timers and transmits typing_stop only when a
// start was previously signaled for this exact conversation.
func (t *TypingSignaler) EmitStop(ctx context.Context, ref ConversationRef) {
	if t.bus == nil || ref.IsZero() {
		return
	}
	key := ref.Key()

	t.mu.Lock()
	st, ok := t.active[key]
	if ok {
		st.idleTimer.Stop()
		delete(t.active, key)
	}
	t.mu.Unlock()

	if ok {
		t.bus.Emit(ctx, emitTypingStop, typingSignalPayload(ref))
	}
}

// StopAll stops signaling for every conversation. Used on shutdown.
func (t *TypingSignaler) StopAll(ctx context.Context) {
	if t.bus == nil {
		return
	}
	t.mu.Lock()
	states := make([]*signalState, 0, len(t.active))
	for _, st := range t.active {
		st.idleTimer.Stop()
		states = append(states, st)
	}
	t.active = make(map[string]*signalState)
	t.mu.Unlock()

	for _, st := range states {
		t.bus.Emit(ctx, emitTypingStop, typingSignalPayload(st.ref))
	}
}

// typingSignalPayload carries exactly one of channel_id or dm_id.
func typingSignalPayload(ref ConversationRef) TypingEventPayload {
	var p TypingEventPayload
	if ref.IsDirect() {
		id := ref.DirectID
		p.DirectID = &id
	} else {
		id := ref.ChannelID
		p.ChannelID = &id
	}
	return p
}
