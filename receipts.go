package crewchat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// receiptAPI is the slice of the REST surface the store needs.
type receiptAPI interface {
	ListReceipts(ctx context.Context, ref ConversationRef) ([]ReceiptEntry, error)
	MarkRead(ctx context.Context, ref ConversationRef, lastMessageID int64) error
}

// ReceiptStoreOptions configures a ReceiptStore.
type ReceiptStoreOptions struct {
	// SelfID is the current user; SeenBy excludes it and successful mark-read
	// calls advance its local entry.
	SelfID int64

	// MarkReadDebounce coalesces mark-read calls per conversation.
	// Defaults to 500ms.
	MarkReadDebounce time.Duration

	// DisableDirectReceipts short-circuits FetchInitial for direct
	// conversations on deployments that do not track receipts for them.
	DisableDirectReceipts bool

	Logger zerolog.Logger
}

type pendingMark struct {
	ref   ConversationRef
	id    int64
	timer *time.Timer
}

// ReceiptStore is the process-wide read-receipt state, keyed by conversation
// and user id. Updates are monotonic: a lower incoming
// value for the same pair is ignored. All mutation goes through FetchInitial,
// UpdateRead and MarkRead; views only read.
type ReceiptStore struct {
	api      receiptAPI
	selfID   int64
	debounce time.Duration
	noDirect bool
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]map[int64]int64
	pending map[string]*pendingMark

	subMu     sync.Mutex
	nextSub   int
	onChanged map[int]func(key string)
	onRefresh map[int]func()
}

// NewReceiptStore creates a receipt store backed by the given API surface.
func NewReceiptStore(api receiptAPI, opts ReceiptStoreOptions) *ReceiptStore {
	if opts.MarkReadDebounce == 0 {
		opts.MarkReadDebounce = 500 * time.Millisecond
	}
	return &ReceiptStore{
		api:       api,
		selfID:    opts.SelfID,
		debounce:  opts.MarkReadDebounce,
		noDirect:  opts.DisableDirectReceipts,
		log:       opts.Logger,
		entries:   make(map[string]map[int64]int64),
		pending:   make(map[string]*pendingMark),
		onChanged: make(map[int]func(string)),
		onRefresh: make(map[int]func()),
	}
}

// OnChanged subscribes to per-conversation receipt changes. Returns an
// unsubscribe function.
func (s *ReceiptStore) OnChanged(h func(key string)) func() {
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

// OnConversationsRefresh subscribes to the refresh signal broadcast after a
// successful mark-read, so conversation lists elsewhere can update their
// unread badges. Returns an unsubscribe function.
func (s *ReceiptStore) OnConversationsRefresh(h func()) func() {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.onRefresh[id] = h
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.onRefresh, id)
		s.subMu.Unlock()
	}
}

func (s *ReceiptStore) notifyChanged(key string) {
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

func (s *ReceiptStore) notifyRefresh() {
	s.subMu.Lock()
	hs := make([]func(), 0, len(s.onRefresh))
	for _, h := range s.onRefresh {
		hs = append(hs, h)
	}
	s.subMu.Unlock()
	for _, h := range hs {
		h()
	}
}

// FetchInitial seeds the store for a just-opened conversation. Direct
// conversations are a no-op when the deployment does not track their
// receipts.
func (s *ReceiptStore) FetchInitial(ctx context.Context, ref ConversationRef) error {
	if ref.IsZero() {
		return nil
	}
	if ref.IsDirect() && s.noDirect {
		return nil
	}

	entries, err := s.api.ListReceipts(ctx, ref)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.UpdateRead(ref.Key(), e.UserID, e.LastMessageID)
	}
	return nil
}

// UpdateRead records a read position. Ignored when messageID is not higher
// than the stored value for that (conversation, user) pair.
func (s *ReceiptStore) UpdateRead(key string, userID, messageID int64) {
	s.mu.Lock()
	byUser := s.entries[key]
	if byUser == nil {
		byUser = make(map[int64]int64)
		s.entries[key] = byUser
	}
	if messageID <= byUser[userID] {
		s.mu.Unlock()
		return
	}
	byUser[userID] = messageID
	s.mu.Unlock()

	s.notifyChanged(key)
}

// LastRead returns the recorded read position for a user, 0 if none.
func (s *ReceiptStore) LastRead(key string, userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key][userID]
}

// SeenBy returns the users (excluding the current one) whose read position
// is at or past messageID, in ascending user-id order.
func (s *ReceiptStore) SeenBy(key string, messageID int64) []int64 {
	s.mu.Lock()
	var users []int64
	for userID, last := range s.entries[key] {
		if userID != s.selfID && last >= messageID {
			users = append(users, userID)
		}
	}
	s.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// MarkRead schedules a debounced mark-read for the conversation. Calls made
// before the delay elapses coalesce into one network call carrying the
// highest id seen; a call with an id at or below the pending one is dropped
// without resetting the timer.
func (s *ReceiptStore) MarkRead(ref ConversationRef, lastMessageID int64) {
	key := ref.Key()

	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		if lastMessageID > p.id {
			p.id = lastMessageID
		}
		s.mu.Unlock()
		return
	}
	p := &pendingMark{ref: ref, id: lastMessageID}
	p.timer = time.AfterFunc(s.debounce, func() { s.firePending(key) })
	s.pending[key] = p
	s.mu.Unlock()
}

// ClearPending cancels any pending mark-read for the conversation. Called
// when a conversation view closes so no timer fires into a closed view.
func (s *ReceiptStore) ClearPending(ref ConversationRef) {
	s.mu.Lock()
	p, ok := s.pending[ref.Key()]
	if ok {
		delete(s.pending, ref.Key())
	}
	s.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

func (s *ReceiptStore) firePending(key string) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.api.MarkRead(ctx, p.ref, p.id); err != nil {
		// Read state is best-effort: log and drop, no retry storm.
		s.log.Warn().Str("conversation", key).Int64("last_message_id", p.id).
			Err(err).Msg("mark-read failed")
		return
	}

	s.UpdateRead(key, s.selfID, p.id)
	s.notifyRefresh()
}
