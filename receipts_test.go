package crewchat

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeReceiptAPI records mark-read calls and serves canned receipt lists.
type fakeReceiptAPI struct {
	mu      sync.Mutex
	entries []ReceiptEntry
	listErr error
	markErr error
	marks   []ReceiptEntry
}

func (f *fakeReceiptAPI) ListReceipts(ctx context.Context, ref ConversationRef) ([]ReceiptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func (f *fakeReceiptAPI) MarkRead(ctx context.Context, ref ConversationRef, lastMessageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marks = append(f.marks, ReceiptEntry{LastMessageID: lastMessageID})
	return nil
}

func (f *fakeReceiptAPI) markCalls() []ReceiptEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReceiptEntry, len(f.marks))
	copy(out, f.marks)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReceiptStore(t *testing.T) {
	ref := ChannelRef(7)
	key := ref.Key()

	t.Run("read positions only move forward", func(t *testing.T) {
		store := NewReceiptStore(&fakeReceiptAPI{}, ReceiptStoreOptions{SelfID: 100})

		store.UpdateRead(key, 1, 50)
		store.UpdateRead(key, 1, 40)
		if got := store.LastRead(key, 1); got != 50 {
			t.Errorf("stale update applied: LastRead = %d, want 50", got)
		}
		store.UpdateRead(key, 1, 60)
		if got := store.LastRead(key, 1); got != 60 {
			t.Errorf("LastRead = %d, want 60", got)
		}
	})

	t.Run("seen-by excludes self and sorts", func(t *testing.T) {
		store := NewReceiptStore(&fakeReceiptAPI{}, ReceiptStoreOptions{SelfID: 100})
		store.UpdateRead(key, 100, 99)
		store.UpdateRead(key, 3, 20)
		store.UpdateRead(key, 1, 10)
		store.UpdateRead(key, 2, 5)

		if got := store.SeenBy(key, 10); !reflect.DeepEqual(got, []int64{1, 3}) {
			t.Errorf("SeenBy(10) = %v, want [1 3]", got)
		}
		if got := store.SeenBy(key, 21); len(got) != 0 {
			t.Errorf("SeenBy(21) = %v, want empty", got)
		}
	})

	t.Run("fetch initial seeds the store", func(t *testing.T) {
		api := &fakeReceiptAPI{entries: []ReceiptEntry{{UserID: 1, LastMessageID: 10}, {UserID: 2, LastMessageID: 20}}}
		store := NewReceiptStore(api, ReceiptStoreOptions{SelfID: 100})

		if err := store.FetchInitial(context.Background(), ref); err != nil {
			t.Fatalf("FetchInitial: %v", err)
		}
		if got := store.LastRead(key, 2); got != 20 {
			t.Errorf("LastRead = %d, want 20", got)
		}
	})

	t.Run("direct receipts can be disabled", func(t *testing.T) {
		api := &fakeReceiptAPI{listErr: errors.New("should not be called")}
		store := NewReceiptStore(api, ReceiptStoreOptions{SelfID: 100, DisableDirectReceipts: true})

		if err := store.FetchInitial(context.Background(), DirectRef(3)); err != nil {
			t.Fatalf("expected no-op, got %v", err)
		}
	})

	t.Run("mark-read coalesces to the highest id", func(t *testing.T) {
		api := &fakeReceiptAPI{}
		store := NewReceiptStore(api, ReceiptStoreOptions{SelfID: 100, MarkReadDebounce: 30 * time.Millisecond})

		store.MarkRead(ref, 10)
		store.MarkRead(ref, 30)
		store.MarkRead(ref, 20)

		waitFor(t, func() bool { return len(api.markCalls()) > 0 }, "debounced mark-read never fired")
		calls := api.markCalls()
		if len(calls) != 1 {
			t.Fatalf("expected 1 network call, got %d", len(calls))
		}
		if calls[0].LastMessageID != 30 {
			t.Errorf("expected highest id 30, got %d", calls[0].LastMessageID)
		}
		waitFor(t, func() bool { return store.LastRead(key, 100) == 30 },
			"own read position not advanced after post")
	})

	t.Run("clear pending cancels the timer", func(t *testing.T) {
		api := &fakeReceiptAPI{}
		store := NewReceiptStore(api, ReceiptStoreOptions{SelfID: 100, MarkReadDebounce: 20 * time.Millisecond})

		store.MarkRead(ref, 10)
		store.ClearPending(ref)
		time.Sleep(60 * time.Millisecond)

		if got := api.markCalls(); len(got) != 0 {
			t.Errorf("cleared mark-read still fired: %v", got)
		}
	})

	t.Run("failed post drops silently", func(t *testing.T) {
		api := &fakeReceiptAPI{markErr: errors.New("network down")}
		store := NewReceiptStore(api, ReceiptStoreOptions{SelfID: 100, MarkReadDebounce: 10 * time.Millisecond})

		store.MarkRead(ref, 10)
		time.Sleep(50 * time.Millisecond)

		if got := store.LastRead(key, 100); got != 0 {
			t.Errorf("own position advanced despite failed post: %d", got)
		}
	})

	t.Run("change notifications fire and unsubscribe", func(t *testing.T) {
		store := NewReceiptStore(&fakeReceiptAPI{}, ReceiptStoreOptions{SelfID: 100})

		var mu sync.Mutex
		var keys []string
		unsub := store.OnChanged(func(key string) {
			mu.Lock()
			keys = append(keys, key)
			mu.Unlock()
		})

		store.UpdateRead(key, 1, 10)
		unsub()
		store.UpdateRead(key, 1, 20)

		mu.Lock()
		defer mu.Unlock()
		if len(keys) != 1 || keys[0] != key {
			t.Errorf("expected one notification for %q, got %v", key, keys)
		}
	})
}
