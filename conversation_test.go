package crewchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeChatAPI implements messageAPI and uploadAPI with pluggable behavior.
type fakeChatAPI struct {
	mu           sync.Mutex
	historyFn    func(ref ConversationRef, opts HistoryOptions) (*HistoryPage, error)
	getFn        func(messageID int64) (*Message, error)
	postFn       func(ref ConversationRef, content string, opts PostOptions) (*Message, error)
	uploadFn     func(ref ConversationRef, data []byte, opts UploadOptions) (*UploadResult, error)
	historyCalls int
	postCalls    int
	uploadCalls  int
}

func (f *fakeChatAPI) History(ctx context.Context, ref ConversationRef, opts HistoryOptions) (*HistoryPage, error) {
	f.mu.Lock()
	f.historyCalls++
	fn := f.historyFn
	f.mu.Unlock()
	if fn == nil {
		return &HistoryPage{}, nil
	}
	return fn(ref, opts)
}

func (f *fakeChatAPI) Get(ctx context.Context, messageID int64) (*Message, error) {
	f.mu.Lock()
	fn := f.getFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no such message")
	}
	return fn(messageID)
}

func (f *fakeChatAPI) Post(ctx context.Context, ref ConversationRef, content string, opts PostOptions) (*Message, error) {
	f.mu.Lock()
	f.postCalls++
	fn := f.postFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("post not configured")
	}
	return fn(ref, content, opts)
}

func (f *fakeChatAPI) Upload(ctx context.Context, ref ConversationRef, data []byte, opts UploadOptions) (*UploadResult, error) {
	f.mu.Lock()
	f.uploadCalls++
	fn := f.uploadFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("upload not configured")
	}
	return fn(ref, data, opts)
}

func (f *fakeChatAPI) calls() (history, post, upload int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls, f.postCalls, f.uploadCalls
}

// staticHistory serves one fixed page for the initial fetch.
func staticHistory(msgs []Message, hasMore bool) func(ConversationRef, HistoryOptions) (*HistoryPage, error) {
	return func(ref ConversationRef, opts HistoryOptions) (*HistoryPage, error) {
		return &HistoryPage{Messages: msgs, HasMore: hasMore}, nil
	}
}

// msgFrom builds a channel-7 message from a given sender. Creation time
// tracks the id so canonical order matches id order.
func msgFrom(id, sender int64, content string) Message {
	m := testMessage(id, content)
	m.SenderID = sender
	m.SenderName = fmt.Sprintf("user%d", sender)
	return m
}

var testSelf = User{ID: 999, Username: "self"}

func openTestView(t *testing.T, api *fakeChatAPI, bus *fakeBus, opts ConversationViewOptions) *ConversationView {
	t.Helper()
	opts.Self = testSelf
	var b EventBus
	if bus != nil {
		b = bus
	}
	view := NewConversationView(api, api, b, nil, nil, opts)
	if err := view.Open(context.Background(), ChannelRef(7)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(view.Close)
	return view
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, msgs []Message, want ...int64) {
	t.Helper()
	got := ids(msgs)
	if len(got) != len(want) {
		t.Fatalf("message ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message ids = %v, want %v", got, want)
		}
	}
}

// stubViewport reports a fixed scroll position.
type stubViewport struct {
	mu     sync.Mutex
	bottom bool
	anchor ScrollAnchor
}

func (v *stubViewport) NearBottom() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bottom
}

func (v *stubViewport) Anchor() ScrollAnchor {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.anchor
}

func (v *stubViewport) setBottom(b bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bottom = b
}

// ============================================================================
// Open
// ============================================================================

func TestConversationViewOpen(t *testing.T) {
	t.Run("seeds history and joins the room", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory([]Message{msgFrom(1, 1, "a"), msgFrom(2, 2, "b")}, true)}
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{})

		assertIDs(t, view.Messages(), 1, 2)
		if !view.HasMore() {
			t.Error("HasMore = false, want true")
		}
		if len(bus.joined) != 1 || bus.joined[0] != "7" {
			t.Errorf("joined rooms = %v, want [7]", bus.joined)
		}
	})

	t.Run("access failure is a distinct state", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: func(ConversationRef, HistoryOptions) (*HistoryPage, error) {
			return nil, &APIError{Code: "FORBIDDEN", Message: "not a member", Status: 403}
		}}
		view := NewConversationView(api, api, nil, nil, nil, ConversationViewOptions{Self: testSelf})
		defer view.Close()

		err := view.Open(context.Background(), ChannelRef(7))
		if !Forbidden(err) {
			t.Fatalf("expected forbidden error, got %v", err)
		}
		if !errors.Is(view.Err(), ErrForbidden) {
			t.Errorf("view.Err() = %v, want ErrForbidden", view.Err())
		}
	})

	t.Run("switching discards the previous conversation", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: func(ref ConversationRef, opts HistoryOptions) (*HistoryPage, error) {
			if ref.IsDirect() {
				return &HistoryPage{Messages: []Message{{ID: 50, DirectID: int64p(3), SenderID: 1, CreatedAt: time.Now()}}}, nil
			}
			return &HistoryPage{Messages: []Message{msgFrom(1, 1, "a")}}, nil
		}}
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{})

		if err := view.Open(context.Background(), DirectRef(3)); err != nil {
			t.Fatalf("second Open: %v", err)
		}
		assertIDs(t, view.Messages(), 50)
		if len(bus.left) != 1 || bus.left[0] != "7" {
			t.Errorf("left rooms = %v, want [7]", bus.left)
		}

		// An event for the old conversation must not land in the new one.
		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(2, 1, "late")})
		assertIDs(t, view.Messages(), 50)
	})
}

// ============================================================================
// Live events
// ============================================================================

func TestConversationViewLiveEvents(t *testing.T) {
	open := func(t *testing.T, seed []Message, opts ConversationViewOptions) (*ConversationView, *fakeChatAPI, *fakeBus) {
		api := &fakeChatAPI{historyFn: staticHistory(seed, false)}
		bus := newFakeBus()
		return openTestView(t, api, bus, opts), api, bus
	}

	t.Run("new messages append in canonical order", func(t *testing.T) {
		view, _, bus := open(t, []Message{msgFrom(1, 1, "a")}, ConversationViewOptions{})

		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(3, 2, "c")})
		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(2, 2, "b")})

		assertIDs(t, view.Messages(), 1, 2, 3)
	})

	t.Run("duplicate ids are dropped", func(t *testing.T) {
		view, _, bus := open(t, []Message{msgFrom(1, 1, "a")}, ConversationViewOptions{})

		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(1, 1, "a")})
		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(2, 2, "b")})
		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(2, 2, "b")})

		assertIDs(t, view.Messages(), 1, 2)
	})

	t.Run("other conversations are filtered", func(t *testing.T) {
		view, _, bus := open(t, nil, ConversationViewOptions{})

		other := msgFrom(5, 1, "elsewhere")
		other.ChannelID = int64p(8)
		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: other})

		dm := msgFrom(6, 1, "private")
		dm.ChannelID = nil
		dm.DirectID = int64p(7)
		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: dm})

		assertIDs(t, view.Messages())
	})

	t.Run("arrival away from the bottom counts as unseen", func(t *testing.T) {
		vp := &stubViewport{bottom: false}
		view, _, bus := open(t, []Message{msgFrom(1, 1, "a")}, ConversationViewOptions{Viewport: vp})

		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(2, 2, "b")})
		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(3, 2, "c")})
		if got := view.Unseen(); got != 2 {
			t.Fatalf("Unseen = %d, want 2", got)
		}

		view.NotifyScrolledToBottom()
		if got := view.Unseen(); got != 0 {
			t.Errorf("Unseen after scroll = %d, want 0", got)
		}
	})

	t.Run("arrival at the bottom auto-scrolls", func(t *testing.T) {
		vp := &stubViewport{bottom: true}
		scrolls := 0
		view, _, bus := open(t, nil, ConversationViewOptions{
			Viewport:         vp,
			OnScrollToBottom: func() { scrolls++ },
		})

		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(1, 1, "a")})
		if scrolls == 0 {
			t.Error("expected a scroll-to-bottom request")
		}
		if got := view.Unseen(); got != 0 {
			t.Errorf("Unseen = %d, want 0", got)
		}
	})

	t.Run("deletion leaves a tombstone", func(t *testing.T) {
		seed := msgFrom(1, 1, "doomed")
		seed.Attachments = []Attachment{{ID: 10, FileName: "f.png"}}
		view, _, bus := open(t, []Message{seed}, ConversationViewOptions{})

		bus.deliver(t, EventMessageDeleted, MessageDeletedPayload{ChannelID: int64p(7), MessageID: 1})

		msgs := view.Messages()
		assertIDs(t, msgs, 1)
		if !msgs[0].Deleted {
			t.Error("Deleted flag not set")
		}
		if msgs[0].Content != nil || len(msgs[0].Attachments) != 0 {
			t.Error("tombstone still carries content or attachments")
		}
	})

	t.Run("edit replaces in place and keeps attachments", func(t *testing.T) {
		seed := msgFrom(1, 1, "tyop")
		seed.Attachments = []Attachment{{ID: 10, FileName: "f.png"}}
		view, _, bus := open(t, []Message{seed}, ConversationViewOptions{})

		edited := msgFrom(1, 1, "typo")
		edited.Edited = true
		bus.deliver(t, EventMessageUpdated, MessageEventPayload{Message: edited})

		msgs := view.Messages()
		if msgs[0].Text() != "typo" || !msgs[0].Edited {
			t.Errorf("edit not applied: %+v", msgs[0])
		}
		if len(msgs[0].Attachments) != 1 {
			t.Error("socket-known attachment lost on edit")
		}

		// Updates to messages outside the window are dropped.
		stranger := msgFrom(99, 1, "unknown")
		bus.deliver(t, EventMessageUpdated, MessageEventPayload{Message: stranger})
		assertIDs(t, view.Messages(), 1)
	})

	t.Run("pin and unpin toggle the flag", func(t *testing.T) {
		view, _, bus := open(t, []Message{msgFrom(1, 1, "a")}, ConversationViewOptions{})

		bus.deliver(t, EventMessagePinned, MessageEventPayload{Message: msgFrom(1, 1, "a")})
		if !view.Messages()[0].Pinned {
			t.Fatal("pin not applied")
		}
		bus.deliver(t, EventMessageUnpinned, MessageEventPayload{Message: msgFrom(1, 1, "a")})
		if view.Messages()[0].Pinned {
			t.Fatal("unpin not applied")
		}
	})
}

// ============================================================================
// Reactions
// ============================================================================

func TestConversationViewReactions(t *testing.T) {
	api := &fakeChatAPI{historyFn: staticHistory([]Message{msgFrom(1, 1, "a")}, false)}
	bus := newFakeBus()
	view := openTestView(t, api, bus, ConversationViewOptions{})

	react := func(added bool, userID int64) {
		event := EventReactionAdded
		if !added {
			event = EventReactionRemoved
		}
		bus.deliver(t, event, ReactionEventPayload{
			ChannelID: int64p(7), MessageID: 1, UserID: userID, Emoji: "👍",
		})
	}

	react(true, 5)
	react(true, 6)
	react(true, 5) // duplicate add is a no-op

	groups := view.Messages()[0].Reactions
	if len(groups) != 1 {
		t.Fatalf("expected 1 reaction group, got %d", len(groups))
	}
	if groups[0].Count != 2 || len(groups[0].UserIDs) != 2 {
		t.Fatalf("group invariant broken: %+v", groups[0])
	}

	react(false, 5)
	groups = view.Messages()[0].Reactions
	if groups[0].Count != 1 || groups[0].UserIDs[0] != 6 {
		t.Fatalf("removal wrong: %+v", groups[0])
	}

	react(false, 6)
	if got := view.Messages()[0].Reactions; len(got) != 0 {
		t.Fatalf("empty group not removed: %+v", got)
	}
}

// ============================================================================
// Thread replies
// ============================================================================

func TestConversationViewThreadReply(t *testing.T) {
	deliverReply := func(t *testing.T, bus *fakeBus, id, parentID int64) {
		t.Helper()
		reply := msgFrom(id, 2, "reply")
		reply.ParentID = int64p(parentID)
		bus.deliver(t, EventThreadReply, ThreadReplyPayload{Reply: reply, ParentID: parentID})
	}

	t.Run("bumps the parent, keeps the reply in its thread", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory([]Message{msgFrom(1, 1, "parent")}, false)}
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{HighlightFor: 30 * time.Millisecond})

		deliverReply(t, bus, 2, 1)

		msgs := view.Messages()
		assertIDs(t, msgs, 1)
		if msgs[0].ReplyCount != 1 {
			t.Errorf("ReplyCount = %d, want 1", msgs[0].ReplyCount)
		}
		if !msgs[0].Highlight {
			t.Error("parent not highlighted")
		}

		waitFor(t, func() bool { return !view.Messages()[0].Highlight },
			"highlight never cleared itself")
	})

	t.Run("a second reply re-arms the highlight", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory([]Message{msgFrom(1, 1, "parent")}, false)}
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{HighlightFor: 60 * time.Millisecond})

		deliverReply(t, bus, 2, 1)
		time.Sleep(40 * time.Millisecond)
		deliverReply(t, bus, 3, 1)
		time.Sleep(40 * time.Millisecond)

		// 80ms after the first reply the first timer has long fired, but the
		// second reply restarted the interval.
		msgs := view.Messages()
		if !msgs[0].Highlight {
			t.Fatal("re-armed highlight cleared early")
		}
		if msgs[0].ReplyCount != 2 {
			t.Errorf("ReplyCount = %d, want 2", msgs[0].ReplyCount)
		}
		waitFor(t, func() bool { return !view.Messages()[0].Highlight },
			"highlight never cleared itself")
	})

	t.Run("moves the parent to the end of the list", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory([]Message{
			msgFrom(1, 1, "parent"), msgFrom(2, 1, "b"), msgFrom(3, 1, "c"),
		}, false)}
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{})

		deliverReply(t, bus, 4, 1)

		assertIDs(t, view.Messages(), 2, 3, 1)
	})

	t.Run("parent outside the window is counted, not shown", func(t *testing.T) {
		api := &fakeChatAPI{}
		api.historyFn = func(ref ConversationRef, opts HistoryOptions) (*HistoryPage, error) {
			if opts.Before == 0 {
				return &HistoryPage{Messages: []Message{msgFrom(10, 1, "recent")}, HasMore: true}, nil
			}
			parent := msgFrom(1, 1, "ancient parent")
			parent.ReplyCount = 3
			return &HistoryPage{Messages: []Message{parent}, HasMore: false}, nil
		}
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{})

		deliverReply(t, bus, 11, 1)
		deliverReply(t, bus, 12, 1)
		assertIDs(t, view.Messages(), 10)

		// Paging the parent in folds the counts it missed on top of the
		// server's snapshot.
		if err := view.LoadOlder(context.Background()); err != nil {
			t.Fatalf("LoadOlder: %v", err)
		}
		msgs := view.Messages()
		assertIDs(t, msgs, 1, 10)
		if msgs[0].ReplyCount != 5 {
			t.Errorf("ReplyCount = %d, want 5", msgs[0].ReplyCount)
		}
	})
}

// ============================================================================
// Pagination
// ============================================================================

func TestConversationViewLoadOlder(t *testing.T) {
	t.Run("prepends without duplicates and restores scroll", func(t *testing.T) {
		api := &fakeChatAPI{}
		api.historyFn = func(ref ConversationRef, opts HistoryOptions) (*HistoryPage, error) {
			if opts.Before == 0 {
				return &HistoryPage{Messages: []Message{msgFrom(4, 1, "d"), msgFrom(5, 1, "e")}, HasMore: true}, nil
			}
			if opts.Before != 4 {
				return nil, fmt.Errorf("unexpected before=%d", opts.Before)
			}
			// Overlap with the loaded window: 4 must not duplicate.
			return &HistoryPage{Messages: []Message{msgFrom(2, 1, "b"), msgFrom(3, 1, "c"), msgFrom(4, 1, "d")}, HasMore: false}, nil
		}
		vp := &stubViewport{anchor: ScrollAnchor{TopMessageID: 4, Offset: 12}}
		var restored []ScrollAnchor
		view := openTestView(t, api, nil, ConversationViewOptions{
			Viewport:        vp,
			OnScrollRestore: func(a ScrollAnchor) { restored = append(restored, a) },
		})

		if err := view.LoadOlder(context.Background()); err != nil {
			t.Fatalf("LoadOlder: %v", err)
		}

		assertIDs(t, view.Messages(), 2, 3, 4, 5)
		if view.HasMore() {
			t.Error("HasMore = true after final page")
		}
		if len(restored) != 1 || restored[0].TopMessageID != 4 {
			t.Errorf("scroll restore = %v, want anchor at message 4", restored)
		}
	})

	t.Run("concurrent calls collapse to one fetch", func(t *testing.T) {
		block := make(chan struct{})
		api := &fakeChatAPI{}
		api.historyFn = func(ref ConversationRef, opts HistoryOptions) (*HistoryPage, error) {
			if opts.Before == 0 {
				return &HistoryPage{Messages: []Message{msgFrom(5, 1, "e")}, HasMore: true}, nil
			}
			<-block
			return &HistoryPage{Messages: []Message{msgFrom(4, 1, "d")}, HasMore: false}, nil
		}
		view := openTestView(t, api, nil, ConversationViewOptions{})

		done := make(chan error, 1)
		go func() { done <- view.LoadOlder(context.Background()) }()

		waitFor(t, func() bool { h, _, _ := api.calls(); return h == 2 }, "first LoadOlder never started")
		if err := view.LoadOlder(context.Background()); err != nil {
			t.Fatalf("second LoadOlder: %v", err)
		}
		if h, _, _ := api.calls(); h != 2 {
			t.Fatalf("second call fetched anyway: %d history calls", h)
		}

		close(block)
		if err := <-done; err != nil {
			t.Fatalf("first LoadOlder: %v", err)
		}
		assertIDs(t, view.Messages(), 4, 5)
	})

	t.Run("failure keeps state and allows retry", func(t *testing.T) {
		fail := true
		api := &fakeChatAPI{}
		api.historyFn = func(ref ConversationRef, opts HistoryOptions) (*HistoryPage, error) {
			if opts.Before == 0 {
				return &HistoryPage{Messages: []Message{msgFrom(5, 1, "e")}, HasMore: true}, nil
			}
			if fail {
				return nil, errors.New("boom")
			}
			return &HistoryPage{Messages: []Message{msgFrom(4, 1, "d")}, HasMore: false}, nil
		}
		restores := 0
		view := openTestView(t, api, nil, ConversationViewOptions{
			OnScrollRestore: func(ScrollAnchor) { restores++ },
		})

		if err := view.LoadOlder(context.Background()); err == nil {
			t.Fatal("expected error from failed fetch")
		}
		if restores != 0 {
			t.Error("scroll restore delivered for a failed prepend")
		}
		assertIDs(t, view.Messages(), 5)

		fail = false
		if err := view.LoadOlder(context.Background()); err != nil {
			t.Fatalf("retry: %v", err)
		}
		assertIDs(t, view.Messages(), 4, 5)
	})

	t.Run("no older history is a no-op", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory([]Message{msgFrom(1, 1, "a")}, false)}
		view := openTestView(t, api, nil, ConversationViewOptions{})

		if err := view.LoadOlder(context.Background()); err != nil {
			t.Fatalf("LoadOlder: %v", err)
		}
		if h, _, _ := api.calls(); h != 1 {
			t.Errorf("fetched despite HasMore=false: %d calls", h)
		}
	})
}

// ============================================================================
// Send
// ============================================================================

func TestConversationViewSend(t *testing.T) {
	newPostAPI := func(seed []Message) *fakeChatAPI {
		api := &fakeChatAPI{historyFn: staticHistory(seed, false)}
		api.postFn = func(ref ConversationRef, content string, opts PostOptions) (*Message, error) {
			m := msgFrom(42, testSelf.ID, content)
			return &m, nil
		}
		return api
	}

	t.Run("socket echo of own post is deduplicated", func(t *testing.T) {
		api := newPostAPI([]Message{msgFrom(1, 1, "a")})
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{})

		if err := view.Send(context.Background(), "hello", nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		assertIDs(t, view.Messages(), 1, 42)

		bus.deliver(t, EventMessageNew, MessageEventPayload{Message: msgFrom(42, testSelf.ID, "hello")})
		assertIDs(t, view.Messages(), 1, 42)
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		api := newPostAPI(nil)
		view := openTestView(t, api, nil, ConversationViewOptions{})

		if err := view.Send(context.Background(), "   \n", nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if _, posts, _ := api.calls(); posts != 0 {
			t.Errorf("posted despite empty input: %d", posts)
		}
	})

	t.Run("files upload sequentially with per-file isolation", func(t *testing.T) {
		api := newPostAPI(nil)
		var uploaded []string
		api.uploadFn = func(ref ConversationRef, data []byte, opts UploadOptions) (*UploadResult, error) {
			uploaded = append(uploaded, opts.FileName)
			if opts.FileName == "bad.bin" {
				return nil, errors.New("too large")
			}
			if opts.MessageID != 42 {
				return nil, fmt.Errorf("upload not bound to message: %d", opts.MessageID)
			}
			return &UploadResult{Attachment: Attachment{ID: int64(len(uploaded)), FileName: opts.FileName}}, nil
		}
		var failed []string
		view := openTestView(t, api, nil, ConversationViewOptions{
			OnFileError: func(name string, err error) { failed = append(failed, name) },
		})

		files := []FileUpload{
			{Name: "one.png", Data: []byte("x")},
			{Name: "bad.bin", Data: []byte("y")},
			{Name: "two.pdf", Data: []byte("z")},
		}
		if err := view.Send(context.Background(), "with files", files); err != nil {
			t.Fatalf("Send: %v", err)
		}

		if len(uploaded) != 3 {
			t.Fatalf("expected all 3 files attempted, got %v", uploaded)
		}
		if len(failed) != 1 || failed[0] != "bad.bin" {
			t.Fatalf("failed files = %v, want [bad.bin]", failed)
		}
		msgs := view.Messages()
		assertIDs(t, msgs, 42)
		if len(msgs[0].Attachments) != 2 {
			t.Errorf("expected 2 attachments on the message, got %d", len(msgs[0].Attachments))
		}
	})

	t.Run("file-only send adopts the created message", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory(nil, false)}
		api.uploadFn = func(ref ConversationRef, data []byte, opts UploadOptions) (*UploadResult, error) {
			if opts.MessageID != 0 {
				return nil, fmt.Errorf("expected unbound upload, got message %d", opts.MessageID)
			}
			return &UploadResult{Attachment: Attachment{ID: 10, FileName: opts.FileName}, MessageID: 77}, nil
		}
		api.getFn = func(messageID int64) (*Message, error) {
			m := msgFrom(messageID, testSelf.ID, "")
			m.Content = nil
			m.Attachments = []Attachment{{ID: 10, FileName: "solo.png"}}
			return &m, nil
		}
		view := openTestView(t, api, nil, ConversationViewOptions{})

		err := view.Send(context.Background(), "", []FileUpload{{Name: "solo.png", Data: []byte("x")}})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		msgs := view.Messages()
		assertIDs(t, msgs, 77)
		if len(msgs[0].Attachments) != 1 {
			t.Errorf("attachment missing from adopted message: %+v", msgs[0])
		}
	})

	t.Run("post failure leaves the list untouched", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory([]Message{msgFrom(1, 1, "a")}, false)}
		api.postFn = func(ConversationRef, string, PostOptions) (*Message, error) {
			return nil, errors.New("rate limited")
		}
		view := openTestView(t, api, nil, ConversationViewOptions{})

		if err := view.Send(context.Background(), "doomed", nil); err == nil {
			t.Fatal("expected post error")
		}
		assertIDs(t, view.Messages(), 1)
	})

	t.Run("files rejected by the upload policy never hit the wire", func(t *testing.T) {
		api := newPostAPI(nil)
		api.uploadFn = func(ref ConversationRef, data []byte, opts UploadOptions) (*UploadResult, error) {
			return &UploadResult{Attachment: Attachment{ID: 1, FileName: opts.FileName}}, nil
		}
		var failed []string
		view := openTestView(t, api, nil, ConversationViewOptions{
			Limits:      &UploadLimits{MaxFileSize: 4, MaxFiles: 2, AllowedTypes: []string{"image/*"}},
			OnFileError: func(name string, err error) { failed = append(failed, name) },
		})

		files := []FileUpload{
			{Name: "ok.png", MimeType: "image/png", Data: []byte("x")},
			{Name: "huge.png", MimeType: "image/png", Data: []byte("xxxxx")},
			{Name: "third.png", MimeType: "image/png", Data: []byte("x")},
		}
		if err := view.Send(context.Background(), "policed", files); err != nil {
			t.Fatalf("Send: %v", err)
		}

		if _, _, uploads := api.calls(); uploads != 1 {
			t.Errorf("uploads attempted = %d, want 1", uploads)
		}
		if len(failed) != 2 || failed[0] != "huge.png" || failed[1] != "third.png" {
			t.Errorf("rejected files = %v, want [huge.png third.png]", failed)
		}
	})

	t.Run("sending stops the typing signal", func(t *testing.T) {
		api := newPostAPI(nil)
		bus := newFakeBus()
		sig := NewTypingSignaler(bus, TypingSignalerOptions{Debounce: time.Hour, Idle: time.Hour})
		view := NewConversationView(api, api, bus, nil, sig, ConversationViewOptions{Self: testSelf})
		if err := view.Open(context.Background(), ChannelRef(7)); err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(view.Close)

		sig.EmitStart(context.Background(), ChannelRef(7))
		if err := view.Send(context.Background(), "done typing", nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if got := bus.emits(emitTypingStop); got != 1 {
			t.Errorf("typing_stop emits = %d, want 1", got)
		}
	})
}

// ============================================================================
// Attachment events
// ============================================================================

func TestConversationViewAttachmentAdded(t *testing.T) {
	t.Run("binds to a loaded message once", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory([]Message{msgFrom(1, 1, "a")}, false)}
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{})

		payload := AttachmentAddedPayload{
			ChannelID: int64p(7), MessageID: 1,
			Attachment: Attachment{ID: 10, FileName: "f.png"},
		}
		bus.deliver(t, EventAttachmentAdded, payload)
		bus.deliver(t, EventAttachmentAdded, payload)

		if got := view.Messages()[0].Attachments; len(got) != 1 {
			t.Fatalf("expected 1 attachment, got %d", len(got))
		}
	})

	t.Run("unknown owner triggers a refetch and merge", func(t *testing.T) {
		api := &fakeChatAPI{}
		var calls int
		api.historyFn = func(ref ConversationRef, opts HistoryOptions) (*HistoryPage, error) {
			calls++
			if calls == 1 {
				return &HistoryPage{Messages: []Message{msgFrom(1, 1, "a")}, HasMore: false}, nil
			}
			owner := msgFrom(2, 2, "")
			owner.Content = nil
			owner.Attachments = []Attachment{{ID: 20, FileName: "f.png"}}
			// Message 1 comes back without the socket-delivered attachment,
			// and message 3 arrived alongside the owner.
			return &HistoryPage{
				Messages: []Message{msgFrom(1, 1, "a"), owner, msgFrom(3, 2, "c")},
				HasMore:  false,
			}, nil
		}
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{})

		bus.deliver(t, EventAttachmentAdded, AttachmentAddedPayload{
			ChannelID: int64p(7), MessageID: 1,
			Attachment: Attachment{ID: 10, FileName: "early.png"},
		})
		bus.deliver(t, EventAttachmentAdded, AttachmentAddedPayload{
			ChannelID: int64p(7), MessageID: 2,
			Attachment: Attachment{ID: 20, FileName: "f.png"},
		})

		waitFor(t, func() bool { return len(view.Messages()) == 3 }, "owner never refetched")
		msgs := view.Messages()
		assertIDs(t, msgs, 1, 2, 3)
		if len(msgs[0].Attachments) != 1 || msgs[0].Attachments[0].ID != 10 {
			t.Errorf("socket attachment lost in merge: %+v", msgs[0].Attachments)
		}
		if len(msgs[1].Attachments) != 1 || msgs[1].Attachments[0].ID != 20 {
			t.Errorf("owner attachment missing: %+v", msgs[1].Attachments)
		}
		if calls != 2 {
			t.Errorf("history calls = %d, want 2", calls)
		}
	})
}

// ============================================================================
// Close
// ============================================================================

func TestConversationViewClose(t *testing.T) {
	t.Run("detaches handlers and leaves the room", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory([]Message{msgFrom(1, 1, "a")}, false)}
		bus := newFakeBus()
		view := openTestView(t, api, bus, ConversationViewOptions{})

		view.Close()

		if got := bus.handlerCount(); got != 0 {
			t.Errorf("%d handlers still registered after Close", got)
		}
		if len(bus.left) != 1 || bus.left[0] != "7" {
			t.Errorf("left rooms = %v, want [7]", bus.left)
		}
		if got := view.Messages(); len(got) != 0 {
			t.Errorf("messages survived Close: %v", ids(got))
		}
	})

	t.Run("safe before open", func(t *testing.T) {
		view := NewConversationView(&fakeChatAPI{}, &fakeChatAPI{}, nil, nil, nil, ConversationViewOptions{Self: testSelf})
		view.Close()
		view.Close()
	})

	t.Run("racing opens settle on one subscription set", func(t *testing.T) {
		api := &fakeChatAPI{historyFn: staticHistory(nil, false)}
		bus := newFakeBus()
		view := NewConversationView(api, api, bus, nil, nil, ConversationViewOptions{Self: testSelf})

		var wg sync.WaitGroup
		for _, ref := range []ConversationRef{ChannelRef(7), ChannelRef(8)} {
			ref := ref
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < 20; n++ {
					_ = view.Open(context.Background(), ref)
				}
			}()
		}
		wg.Wait()

		if got := view.Ref(); got != ChannelRef(7) && got != ChannelRef(8) {
			t.Fatalf("view settled on %v", got)
		}
		if got := bus.handlerCount(); got != 9 {
			t.Errorf("handlers after racing opens = %d, want 9", got)
		}
		view.Close()
		if got := bus.handlerCount(); got != 0 {
			t.Errorf("handlers after Close = %d, want 0", got)
		}
	})
}
