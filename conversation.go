package crewchat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// messageAPI is the message surface a ConversationView needs.
type messageAPI interface {
	History(ctx context.Context, ref ConversationRef, opts HistoryOptions) (*HistoryPage, error)
	Get(ctx context.Context, messageID int64) (*Message, error)
	Post(ctx context.Context, ref ConversationRef, content string, opts PostOptions) (*Message, error)
}

// uploadAPI is the attachment surface a ConversationView needs.
type uploadAPI interface {
	Upload(ctx context.Context, ref ConversationRef, data []byte, opts UploadOptions) (*UploadResult, error)
}

var (
	_ messageAPI = (*MessagesClient)(nil)
	_ uploadAPI  = (*AttachmentsClient)(nil)
)

// ScrollAnchor pins the viewport to a message across a history prepend. The
// UI captures it before older messages are inserted and re-applies it after,
// so the reader's position does not jump.
type ScrollAnchor struct {
	// TopMessageID is the id of the first fully visible message.
	TopMessageID int64
	// Offset is the UI-defined distance from that message to the viewport
	// top, in whatever unit the embedder uses.
	Offset float64
}

// Viewport is the scroll state the embedding UI exposes to the view. A nil
// Viewport behaves as if the reader is always at the bottom.
type Viewport interface {
	// NearBottom reports whether the reader is close enough to the newest
	// message that new arrivals should auto-scroll instead of counting as
	// unseen.
	NearBottom() bool
	// Anchor captures the current scroll position for restoration after a
	// prepend.
	Anchor() ScrollAnchor
}

// FileUpload is one staged file passed to Send.
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}

// ConversationViewOptions configures a ConversationView.
type ConversationViewOptions struct {
	Self     User
	Viewport Viewport
	// PageSize caps history fetches; server default when zero.
	PageSize int
	// Limits, when set, rejects staged files client-side before any bytes
	// go over the wire. Fetch it once via AttachmentsClient.Limits.
	Limits *UploadLimits
	// HighlightFor is how long a reply-bumped parent stays highlighted.
	// Defaults to 2 seconds.
	HighlightFor time.Duration
	Logger       zerolog.Logger

	// OnChanged fires after any mutation of the message list or view
	// state. Handlers run on whatever goroutine caused the mutation and
	// must not call back into the view.
	OnChanged func()
	// OnScrollToBottom asks the UI to scroll to the newest message.
	OnScrollToBottom func()
	// OnScrollRestore asks the UI to re-apply a pre-prepend anchor.
	OnScrollRestore func(ScrollAnchor)
	// OnFileError reports a failed upload of one staged file. Remaining
	// files still upload.
	OnFileError func(name string, err error)
	// OnFileProgress reports upload progress for one staged file.
	OnFileProgress func(name string, uploaded, total int64)
}

// ConversationView is the synchronization core for one open conversation.
// It merges paginated REST history with live socket events into a single
// ordered message list, deduplicating by message id.
//
// All methods are safe for concurrent use. Event handlers registered on the
// bus run on the socket read goroutine and take the same lock, so socket
// events apply in arrival order.
type ConversationView struct {
	messages messageAPI
	uploads  uploadAPI
	bus      EventBus
	receipts *ReceiptStore
	signaler *TypingSignaler
	opts     ConversationViewOptions
	log      zerolog.Logger

	mu           sync.Mutex
	ref          ConversationRef
	epoch        int
	cancel       context.CancelFunc
	list         []Message
	seen         map[int64]bool
	hasMore      bool
	loadingOlder bool
	sending      bool
	unseen       int
	loadErr      error
	unsubs       []func()
	highlights   map[int64]*highlightState

	// replyBumps holds reply-count increments for parents outside the
	// loaded window, applied if the parent is later paged in.
	replyBumps map[int64]int
}

// NewConversationView builds a view over the given API surfaces. Bus may be
// nil for REST-only operation; signaler may be nil when typing signals are
// not wanted.
func NewConversationView(messages messageAPI, uploads uploadAPI, bus EventBus, receipts *ReceiptStore, signaler *TypingSignaler, opts ConversationViewOptions) *ConversationView {
	if opts.HighlightFor <= 0 {
		opts.HighlightFor = 2 * time.Second
	}
	return &ConversationView{
		messages:   messages,
		uploads:    uploads,
		bus:        bus,
		receipts:   receipts,
		signaler:   signaler,
		opts:       opts,
		log:        opts.Logger,
		seen:       make(map[int64]bool),
		highlights: make(map[int64]*highlightState),
		replyBumps: make(map[int64]int),
	}
}

// ============================================================================
// Accessors
// ============================================================================

// Ref returns the open conversation, zero when none is open.
func (v *ConversationView) Ref() ConversationRef {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ref
}

// Messages returns a copy of the current message list in display order.
func (v *ConversationView) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Message, len(v.list))
	copy(out, v.list)
	return out
}

// Err returns the load error of the open conversation, if any. Use
// errors.Is(err, ErrForbidden) to distinguish an access failure, which the
// UI renders as its own state rather than a generic error.
func (v *ConversationView) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadErr
}

// HasMore reports whether older history remains to be fetched.
func (v *ConversationView) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// Unseen returns the count of messages that arrived while the reader was
// scrolled away from the bottom.
func (v *ConversationView) Unseen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unseen
}

func (v *ConversationView) nearBottom() bool {
	if v.opts.Viewport == nil {
		return true
	}
	return v.opts.Viewport.NearBottom()
}

func (v *ConversationView) notifyChanged() {
	if v.opts.OnChanged != nil {
		v.opts.OnChanged()
	}
}

// ============================================================================
// Open / Close
// ============================================================================

// Open switches the view to a conversation. Any previous conversation is
// torn down first: in-flight fetches are cancelled, handlers unsubscribed,
// the typing signal stopped and pending read marks dropped. A fetch that
// completes after a switch is discarded.
func (v *ConversationView) Open(ctx context.Context, ref ConversationRef) error {
	v.mu.Lock()
	prev := v.ref
	cleanup := v.teardownLocked()

	v.epoch++
	epoch := v.epoch
	v.ref = ref
	v.list = nil
	v.seen = make(map[int64]bool)
	v.replyBumps = make(map[int64]int)
	v.hasMore = false
	v.unseen = 0
	v.loadErr = nil
	v.loadingOlder = false

	ctx, v.cancel = context.WithCancel(ctx)
	v.mu.Unlock()

	cleanup()
	if v.signaler != nil && !prev.IsZero() {
		v.signaler.EmitStop(ctx, prev)
	}

	page, err := v.messages.History(ctx, ref, HistoryOptions{Limit: v.opts.PageSize})

	v.mu.Lock()
	if v.epoch != epoch {
		v.mu.Unlock()
		return nil
	}
	if err != nil {
		v.loadErr = err
		v.mu.Unlock()
		v.notifyChanged()
		return err
	}
	v.list = append(v.list, page.Messages...)
	sortMessages(v.list)
	for _, m := range page.Messages {
		v.seen[m.ID] = true
	}
	v.hasMore = page.HasMore
	v.mu.Unlock()

	v.subscribe(epoch)
	v.mu.Lock()
	stale := v.epoch != epoch
	v.mu.Unlock()
	if stale {
		return nil
	}
	if v.bus != nil {
		if err := v.bus.JoinRoom(ctx, ref.Key()); err != nil {
			v.log.Warn().Err(err).Str("room", ref.Key()).Msg("room join failed")
		}
	}
	if v.receipts != nil {
		if err := v.receipts.FetchInitial(ctx, ref); err != nil {
			v.log.Warn().Err(err).Str("conversation", ref.Key()).Msg("receipt fetch failed")
		}
	}

	if v.nearBottom() {
		v.markLatestRead()
	}
	v.notifyChanged()
	return nil
}

// Close tears the view down. Safe to call at any time, including before
// Open or after a failed Open.
func (v *ConversationView) Close() {
	v.mu.Lock()
	prev := v.ref
	cleanup := v.teardownLocked()
	v.epoch++
	v.ref = ConversationRef{}
	v.list = nil
	v.seen = make(map[int64]bool)
	v.replyBumps = make(map[int64]int)
	v.unseen = 0
	v.loadErr = nil
	v.mu.Unlock()

	cleanup()
	if v.signaler != nil && !prev.IsZero() {
		v.signaler.EmitStop(context.Background(), prev)
	}
}

// teardownLocked releases everything tied to the open conversation. Caller
// holds v.mu throughout and must run the returned cleanup after unlocking:
// the bus dispatches events under its own lock and handlers take v.mu, so
// unsubscribing and leaving the room cannot happen under the lock.
func (v *ConversationView) teardownLocked() (cleanup func()) {
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	unsubs := v.unsubs
	v.unsubs = nil
	for id, h := range v.highlights {
		h.timer.Stop()
		delete(v.highlights, id)
	}
	prev := v.ref

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
		if prev.IsZero() {
			return
		}
		if v.bus != nil {
			if err := v.bus.LeaveRoom(context.Background(), prev.Key()); err != nil {
				v.log.Debug().Err(err).Str("room", prev.Key()).Msg("room leave failed")
			}
		}
		if v.receipts != nil {
			v.receipts.ClearPending(prev)
		}
	}
}

// ============================================================================
// Pagination
// ============================================================================

// LoadOlder fetches the page preceding the oldest loaded message and
// prepends it. A call while a previous one is in flight, or when no older
// history exists, is a no-op. The pre-fetch scroll anchor is delivered via
// OnScrollRestore only when the prepend succeeds.
func (v *ConversationView) LoadOlder(ctx context.Context) error {
	v.mu.Lock()
	if v.loadingOlder || !v.hasMore || len(v.list) == 0 || v.ref.IsZero() {
		v.mu.Unlock()
		return nil
	}
	v.loadingOlder = true
	epoch := v.epoch
	ref := v.ref
	before := v.list[0].ID
	v.mu.Unlock()

	var anchor ScrollAnchor
	if v.opts.Viewport != nil {
		anchor = v.opts.Viewport.Anchor()
	}

	page, err := v.messages.History(ctx, ref, HistoryOptions{Before: before, Limit: v.opts.PageSize})

	v.mu.Lock()
	if v.epoch != epoch {
		v.mu.Unlock()
		return nil
	}
	v.loadingOlder = false
	if err != nil {
		v.mu.Unlock()
		return err
	}

	added := 0
	for _, m := range page.Messages {
		if v.seen[m.ID] {
			continue
		}
		v.seen[m.ID] = true
		v.applyBumpsLocked(&m)
		v.list = append(v.list, m)
		added++
	}
	sortMessages(v.list)
	v.hasMore = page.HasMore
	v.mu.Unlock()

	if added > 0 && v.opts.OnScrollRestore != nil {
		v.opts.OnScrollRestore(anchor)
	}
	v.notifyChanged()
	return nil
}

// ============================================================================
// Send
// ============================================================================

// Send posts a message with optional staged files. Empty content with no
// files is a no-op, as is a call while a previous Send is in flight.
//
// The posted message is appended from the REST response immediately; the
// socket echo of the same message is deduplicated by id. Files upload
// sequentially after the post. One failed file does not abort the rest; each
// failure is reported through OnFileError.
func (v *ConversationView) Send(ctx context.Context, content string, files []FileUpload) error {
	content = strings.TrimSpace(content)
	if content == "" && len(files) == 0 {
		return nil
	}

	v.mu.Lock()
	if v.sending || v.ref.IsZero() {
		v.mu.Unlock()
		return nil
	}
	v.sending = true
	epoch := v.epoch
	ref := v.ref
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.sending = false
		v.mu.Unlock()
	}()

	if v.signaler != nil {
		v.signaler.EmitStop(ctx, ref)
	}

	var messageID int64
	if content != "" {
		msg, err := v.messages.Post(ctx, ref, content, PostOptions{})
		if err != nil {
			return err
		}
		messageID = msg.ID
		v.adoptOwn(epoch, *msg)
	}

	for i, f := range files {
		if err := v.opts.Limits.Check(f.Name, f.MimeType, int64(len(f.Data)), i); err != nil {
			if v.opts.OnFileError != nil {
				v.opts.OnFileError(f.Name, err)
			}
			continue
		}
		opts := UploadOptions{
			FileName:  f.Name,
			MimeType:  f.MimeType,
			MessageID: messageID,
		}
		if v.opts.OnFileProgress != nil {
			name := f.Name
			opts.OnProgress = func(uploaded, total int64) {
				v.opts.OnFileProgress(name, uploaded, total)
			}
		}
		result, err := v.uploads.Upload(ctx, ref, f.Data, opts)
		if err != nil {
			if v.opts.OnFileError != nil {
				v.opts.OnFileError(f.Name, err)
			}
			v.log.Warn().Err(err).Str("file", f.Name).Msg("attachment upload failed")
			continue
		}

		if messageID == 0 && result.MessageID > 0 {
			// First file of a file-only send created the message.
			messageID = result.MessageID
			msg, err := v.messages.Get(ctx, messageID)
			if err != nil {
				v.log.Warn().Err(err).Int64("message_id", messageID).Msg("fetch of upload message failed")
				continue
			}
			v.adoptOwn(epoch, *msg)
			continue
		}
		v.bindAttachment(epoch, messageID, result.Attachment)
	}
	return nil
}

// adoptOwn inserts a message returned by a REST mutation, unless its socket
// echo already landed.
func (v *ConversationView) adoptOwn(epoch int, msg Message) {
	v.mu.Lock()
	if v.epoch != epoch {
		v.mu.Unlock()
		return
	}
	if !v.seen[msg.ID] {
		v.seen[msg.ID] = true
		v.list = append(v.list, msg)
		sortMessages(v.list)
	}
	v.mu.Unlock()

	if v.opts.OnScrollToBottom != nil {
		v.opts.OnScrollToBottom()
	}
	v.markLatestRead()
	v.notifyChanged()
}

// bindAttachment attaches an upload result to a message already in the list.
func (v *ConversationView) bindAttachment(epoch int, messageID int64, att Attachment) {
	v.mu.Lock()
	changed := false
	if v.epoch == epoch {
		if i := v.indexLocked(messageID); i >= 0 {
			changed = appendAttachment(&v.list[i], att)
		}
	}
	v.mu.Unlock()
	if changed {
		v.notifyChanged()
	}
}

// ============================================================================
// Read-mark triggers
// ============================================================================

// NotifyScrolledToBottom tells the view the reader reached the newest
// message. The unseen counter resets and a debounced read mark is queued.
func (v *ConversationView) NotifyScrolledToBottom() {
	v.mu.Lock()
	v.unseen = 0
	v.mu.Unlock()
	v.markLatestRead()
	v.notifyChanged()
}

// NotifyFocusGained queues a read mark when the window regains focus while
// the reader is at the bottom.
func (v *ConversationView) NotifyFocusGained() {
	if v.nearBottom() {
		v.NotifyScrolledToBottom()
	}
}

// JumpToLatest scrolls to the newest message and marks it read.
func (v *ConversationView) JumpToLatest() {
	if v.opts.OnScrollToBottom != nil {
		v.opts.OnScrollToBottom()
	}
	v.NotifyScrolledToBottom()
}

func (v *ConversationView) markLatestRead() {
	if v.receipts == nil {
		return
	}
	v.mu.Lock()
	ref := v.ref
	var latest int64
	if n := len(v.list); n > 0 {
		latest = v.list[n-1].ID
	}
	v.mu.Unlock()
	if ref.IsZero() || latest == 0 {
		return
	}
	v.receipts.MarkRead(ref, latest)
}

// ============================================================================
// Socket reconciliation
// ============================================================================

// subscribe registers the message event handlers for the current epoch.
func (v *ConversationView) subscribe(epoch int) {
	if v.bus == nil {
		return
	}
	unsubs := []func(){
		v.bus.On(EventMessageNew, func(p json.RawMessage) { v.onMessageNew(epoch, p) }),
		v.bus.On(EventThreadReply, func(p json.RawMessage) { v.onThreadReply(epoch, p) }),
		v.bus.On(EventAttachmentAdded, func(p json.RawMessage) { v.onAttachmentAdded(epoch, p) }),
		v.bus.On(EventReactionAdded, func(p json.RawMessage) { v.onReaction(epoch, p, true) }),
		v.bus.On(EventReactionRemoved, func(p json.RawMessage) { v.onReaction(epoch, p, false) }),
		v.bus.On(EventMessageUpdated, func(p json.RawMessage) { v.onMessageUpdated(epoch, p) }),
		v.bus.On(EventMessageDeleted, func(p json.RawMessage) { v.onMessageDeleted(epoch, p) }),
		v.bus.On(EventMessagePinned, func(p json.RawMessage) { v.onPinChanged(epoch, p, true) }),
		v.bus.On(EventMessageUnpinned, func(p json.RawMessage) { v.onPinChanged(epoch, p, false) }),
	}
	v.mu.Lock()
	if v.epoch == epoch {
		v.unsubs = append(v.unsubs, unsubs...)
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// applyBumpsLocked folds reply counts that arrived while the message was
// outside the loaded window. Caller holds v.mu.
func (v *ConversationView) applyBumpsLocked(m *Message) {
	if n := v.replyBumps[m.ID]; n > 0 {
		m.ReplyCount += n
		delete(v.replyBumps, m.ID)
	}
}

// indexLocked returns the position of a message id, or -1. Caller holds
// v.mu.
func (v *ConversationView) indexLocked(messageID int64) int {
	for i := range v.list {
		if v.list[i].ID == messageID {
			return i
		}
	}
	return -1
}

func (v *ConversationView) onMessageNew(epoch int, payload json.RawMessage) {
	var p MessageEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		v.log.Debug().Err(err).Msg("bad message:new payload")
		return
	}
	// Thread replies arrive as thread:reply and live in their thread, not
	// in the flat list.
	if p.Message.IsReply() {
		return
	}
	v.appendLive(epoch, p.Message)
}

// onThreadReply bumps the reply's parent: count up, moved to the end of the
// list, highlighted until the highlight clears itself. The reply itself is
// rendered in its thread, not here.
func (v *ConversationView) onThreadReply(epoch int, payload json.RawMessage) {
	var p ThreadReplyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		v.log.Debug().Err(err).Msg("bad thread:reply payload")
		return
	}

	v.mu.Lock()
	if v.epoch != epoch || p.Reply.Ref() != v.ref {
		v.mu.Unlock()
		return
	}
	i := v.indexLocked(p.ParentID)
	if i < 0 {
		// Parent is outside the loaded window. Remember the count so a
		// later backfill that pages it in starts correct.
		v.replyBumps[p.ParentID]++
		v.mu.Unlock()
		return
	}
	parent := v.list[i]
	parent.ReplyCount++
	parent.Highlight = true
	v.list = append(append(v.list[:i], v.list[i+1:]...), parent)
	v.armHighlightLocked(epoch, p.ParentID)
	v.mu.Unlock()
	v.notifyChanged()
}

// highlightState tracks the self-clear timer of one bumped parent. gen
// invalidates a clear that fired while the highlight was being re-armed.
type highlightState struct {
	timer *time.Timer
	gen   int
}

// armHighlightLocked schedules the highlight of a bumped parent to clear
// itself. A new bump restarts the interval. Caller holds v.mu.
func (v *ConversationView) armHighlightLocked(epoch int, messageID int64) {
	h := v.highlights[messageID]
	if h == nil {
		h = &highlightState{}
		v.highlights[messageID] = h
	} else {
		h.timer.Stop()
		h.gen++
	}
	gen := h.gen
	h.timer = time.AfterFunc(v.opts.HighlightFor, func() {
		v.mu.Lock()
		cur := v.highlights[messageID]
		if v.epoch != epoch || cur == nil || cur.gen != gen {
			v.mu.Unlock()
			return
		}
		delete(v.highlights, messageID)
		changed := false
		if i := v.indexLocked(messageID); i >= 0 && v.list[i].Highlight {
			v.list[i].Highlight = false
			changed = true
		}
		v.mu.Unlock()
		if changed {
			v.notifyChanged()
		}
	})
}

// appendLive inserts a socket-delivered message, deduplicating by id against
// everything already loaded or posted.
func (v *ConversationView) appendLive(epoch int, msg Message) {
	v.mu.Lock()
	if v.epoch != epoch || msg.Ref() != v.ref {
		v.mu.Unlock()
		return
	}
	if v.seen[msg.ID] {
		// Echo of a message adopted from a REST response. The socket
		// copy may carry fields the response lacked.
		if i := v.indexLocked(msg.ID); i >= 0 {
			msg.Attachments = mergeAttachments(v.list[i].Attachments, msg.Attachments)
			msg.Highlight = v.list[i].Highlight
			v.list[i] = msg
		}
		v.mu.Unlock()
		v.notifyChanged()
		return
	}
	v.seen[msg.ID] = true
	v.applyBumpsLocked(&msg)
	v.list = append(v.list, msg)
	sortMessages(v.list)

	atBottom := v.nearBottom()
	own := msg.SenderID == v.opts.Self.ID
	if !atBottom && !own {
		v.unseen++
	}
	v.mu.Unlock()

	if atBottom || own {
		if v.opts.OnScrollToBottom != nil {
			v.opts.OnScrollToBottom()
		}
		v.markLatestRead()
	}
	v.notifyChanged()
}

func (v *ConversationView) onAttachmentAdded(epoch int, payload json.RawMessage) {
	var p AttachmentAddedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		v.log.Debug().Err(err).Msg("bad attachment_added payload")
		return
	}

	v.mu.Lock()
	if v.epoch != epoch || payloadRef(p.ChannelID, p.DirectID) != v.ref {
		v.mu.Unlock()
		return
	}
	i := v.indexLocked(p.MessageID)
	if i >= 0 {
		changed := appendAttachment(&v.list[i], p.Attachment)
		v.mu.Unlock()
		if changed {
			v.notifyChanged()
		}
		return
	}
	ref := v.ref
	v.mu.Unlock()

	// A file-only message can announce its attachment before message:new
	// arrives. Refetch the latest page and fold it in, off the read loop; the
	// refetch also recovers any sibling messages missed alongside the owner.
	go v.refreshLatest(epoch, ref)
}

// refreshLatest refetches the newest history page and folds it into the
// loaded window. Within the refetched range the server copy is authoritative,
// with attachments unioned so socket-delivered ones survive; pages older than
// the refetched range stay as loaded.
func (v *ConversationView) refreshLatest(epoch int, ref ConversationRef) {
	page, err := v.messages.History(context.Background(), ref, HistoryOptions{Limit: v.opts.PageSize})
	if err != nil {
		v.log.Debug().Err(err).Str("conversation", ref.Key()).Msg("history refetch failed")
		return
	}
	if len(page.Messages) == 0 {
		return
	}
	incoming := make([]Message, len(page.Messages))
	copy(incoming, page.Messages)
	sortMessages(incoming)
	oldest := incoming[0].ID

	v.mu.Lock()
	if v.epoch != epoch || ref != v.ref {
		v.mu.Unlock()
		return
	}
	var older, window []Message
	highlighted := make(map[int64]bool)
	for _, m := range v.list {
		if m.ID < oldest {
			older = append(older, m)
			continue
		}
		if m.Highlight {
			highlighted[m.ID] = true
		}
		window = append(window, m)
	}
	merged := MergeMessages(window, incoming)
	atBottom := v.nearBottom()
	for i := range merged {
		m := &merged[i]
		m.Highlight = m.Highlight || highlighted[m.ID]
		if v.seen[m.ID] {
			continue
		}
		v.seen[m.ID] = true
		v.applyBumpsLocked(m)
		if !atBottom && m.SenderID != v.opts.Self.ID {
			v.unseen++
		}
	}
	v.list = append(older, merged...)
	sortMessages(v.list)
	if len(older) == 0 {
		v.hasMore = page.HasMore
	}
	v.mu.Unlock()
	v.notifyChanged()
}

func (v *ConversationView) onReaction(epoch int, payload json.RawMessage, added bool) {
	var p ReactionEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		v.log.Debug().Err(err).Msg("bad reaction payload")
		return
	}

	v.mu.Lock()
	if v.epoch != epoch || payloadRef(p.ChannelID, p.DirectID) != v.ref {
		v.mu.Unlock()
		return
	}
	i := v.indexLocked(p.MessageID)
	if i < 0 {
		v.mu.Unlock()
		return
	}
	msg := &v.list[i]
	if added {
		addReaction(msg, p.Emoji, p.UserID)
	} else {
		removeReaction(msg, p.Emoji, p.UserID)
	}
	v.mu.Unlock()
	v.notifyChanged()
}

// addReaction records one user's reaction, keeping the group invariant that
// Count tracks UserIDs and a user appears once.
func addReaction(m *Message, emoji string, userID int64) {
	for i := range m.Reactions {
		g := &m.Reactions[i]
		if g.Emoji != emoji {
			continue
		}
		for _, id := range g.UserIDs {
			if id == userID {
				return
			}
		}
		g.UserIDs = append(g.UserIDs, userID)
		g.Count = len(g.UserIDs)
		return
	}
	m.Reactions = append(m.Reactions, ReactionGroup{
		Emoji:   emoji,
		Count:   1,
		UserIDs: []int64{userID},
	})
}

// removeReaction drops one user's reaction, removing the group when it
// empties.
func removeReaction(m *Message, emoji string, userID int64) {
	for i := range m.Reactions {
		g := &m.Reactions[i]
		if g.Emoji != emoji {
			continue
		}
		for j, id := range g.UserIDs {
			if id == userID {
				g.UserIDs = append(g.UserIDs[:j], g.UserIDs[j+1:]...)
				g.Count = len(g.UserIDs)
				break
			}
		}
		if g.Count == 0 {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
		}
		return
	}
}

func (v *ConversationView) onMessageUpdated(epoch int, payload json.RawMessage) {
	var p MessageEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		v.log.Debug().Err(err).Msg("bad message:updated payload")
		return
	}

	v.mu.Lock()
	if v.epoch != epoch || p.Message.Ref() != v.ref {
		v.mu.Unlock()
		return
	}
	// Updates to messages outside the loaded window are dropped.
	i := v.indexLocked(p.Message.ID)
	if i < 0 {
		v.mu.Unlock()
		return
	}
	msg := p.Message
	msg.Attachments = mergeAttachments(v.list[i].Attachments, msg.Attachments)
	msg.Highlight = v.list[i].Highlight
	v.list[i] = msg
	v.mu.Unlock()
	v.notifyChanged()
}

func (v *ConversationView) onMessageDeleted(epoch int, payload json.RawMessage) {
	var p MessageDeletedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		v.log.Debug().Err(err).Msg("bad message:deleted payload")
		return
	}

	v.mu.Lock()
	if v.epoch != epoch || payloadRef(p.ChannelID, p.DirectID) != v.ref {
		v.mu.Unlock()
		return
	}
	i := v.indexLocked(p.MessageID)
	if i < 0 {
		v.mu.Unlock()
		return
	}
	// Tombstone: the entry stays in place so the list does not reflow,
	// with content and attachments gone.
	v.list[i].Deleted = true
	v.list[i].Content = nil
	v.list[i].Attachments = nil
	v.list[i].Reactions = nil
	v.mu.Unlock()
	v.notifyChanged()
}

func (v *ConversationView) onPinChanged(epoch int, payload json.RawMessage, pinned bool) {
	var p MessageEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		v.log.Debug().Err(err).Msg("bad pin payload")
		return
	}

	v.mu.Lock()
	if v.epoch != epoch || p.Message.Ref() != v.ref {
		v.mu.Unlock()
		return
	}
	i := v.indexLocked(p.Message.ID)
	if i < 0 {
		v.mu.Unlock()
		return
	}
	v.list[i].Pinned = pinned
	v.mu.Unlock()
	v.notifyChanged()
}

func payloadRef(channelID, directID *int64) ConversationRef {
	if directID != nil {
		return DirectRef(*directID)
	}
	if channelID != nil {
		return ChannelRef(*channelID)
	}
	return ConversationRef{}
}

// sortMessages orders a list by creation time, id breaking ties. Socket
// arrival order and page boundaries both reduce to this one ordering.
func sortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// Forbidden reports whether the last load failed with an access error.
func Forbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}
