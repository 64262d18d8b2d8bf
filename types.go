package crewchat

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrForbidden is returned when the server denies access to a conversation.
// Callers can match it with errors.Is to show a distinct permission state
// instead of a generic failure.
var ErrForbidden = errors.New("forbidden")

// Unwrap lets errors.Is(err, ErrForbidden) match forbidden API errors.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusForbidden {
		return ErrForbidden
	}
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationRef identifies a conversation: exactly one of ChannelID or
// DirectID is non-zero.
type ConversationRef struct {
	ChannelID int64
	DirectID  int64
}

// ChannelRef returns a reference to a channel conversation.
func ChannelRef(channelID int64) ConversationRef {
	return ConversationRef{ChannelID: channelID}
}

// DirectRef returns a reference to a direct (one-to-one) conversation.
func DirectRef(directID int64) ConversationRef {
	return ConversationRef{DirectID: directID}
}

// IsDirect reports whether the reference points at a direct conversation.
func (r ConversationRef) IsDirect() bool {
	return r.DirectID != 0
}

// IsZero reports whether the reference is empty.
func (r ConversationRef) IsZero() bool {
	return r.ChannelID == 0 && r.DirectID == 0
}

// Key returns the conversation key used for stores and socket rooms:
// the numeric channel id, or "dm:<id>" for direct conversations.
func (r ConversationRef) Key() string {
	if r.IsDirect() {
		return "dm:" + strconv.FormatInt(r.DirectID, 10)
	}
	return strconv.FormatInt(r.ChannelID, 10)
}

func (r ConversationRef) String() string {
	if r.IsDirect() {
		return fmt.Sprintf("dm %d", r.DirectID)
	}
	return fmt.Sprintf("channel %d", r.ChannelID)
}

// ============================================================================
// Messages
// ============================================================================

// Message is a server-assigned chat message. IDs are unique and
// monotonically increasing within a conversation, so they double as the
// "before" pagination cursor.
type Message struct {
	ID          int64           `json:"id"`
	ChannelID   *int64          `json:"channel_id,omitempty"`
	DirectID    *int64          `json:"dm_id,omitempty"`
	ParentID    *int64          `json:"parent_id,omitempty"`
	SenderID    int64           `json:"sender_id"`
	SenderName  string          `json:"sender_name"`
	Content     *string         `json:"content"`
	CreatedAt   time.Time       `json:"created_at"`
	Edited      bool            `json:"edited"`
	EditedAt    *time.Time      `json:"edited_at,omitempty"`
	Deleted     bool            `json:"deleted"`
	Pinned      bool            `json:"pinned"`
	ReplyCount  int             `json:"reply_count"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Reactions   []ReactionGroup `json:"reactions,omitempty"`

	// Highlight is client-local: set when the message was bumped by a
	// thread reply, cleared automatically after a short interval.
	Highlight bool `json:"-"`
}

// Ref returns the conversation the message belongs to.
func (m *Message) Ref() ConversationRef {
	if m.DirectID != nil {
		return DirectRef(*m.DirectID)
	}
	if m.ChannelID != nil {
		return ChannelRef(*m.ChannelID)
	}
	return ConversationRef{}
}

// IsReply reports whether the message is a thread reply.
func (m *Message) IsReply() bool {
	return m.ParentID != nil
}

// Text returns the message content, or "" for attachment-only messages.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Attachment is a file attached to a message. MessageID is nil while a
// file-only upload has not yet been bound to its message.
type Attachment struct {
	ID        int64  `json:"id"`
	MessageID *int64 `json:"message_id,omitempty"`
	FileName  string `json:"file_name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	URL       string `json:"url"`
}

// ReactionGroup aggregates one emoji on one message.
// Invariant: Count == len(UserIDs), and a user appears at most once.
type ReactionGroup struct {
	Emoji   string  `json:"emoji"`
	Count   int     `json:"count"`
	UserIDs []int64 `json:"user_ids"`
}

// HistoryPage is one page of message history, oldest-first.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// ============================================================================
// Receipts / Typing / Upload wire shapes
// ============================================================================

// ReceiptEntry records the highest message id a user has read in a
// conversation.
type ReceiptEntry struct {
	UserID        int64 `json:"user_id"`
	LastMessageID int64 `json:"last_message_id"`
}

// TypingUser is one user currently typing in a conversation.
type TypingUser struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	StartedAt time.Time `json:"started_at"`
}

// UploadLimits is the server-advertised attachment policy.
type UploadLimits struct {
	MaxFileSize  int64    `json:"max_file_size"`
	MaxFiles     int      `json:"max_files"`
	AllowedTypes []string `json:"allowed_types,omitempty"`
}

// Check validates one staged file against the policy. index is the file's
// position within the send. A nil receiver allows everything, for callers
// that never fetched the policy.
func (l *UploadLimits) Check(name, mimeType string, size int64, index int) error {
	if l == nil {
		return nil
	}
	if l.MaxFiles > 0 && index >= l.MaxFiles {
		return fmt.Errorf("%s: at most %d files per message", name, l.MaxFiles)
	}
	if l.MaxFileSize > 0 && size > l.MaxFileSize {
		return fmt.Errorf("%s: %d bytes exceeds the %d byte limit", name, size, l.MaxFileSize)
	}
	if len(l.AllowedTypes) > 0 && mimeType != "" {
		for _, allowed := range l.AllowedTypes {
			if mimeType == allowed {
				return nil
			}
			if prefix, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(mimeType, prefix+"/") {
				return nil
			}
		}
		return fmt.Errorf("%s: type %s is not allowed", name, mimeType)
	}
	return nil
}

// UploadResult is the response to an attachment upload. MessageID is set
// when the upload created (or was bound to) a message.
type UploadResult struct {
	Attachment Attachment `json:"attachment"`
	MessageID  int64      `json:"message_id,omitempty"`
}

// Channel is a channel summary as returned by the channel listing.
type Channel struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Topic       string `json:"topic,omitempty"`
	Private     bool   `json:"private"`
	UnreadCount int    `json:"unread_count,omitempty"`
}
