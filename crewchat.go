// Package crewchat provides a Go client for the Crewchat team-chat API.
//
// It covers the REST surface (channels, direct conversations, messages,
// reactions, read receipts, attachments), the realtime socket event bus, and
// a conversation synchronization core that merges paginated REST history
// with live socket events into a consistent, display-ready message list.
//
// Example:
//
//	client := crewchat.NewClient("cw-token-...")
//	session, _ := crewchat.NewSession(context.Background(), client, crewchat.SessionConfig{})
//	defer session.Close()
//
//	view, err := session.OpenConversation(context.Background(), crewchat.ChannelRef(7), crewchat.ConversationViewOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer view.Close()
//	for _, m := range view.Messages() {
//		fmt.Println(m.SenderName, m.Text())
//	}
package crewchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.crewchat.dev"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token            string
	baseURL          string
	httpClient       *http.Client
	log              zerolog.Logger
	realtimeDisabled bool

	Channels    *ChannelsClient
	Directs     *DirectsClient
	Messages    *MessagesClient
	Reactions   *ReactionsClient
	Receipts    *ReceiptsClient
	Attachments *AttachmentsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithRealtimeDisabled puts the client in REST-only mode: no socket
// connection is ever established and no socket calls of any kind are made.
func WithRealtimeDisabled() ClientOption {
	return func(c *Client) { c.realtimeDisabled = true }
}

// NewClient creates a new Crewchat client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Channels = &ChannelsClient{c: c}
	c.Directs = &DirectsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Reactions = &ReactionsClient{c: c}
	c.Receipts = &ReceiptsClient{c: c}
	c.Attachments = &AttachmentsClient{c: c}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// RealtimeEnabled reports whether socket connections are allowed.
func (c *Client) RealtimeEnabled() bool {
	return !c.realtimeDisabled
}

// Realtime creates a realtime socket client. It returns nil when the client
// is in REST-only mode; every consumer treats a nil bus as "no socket".
func (c *Client) Realtime(cfg RealtimeConfig) *RealtimeClient {
	if c.realtimeDisabled {
		return nil
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    c.baseURL,
		config:     &cfg,
		log:        c.log,
		state:      StateDisconnected,
		rooms:      make(map[string]bool),
		dispatcher: newDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string, header http.Header) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apiErrorFrom(resp.StatusCode, data)
	}
	return data, nil
}

func apiErrorFrom(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Code == "" {
		apiErr.Code = strings.ReplaceAll(strings.ToUpper(http.StatusText(status)), " ", "_")
		apiErr.Message = http.StatusText(status)
	}
	apiErr.Status = status
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// User is the authenticated account.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	data, err := c.doRequest(ctx, "GET", "/api/me", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// conversationBase returns the REST prefix for a conversation.
func conversationBase(ref ConversationRef) string {
	if ref.IsDirect() {
		return "/api/dms/" + strconv.FormatInt(ref.DirectID, 10)
	}
	return "/api/channels/" + strconv.FormatInt(ref.ChannelID, 10)
}

// ============================================================================
// Channels
// ============================================================================

// ChannelsClient handles channel listing.
type ChannelsClient struct{ c *Client }

func (ch *ChannelsClient) List(ctx context.Context) ([]Channel, error) {
	data, err := ch.c.doRequest(ctx, "GET", "/api/channels", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	channels, err := decodeJSON[[]Channel](data)
	if err != nil {
		return nil, err
	}
	return *channels, nil
}

func (ch *ChannelsClient) Get(ctx context.Context, channelID int64) (*Channel, error) {
	data, err := ch.c.doRequest(ctx, "GET", "/api/channels/"+strconv.FormatInt(channelID, 10), nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Channel](data)
}

// ============================================================================
// Directs
// ============================================================================

// DirectConversation is a direct-conversation summary.
type DirectConversation struct {
	ID          int64  `json:"id"`
	PeerID      int64  `json:"peer_id"`
	PeerName    string `json:"peer_name"`
	UnreadCount int    `json:"unread_count,omitempty"`
}

// DirectsClient handles direct conversations.
type DirectsClient struct{ c *Client }

func (d *DirectsClient) List(ctx context.Context) ([]DirectConversation, error) {
	data, err := d.c.doRequest(ctx, "GET", "/api/dms", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	dms, err := decodeJSON[[]DirectConversation](data)
	if err != nil {
		return nil, err
	}
	return *dms, nil
}

// Open returns the direct conversation with a peer, creating it if needed.
func (d *DirectsClient) Open(ctx context.Context, peerID int64) (*DirectConversation, error) {
	data, err := d.c.doRequest(ctx, "POST", "/api/dms",
		map[string]int64{"peer_id": peerID}, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DirectConversation](data)
}

// ============================================================================
// Messages
// ============================================================================

// HistoryOptions controls a history fetch.
type HistoryOptions struct {
	// Before restricts the page to messages with a lower id. Zero fetches
	// the latest page.
	Before int64
	// Limit caps the page size; the server applies its default when zero.
	Limit int
}

// PostOptions carries optional fields of a message post.
type PostOptions struct {
	ParentID int64
}

// MessagesClient handles message history and mutation for both conversation
// kinds.
type MessagesClient struct{ c *Client }

// History fetches one page of message history, oldest-first.
func (m *MessagesClient) History(ctx context.Context, ref ConversationRef, opts HistoryOptions) (*HistoryPage, error) {
	query := map[string]string{}
	if opts.Before > 0 {
		query["before"] = strconv.FormatInt(opts.Before, 10)
	}
	if opts.Limit > 0 {
		query["limit"] = strconv.Itoa(opts.Limit)
	}
	if len(query) == 0 {
		query = nil
	}
	data, err := m.c.doRequest(ctx, "GET", conversationBase(ref)+"/messages", nil, query, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HistoryPage](data)
}

// Get fetches a single message by id.
func (m *MessagesClient) Get(ctx context.Context, messageID int64) (*Message, error) {
	data, err := m.c.doRequest(ctx, "GET", "/api/messages/"+strconv.FormatInt(messageID, 10), nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// Post creates a message. An idempotency key guards against duplicate posts
// on retried requests.
func (m *MessagesClient) Post(ctx context.Context, ref ConversationRef, content string, opts PostOptions) (*Message, error) {
	body := map[string]any{"content": content}
	if opts.ParentID > 0 {
		body["parent_id"] = opts.ParentID
	}
	header := http.Header{"Idempotency-Key": []string{uuid.NewString()}}
	data, err := m.c.doRequest(ctx, "POST", conversationBase(ref)+"/messages", body, nil, header)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// Edit replaces a message's content.
func (m *MessagesClient) Edit(ctx context.Context, messageID int64, content string) (*Message, error) {
	data, err := m.c.doRequest(ctx, "PATCH", "/api/messages/"+strconv.FormatInt(messageID, 10),
		map[string]string{"content": content}, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// Delete removes a message. The server broadcasts message:deleted; clients
// render a tombstone rather than dropping the entry.
func (m *MessagesClient) Delete(ctx context.Context, messageID int64) error {
	_, err := m.c.doRequest(ctx, "DELETE", "/api/messages/"+strconv.FormatInt(messageID, 10), nil, nil, nil)
	return err
}

// Pin pins a message in its conversation.
func (m *MessagesClient) Pin(ctx context.Context, messageID int64) error {
	_, err := m.c.doRequest(ctx, "POST", "/api/messages/"+strconv.FormatInt(messageID, 10)+"/pin", nil, nil, nil)
	return err
}

// Unpin removes a pin.
func (m *MessagesClient) Unpin(ctx context.Context, messageID int64) error {
	_, err := m.c.doRequest(ctx, "DELETE", "/api/messages/"+strconv.FormatInt(messageID, 10)+"/pin", nil, nil, nil)
	return err
}

// ============================================================================
// Reactions
// ============================================================================

// ReactionsClient handles emoji reactions.
type ReactionsClient struct{ c *Client }

func (r *ReactionsClient) Add(ctx context.Context, messageID int64, emoji string) error {
	_, err := r.c.doRequest(ctx, "POST", "/api/messages/"+strconv.FormatInt(messageID, 10)+"/reactions",
		map[string]string{"emoji": emoji}, nil, nil)
	return err
}

func (r *ReactionsClient) Remove(ctx context.Context, messageID int64, emoji string) error {
	_, err := r.c.doRequest(ctx, "DELETE",
		"/api/messages/"+strconv.FormatInt(messageID, 10)+"/reactions/"+url.PathEscape(emoji), nil, nil, nil)
	return err
}

// ============================================================================
// Receipts
// ============================================================================

// ReceiptsClient handles read receipts. It satisfies the surface the
// ReceiptStore needs.
type ReceiptsClient struct{ c *Client }

var _ receiptAPI = (*ReceiptsClient)(nil)

// ListReceipts fetches the read positions of every member of a conversation.
func (r *ReceiptsClient) ListReceipts(ctx context.Context, ref ConversationRef) ([]ReceiptEntry, error) {
	data, err := r.c.doRequest(ctx, "GET", conversationBase(ref)+"/receipts", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	entries, err := decodeJSON[[]ReceiptEntry](data)
	if err != nil {
		return nil, err
	}
	return *entries, nil
}

// MarkRead advances the current user's read position.
func (r *ReceiptsClient) MarkRead(ctx context.Context, ref ConversationRef, lastMessageID int64) error {
	_, err := r.c.doRequest(ctx, "POST", conversationBase(ref)+"/read",
		map[string]int64{"last_message_id": lastMessageID}, nil, nil)
	return err
}

// ============================================================================
// Attachments
// ============================================================================

// UploadOptions configures an attachment upload.
type UploadOptions struct {
	FileName string
	MimeType string
	// MessageID binds the upload to an existing message. Zero creates a
	// file-only message; the server returns its id in UploadResult.
	MessageID int64
	// OnProgress is called with (uploaded, total) bytes during the upload.
	OnProgress func(uploaded, total int64)
}

// AttachmentsClient handles attachment upload and limits.
type AttachmentsClient struct{ c *Client }

// Limits fetches the server's attachment policy.
func (a *AttachmentsClient) Limits(ctx context.Context) (*UploadLimits, error) {
	data, err := a.c.doRequest(ctx, "GET", "/api/attachments/limits", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UploadLimits](data)
}

// Upload sends one file as multipart form data. FileName is required.
func (a *AttachmentsClient) Upload(ctx context.Context, ref ConversationRef, data []byte, opts UploadOptions) (*UploadResult, error) {
	if opts.FileName == "" {
		return nil, fmt.Errorf("file name is required")
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if ref.IsDirect() {
		_ = w.WriteField("dm_id", strconv.FormatInt(ref.DirectID, 10))
	} else {
		_ = w.WriteField("channel_id", strconv.FormatInt(ref.ChannelID, 10))
	}
	if opts.MessageID > 0 {
		_ = w.WriteField("message_id", strconv.FormatInt(opts.MessageID, 10))
	}
	_ = w.WriteField("mime_type", mimeType)

	part, err := w.CreateFormFile("file", opts.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	total := int64(buf.Len())
	var body io.Reader = &buf
	if opts.OnProgress != nil {
		body = &progressReader{r: &buf, total: total, onProgress: opts.OnProgress}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.c.baseURL+"/api/attachments", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if a.c.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.c.token)
	}

	resp, err := a.c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiErrorFrom(resp.StatusCode, respData)
	}
	if opts.OnProgress != nil {
		opts.OnProgress(int64(len(data)), int64(len(data)))
	}
	return decodeJSON[UploadResult](respData)
}

// progressReader reports bytes consumed from the request body.
type progressReader struct {
	r          io.Reader
	read       int64
	total      int64
	onProgress func(uploaded, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.onProgress(p.read, p.total)
	}
	return n, err
}
