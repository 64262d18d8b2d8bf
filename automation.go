package crewchat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"
)

// ============================================================================
// Slash commands
// ============================================================================

// Command is a slash command extracted from message text.
type Command struct {
	Name string `json:"name"`
	Args string `json:"args"`
}

// ParseCommand extracts a slash command from message text. Text that is not
// a command, including "/" alone and "/123"-style non-word prefixes, returns
// nil with no error; the message is then treated as plain text.
func ParseCommand(text string) *Command {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return nil
	}

	rest := text[1:]
	name := rest
	args := ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		name = rest[:i]
		args = strings.TrimSpace(rest[i:])
	}

	for _, r := range name {
		if !unicode.IsLetter(r) && r != '-' && r != '_' {
			return nil
		}
	}
	return &Command{Name: strings.ToLower(name), Args: args}
}

// ============================================================================
// Automation webhooks
// ============================================================================

// AutomationPayload is the body Crewchat posts to an automation endpoint
// when a subscribed event fires.
type AutomationPayload struct {
	Source    string  `json:"source"`
	Event     string  `json:"event"`
	Timestamp int64   `json:"timestamp"`
	Message   Message `json:"message"`
	Sender    User    `json:"sender"`
	// Command is set when the triggering message was a slash command
	// routed to this automation.
	Command *Command `json:"command,omitempty"`
}

// AutomationReply is an optional reply an automation handler returns; it is
// posted back into the triggering conversation.
type AutomationReply struct {
	Content string `json:"content"`
}

// AutomationHandlerFunc handles one automation payload.
type AutomationHandlerFunc func(payload *AutomationPayload) (*AutomationReply, error)

// VerifySignature verifies a webhook signature using HMAC-SHA256 with
// constant-time comparison. An optional "sha256=" prefix is accepted.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseAutomationPayload parses a raw webhook body.
func ParseAutomationPayload(body string) (*AutomationPayload, error) {
	var payload AutomationPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "crewchat" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Message.ID == 0 || payload.Sender.ID == 0 {
		return nil, fmt.Errorf("missing required fields in webhook payload (message, sender)")
	}
	return &payload, nil
}

// AutomationWebhook verifies, parses and dispatches automation webhook
// requests.
type AutomationWebhook struct {
	secret  string
	onEvent AutomationHandlerFunc
}

// NewAutomationWebhook creates a webhook handler. The secret is the signing
// key configured on the automation.
func NewAutomationWebhook(secret string, onEvent AutomationHandlerFunc) (*AutomationWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &AutomationWebhook{secret: secret, onEvent: onEvent}, nil
}

// Verify checks an HMAC-SHA256 signature against the configured secret.
func (w *AutomationWebhook) Verify(body, signature string) bool {
	return VerifySignature(body, signature, w.secret)
}

// Handle processes one webhook request (verify + parse + dispatch) and
// returns the status code and response body for the caller to write.
func (w *AutomationWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	payload, err := ParseAutomationPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	reply, err := w.onEvent(payload)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	if reply != nil {
		return http.StatusOK, reply
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := crewchat.NewAutomationWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *AutomationWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Crewchat-Signature"))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *AutomationWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
