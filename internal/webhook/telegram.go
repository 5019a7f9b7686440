package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/traffictap/traffictap/pkg/trace"
)

// telegramMessageLimit is the platform ceiling for one message.
const telegramMessageLimit = 4096

// ChatRef identifies a Telegram chat as either a numeric id or a
// public @handle. The form is resolved once at configuration time, not
// re-parsed per dispatch.
type ChatRef struct {
	id     int64
	handle string
}

// ParseChatRef resolves a chat reference string. Numeric input becomes
// a chat id; anything else is treated as a handle and normalized to
// the @name form.
func ParseChatRef(s string) (ChatRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatRef{}, fmt.Errorf("chat reference cannot be empty")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ChatRef{id: id}, nil
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	if len(s) == 1 {
		return ChatRef{}, fmt.Errorf("chat handle cannot be empty")
	}
	return ChatRef{handle: s}, nil
}

// MarshalJSON emits the id as a JSON number and the handle as a
// string, matching what the Bot API accepts for chat_id.
func (c ChatRef) MarshalJSON() ([]byte, error) {
	if c.handle != "" {
		return json.Marshal(c.handle)
	}
	return json.Marshal(c.id)
}

// UnmarshalJSON is the inverse of MarshalJSON: a JSON string becomes a
// handle, a JSON number becomes a chat id.
func (c *ChatRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.handle)
	}
	return json.Unmarshal(data, &c.id)
}

// String renders the reference for logs.
func (c ChatRef) String() string {
	if c.handle != "" {
		return c.handle
	}
	return strconv.FormatInt(c.id, 10)
}

// Telegram posts HTML-formatted messages through the Bot API.
type Telegram struct {
	name  string
	token string
	chat  ChatRef
	limit int
	gate  Gate

	// baseURL is overridable for tests.
	baseURL string
}

// NewTelegram builds a Telegram destination. limit <= 0 falls back to
// the platform ceiling of 4096.
func NewTelegram(name, token string, chat ChatRef, limit int, gate Gate) *Telegram {
	if name == "" {
		name = "telegram:" + chat.String()
	}
	if limit <= 0 || limit > telegramMessageLimit {
		limit = telegramMessageLimit
	}
	return &Telegram{
		name:    name,
		token:   token,
		chat:    chat,
		limit:   limit,
		gate:    gate,
		baseURL: "https://api.telegram.org",
	}
}

func (t *Telegram) Name() string { return t.name }

func (t *Telegram) Gate() Gate { return t.gate }

// Notify formats a traffic event as HTML-flavored text and sends it.
func (t *Telegram) Notify(ctx context.Context, client *http.Client, ev trace.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> <code>%s</code>\n", escapeHTML(ev.Method), escapeHTML(ev.URL))
	if ev.StatusCode == trace.StatusFailed {
		b.WriteString("Status: <b>failed</b> (no response)\n")
	} else {
		fmt.Fprintf(&b, "Status: <b>%d</b> (%s)\n", ev.StatusCode, ev.Class())
	}
	fmt.Fprintf(&b, "Duration: %dms\n", ev.Duration.Milliseconds())
	if ev.Body != "" {
		fmt.Fprintf(&b, "Body: %s\n", humanize.Bytes(uint64(len(ev.Body))))
		fmt.Fprintf(&b, "\n<pre>%s</pre>", escapeHTML(bodyPreview(ev.Body)))
	}
	for key, value := range ev.Extra {
		fmt.Fprintf(&b, "\n%s: %s", escapeHTML(key), escapeHTML(value))
	}

	return t.send(ctx, client, Truncate(b.String(), t.limit))
}

// SendText escapes and sends a plain message.
func (t *Telegram) SendText(ctx context.Context, client *http.Client, text string) error {
	return t.send(ctx, client, Truncate(escapeHTML(text), t.limit))
}

type telegramPayload struct {
	ChatID    ChatRef `json:"chat_id"`
	Text      string  `json:"text"`
	ParseMode string  `json:"parse_mode"`
}

type telegramEnvelope struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) send(ctx context.Context, client *http.Client, text string) error {
	payload, err := json.Marshal(telegramPayload{
		ChatID:    t.chat,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	var envelope telegramEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram api rejected message: %s", envelope.Description)
	}
	return nil
}
