package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/traffictap/traffictap/pkg/trace"
)

const (
	// discordFieldLimit is the platform ceiling per embed field value.
	discordFieldLimit = 1024
	// discordContentLimit is the ceiling for a plain content message.
	discordContentLimit = 2000
)

// Discord posts embed-style payloads to a webhook URL.
type Discord struct {
	name  string
	url   string
	limit int
	gate  Gate
}

// NewDiscord builds a Discord destination. limit <= 0 falls back to
// the per-field ceiling of 1024.
func NewDiscord(name, url string, limit int, gate Gate) *Discord {
	if name == "" {
		name = "discord"
	}
	if limit <= 0 || limit > discordFieldLimit {
		limit = discordFieldLimit
	}
	return &Discord{name: name, url: url, limit: limit, gate: gate}
}

func (d *Discord) Name() string { return d.name }

func (d *Discord) Gate() Gate { return d.gate }

type discordEmbed struct {
	Title  string         `json:"title"`
	Color  int            `json:"color"`
	Fields []discordField `json:"fields"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

// Notify formats a traffic event as an embed and sends it. Every field
// value is truncated independently to the destination's ceiling.
func (d *Discord) Notify(ctx context.Context, client *http.Client, ev trace.Event) error {
	status := "failed"
	if ev.StatusCode != trace.StatusFailed {
		status = fmt.Sprintf("%d", ev.StatusCode)
	}

	embed := discordEmbed{
		Title: Truncate(fmt.Sprintf("%s %s", ev.Method, status), 256),
		Color: colorForClass(ev.Class()),
		Fields: []discordField{
			{Name: "URL", Value: Truncate(escapeMarkdown(ev.URL), d.limit)},
			{Name: "Status", Value: fmt.Sprintf("%s (%s)", status, ev.Class()), Inline: true},
			{Name: "Duration", Value: fmt.Sprintf("%dms", ev.Duration.Milliseconds()), Inline: true},
		},
	}
	if ev.Body != "" {
		embed.Fields = append(embed.Fields, discordField{
			Name:  "Response",
			Value: Truncate(escapeMarkdown(bodyPreview(ev.Body)), d.limit),
		})
	}
	for key, value := range ev.Extra {
		embed.Fields = append(embed.Fields, discordField{
			Name:  Truncate(key, 256),
			Value: Truncate(escapeMarkdown(value), d.limit),
		})
	}

	return d.send(ctx, client, discordPayload{Embeds: []discordEmbed{embed}})
}

// SendText escapes and sends a plain content message.
func (d *Discord) SendText(ctx context.Context, client *http.Client, text string) error {
	return d.send(ctx, client, discordPayload{
		Content: Truncate(escapeMarkdown(text), discordContentLimit),
	})
}

func (d *Discord) send(ctx context.Context, client *http.Client, payload discordPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func colorForClass(class trace.StatusClass) int {
	switch class {
	case trace.ClassSuccess:
		return 0x2ECC71
	case trace.ClassRedirect:
		return 0x3498DB
	case trace.ClassClientError:
		return 0xE67E22
	case trace.ClassServerError:
		return 0xE74C3C
	case trace.ClassFailure:
		return 0x992D22
	default:
		return 0x95A5A6
	}
}
