package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/traffictap/traffictap/internal/logger"
	"github.com/traffictap/traffictap/pkg/trace"
)

func sampleEvent() trace.Event {
	return trace.Event{
		Method:     "GET",
		URL:        "https://api.example.com/users",
		StatusCode: 500,
		Body:       `{"error":"boom"}`,
		Duration:   120 * time.Millisecond,
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 4096); got != "short" {
		t.Fatalf("short input must pass through, got %q", got)
	}
	if got := Truncate("anything", 0); got != "anything" {
		t.Fatalf("limit 0 means unlimited, got %q", got)
	}

	long := strings.Repeat("a", 5000)
	got := Truncate(long, 4096)
	if n := len([]rune(got)); n != 4096 {
		t.Fatalf("truncated result must be exactly 4096 runes, got %d", n)
	}
	if !strings.HasSuffix(got, truncationIndicator) {
		t.Fatalf("truncated result must end with the indicator: ...%q", got[len(got)-20:])
	}

	// Multi-byte runes count as one.
	wide := strings.Repeat("日", 100)
	got = Truncate(wide, 50)
	if n := len([]rune(got)); n != 50 {
		t.Fatalf("expected 50 runes, got %d", n)
	}

	// A limit at or below the indicator length still fits the limit.
	got = Truncate(long, 5)
	if n := len([]rune(got)); n != 5 {
		t.Fatalf("tiny limit: expected 5 runes, got %d", n)
	}
}

func TestEscaping(t *testing.T) {
	if got := escapeHTML(`<b>&"</b>`); got != `&lt;b&gt;&amp;"&lt;/b&gt;` {
		t.Fatalf("unexpected HTML escape: %q", got)
	}
	if got := escapeMarkdown("a*b_c`d"); got != "a\\*b\\_c\\`d" {
		t.Fatalf("unexpected markdown escape: %q", got)
	}
}

func TestBodyPreview(t *testing.T) {
	if got := bodyPreview(`{"plain":"json"}`); got != `{"plain":"json"}` {
		t.Fatalf("non-HTML bodies must pass through, got %q", got)
	}
	doc := "<!DOCTYPE html><html><head><style>p{color:red}</style></head><body><p>Hello</p><script>evil()</script></body></html>"
	got := bodyPreview(doc)
	if got != "Hello" {
		t.Fatalf("expected text extraction, got %q", got)
	}
}

func TestGateMatches(t *testing.T) {
	cases := []struct {
		name  string
		gate  Gate
		class trace.StatusClass
		url   string
		want  bool
	}{
		{"empty gate matches all", Gate{}, trace.ClassSuccess, "https://x", true},
		{"class match", Gate{Classes: []trace.StatusClass{trace.ClassServerError}}, trace.ClassServerError, "https://x", true},
		{"class miss", Gate{Classes: []trace.StatusClass{trace.ClassServerError}}, trace.ClassSuccess, "https://x", false},
		{"include hit", Gate{IncludeURLs: []string{"/api/"}}, trace.ClassSuccess, "https://x/api/v1", true},
		{"include miss", Gate{IncludeURLs: []string{"/api/"}}, trace.ClassSuccess, "https://x/web", false},
		{"exclude wins over include", Gate{IncludeURLs: []string{"/api/"}, ExcludeURLs: []string{"/health"}}, trace.ClassSuccess, "https://x/api/health", false},
		{"both axes must pass", Gate{Classes: []trace.StatusClass{trace.ClassFailure}, IncludeURLs: []string{"/api/"}}, trace.ClassFailure, "https://x/web", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.gate.Matches(tc.class, tc.url); got != tc.want {
				t.Fatalf("expected %v", tc.want)
			}
		})
	}
}

func TestChatRef(t *testing.T) {
	ref, err := ParseChatRef("-1001234")
	if err != nil {
		t.Fatalf("numeric chat failed: %v", err)
	}
	if raw, _ := json.Marshal(ref); string(raw) != "-1001234" {
		t.Fatalf("numeric chat must marshal as a JSON number, got %s", raw)
	}

	ref, err = ParseChatRef("mychannel")
	if err != nil {
		t.Fatalf("handle chat failed: %v", err)
	}
	if ref.String() != "@mychannel" {
		t.Fatalf("handle must be normalized to @ form, got %q", ref.String())
	}
	if raw, _ := json.Marshal(ref); string(raw) != `"@mychannel"` {
		t.Fatalf("handle must marshal as a JSON string, got %s", raw)
	}

	if _, err := ParseChatRef("  "); err == nil {
		t.Fatal("blank chat reference must be rejected")
	}
	if _, err := ParseChatRef("@"); err == nil {
		t.Fatal("bare @ must be rejected")
	}
}

func TestTelegram_Notify(t *testing.T) {
	var got telegramPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottoken123/sendMessage") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	chat, _ := ParseChatRef("42")
	dest := NewTelegram("", "token123", chat, 0, Gate{})
	dest.baseURL = srv.URL

	ev := sampleEvent()
	ev.Extra = map[string]string{"error": "connection reset"}
	if err := dest.Notify(context.Background(), srv.Client(), ev); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	if got.ParseMode != "HTML" {
		t.Fatalf("expected HTML parse mode, got %q", got.ParseMode)
	}
	if !strings.Contains(got.Text, "<b>GET</b>") || !strings.Contains(got.Text, "Status: <b>500</b> (server_error)") {
		t.Fatalf("unexpected message text:\n%s", got.Text)
	}
	if !strings.Contains(got.Text, "connection reset") {
		t.Fatalf("extra fields missing from text:\n%s", got.Text)
	}
	if dest.Name() != "telegram:42" {
		t.Fatalf("unexpected default name: %s", dest.Name())
	}
}

func TestTelegram_TruncatesToLimit(t *testing.T) {
	var got telegramPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	chat, _ := ParseChatRef("42")
	dest := NewTelegram("tg", "token", chat, 0, Gate{})
	dest.baseURL = srv.URL

	if err := dest.SendText(context.Background(), srv.Client(), strings.Repeat("x", 5000)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if n := len([]rune(got.Text)); n != telegramMessageLimit {
		t.Fatalf("expected exactly %d runes, got %d", telegramMessageLimit, n)
	}
	if !strings.HasSuffix(got.Text, truncationIndicator) {
		t.Fatal("truncated message must end with the indicator")
	}
}

func TestTelegram_RejectedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	chat, _ := ParseChatRef("42")
	dest := NewTelegram("tg", "token", chat, 0, Gate{})
	dest.baseURL = srv.URL

	err := dest.SendText(context.Background(), srv.Client(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected rejection error with description, got %v", err)
	}
}

func TestDiscord_Notify(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dest := NewDiscord("dc", srv.URL, 0, Gate{})
	ev := sampleEvent()
	ev.Body = strings.Repeat("b", 2000)
	if err := dest.Notify(context.Background(), srv.Client(), ev); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	if len(got.Embeds) != 1 {
		t.Fatalf("expected one embed, got %d", len(got.Embeds))
	}
	embed := got.Embeds[0]
	if embed.Title != "GET 500" {
		t.Fatalf("unexpected title: %q", embed.Title)
	}
	if embed.Color != 0xE74C3C {
		t.Fatalf("expected server-error color, got %#x", embed.Color)
	}
	for _, f := range embed.Fields {
		if n := len([]rune(f.Value)); n > discordFieldLimit {
			t.Fatalf("field %q exceeds ceiling: %d runes", f.Name, n)
		}
		if f.Name == "Response" && !strings.HasSuffix(f.Value, truncationIndicator) {
			t.Fatal("oversized response field must carry the indicator")
		}
	}
}

func TestDiscord_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	dest := NewDiscord("dc", srv.URL, 0, Gate{})
	err := dest.SendText(context.Background(), srv.Client(), "hello")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestDispatcher_GatesAndFanOut(t *testing.T) {
	var healthy, failing atomic.Int32
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthy.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failing.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	dispatcher := New(logger.Nop(), time.Second,
		NewDiscord("ok", okSrv.URL, 0, Gate{}),
		NewDiscord("bad", badSrv.URL, 0, Gate{}),
		NewDiscord("gated", okSrv.URL, 0, Gate{Classes: []trace.StatusClass{trace.ClassSuccess}}),
	)

	results := dispatcher.Dispatch(context.Background(), sampleEvent())
	if len(results) != 2 {
		t.Fatalf("expected 2 gated-in destinations, got %d", len(results))
	}

	outcomes := make(map[string]bool, len(results))
	for _, r := range results {
		outcomes[r.Destination] = r.OK()
	}
	if !outcomes["ok"] {
		t.Fatal("healthy destination must succeed despite the failing one")
	}
	if outcomes["bad"] {
		t.Fatal("failing destination must report its error")
	}
	if healthy.Load() != 1 || failing.Load() != 1 {
		t.Fatalf("expected one delivery each, got %d/%d", healthy.Load(), failing.Load())
	}
}

func TestDispatcher_SendMessageIsUngated(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dispatcher := New(logger.Nop(), time.Second,
		NewDiscord("a", srv.URL, 0, Gate{Classes: []trace.StatusClass{trace.ClassFailure}}),
		NewDiscord("b", srv.URL, 0, Gate{}),
	)

	results := dispatcher.SendMessage(context.Background(), "maintenance at noon")
	if len(results) != 2 {
		t.Fatalf("plain messages ignore gates, expected 2 results, got %d", len(results))
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", hits.Load())
	}
}

func TestDispatcher_ReportBug(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dispatcher := New(logger.Nop(), time.Second, NewDiscord("dc", srv.URL, 0, Gate{}))
	results := dispatcher.ReportBug(context.Background(), "viewer crash", "stack trace here")
	if len(results) != 1 || !results[0].OK() {
		t.Fatalf("unexpected results: %+v", results)
	}
	if !strings.HasPrefix(got.Content, "Bug report: viewer crash") || !strings.Contains(got.Content, "stack trace here") {
		t.Fatalf("unexpected bug report content: %q", got.Content)
	}
}

func TestDispatcher_NoMatchingDestinations(t *testing.T) {
	dispatcher := New(logger.Nop(), time.Second,
		NewDiscord("gated", "http://unused.invalid", 0, Gate{Classes: []trace.StatusClass{trace.ClassSuccess}}),
	)
	if results := dispatcher.Dispatch(context.Background(), sampleEvent()); results != nil {
		t.Fatalf("expected no send attempts, got %+v", results)
	}
}
