// Package pipeline wires the inspection components into an
// http.RoundTripper. It consults the filter engine before a request
// goes out, measures forwarded requests, and records completed
// exchanges to the cache and webhook destinations as detached
// background work. The response or error handed back to the caller is
// never altered or delayed by inspection.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/traffictap/traffictap/internal/cache"
	"github.com/traffictap/traffictap/internal/filter"
	"github.com/traffictap/traffictap/internal/logger"
	"github.com/traffictap/traffictap/internal/track"
	"github.com/traffictap/traffictap/internal/webhook"
	"github.com/traffictap/traffictap/pkg/curlcmd"
	"github.com/traffictap/traffictap/pkg/trace"
)

// Options configures a Transport. CacheSuccesses and CacheFailures are
// deliberately explicit: there is no implicit default for either path.
type Options struct {
	// Base performs the actual network call. nil means
	// http.DefaultTransport.
	Base http.RoundTripper
	// Filters is the initial rule set.
	Filters filter.Options
	// Store receives completed exchanges. nil degrades to a no-op log.
	Store cache.Store
	// Dispatcher relays events to webhook destinations. Optional.
	Dispatcher *webhook.Dispatcher
	Logger     logger.Logger
	// CacheSuccesses records exchanges that completed with a response
	// (including blocked ones).
	CacheSuccesses bool
	// CacheFailures records exchanges that failed in transport.
	CacheFailures bool
	// MaxBodyBytes caps how much response body is retained for the log
	// and webhook previews (0 = unlimited).
	MaxBodyBytes int64
}

// Transport is the interception pipeline. It implements
// http.RoundTripper and is safe for concurrent use.
type Transport struct {
	base         http.RoundTripper
	tracker      *track.Tracker
	store        cache.Store
	dispatcher   *webhook.Dispatcher
	log          logger.Logger
	cacheSuccess bool
	cacheFailure bool
	maxBody      int64

	mu     sync.RWMutex
	engine *filter.Engine

	cbMu       sync.RWMutex
	entrySubs  []func(trace.Entry)
	filterSubs []func(filter.Options)

	wg sync.WaitGroup
}

// New builds a Transport from options.
func New(opts Options) *Transport {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	store := opts.Store
	if store == nil {
		store = cache.Nop(log)
	}

	return &Transport{
		base:         base,
		tracker:      track.New(),
		store:        store,
		dispatcher:   opts.Dispatcher,
		log:          log,
		cacheSuccess: opts.CacheSuccesses,
		cacheFailure: opts.CacheFailures,
		maxBody:      opts.MaxBodyBytes,
		engine:       filter.NewEngine(opts.Filters, log),
	}
}

// SetFilters swaps the active rule set atomically and notifies
// filters-changed subscribers. Transports never share filter state, so
// independent pipelines cannot observe each other's mutations.
func (t *Transport) SetFilters(opts filter.Options) {
	engine := filter.NewEngine(opts, t.log)
	t.mu.Lock()
	t.engine = engine
	t.mu.Unlock()

	t.cbMu.RLock()
	subs := t.filterSubs
	t.cbMu.RUnlock()
	for _, fn := range subs {
		fn(opts)
	}
}

// OnEntry registers a callback invoked after an entry is appended to
// the cache. Callbacks run on the pipeline's background goroutines and
// must not block for long.
func (t *Transport) OnEntry(fn func(trace.Entry)) {
	t.cbMu.Lock()
	t.entrySubs = append(t.entrySubs, fn)
	t.cbMu.Unlock()
}

// OnFiltersChanged registers a callback invoked after SetFilters.
func (t *Transport) OnFiltersChanged(fn func(filter.Options)) {
	t.cbMu.Lock()
	t.filterSubs = append(t.filterSubs, fn)
	t.cbMu.Unlock()
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	curl := curlcmd.FromRequest(req, peekRequestBody(req))

	t.mu.RLock()
	engine := t.engine
	t.mu.RUnlock()

	if decision := engine.Evaluate(req.URL.Path, req.Method); decision.Block {
		return t.blockRequest(req, curl, decision), nil
	}

	handle := t.tracker.Start()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		duration, _ := t.tracker.Stop(handle)
		t.recordFailure(req, curl, duration, err)
		return nil, err
	}
	duration, _ := t.tracker.Stop(handle)

	body := t.captureResponseBody(resp)
	entry := trace.Entry{
		CurlCommand:     curl,
		ResponseBody:    string(body),
		StatusCode:      resp.StatusCode,
		Timestamp:       time.Now(),
		URL:             req.URL.String(),
		DurationMs:      duration.Milliseconds(),
		ResponseHeaders: resp.Header.Clone(),
		Method:          req.Method,
	}
	t.record(entry, t.cacheSuccess, duration, nil)

	return resp, nil
}

// blockRequest synthesizes a response for a filtered request. The
// network is never touched and no duration is measured.
func (t *Transport) blockRequest(req *http.Request, curl string, decision filter.Decision) *http.Response {
	header := http.Header{}
	for key, value := range decision.Headers {
		if key != "" {
			header.Set(key, value)
		}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", decision.StatusCode, http.StatusText(decision.StatusCode)),
		StatusCode:    decision.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(decision.Body)),
		ContentLength: int64(len(decision.Body)),
		Request:       req,
	}

	t.log.Debug("Request blocked by filter",
		"method", req.Method,
		"path", req.URL.Path,
		"status", decision.StatusCode,
	)

	entry := trace.Entry{
		CurlCommand:     curl,
		ResponseBody:    string(decision.Body),
		StatusCode:      decision.StatusCode,
		Timestamp:       time.Now(),
		URL:             req.URL.String(),
		ResponseHeaders: header.Clone(),
		Method:          req.Method,
	}
	t.record(entry, t.cacheSuccess, 0, nil)

	return resp
}

func (t *Transport) recordFailure(req *http.Request, curl string, duration time.Duration, cause error) {
	entry := trace.Entry{
		CurlCommand:  curl,
		ResponseBody: cause.Error(),
		StatusCode:   trace.StatusFailed,
		Timestamp:    time.Now(),
		URL:          req.URL.String(),
		DurationMs:   duration.Milliseconds(),
		Method:       req.Method,
	}
	t.record(entry, t.cacheFailure, duration, cause)
}

// record runs the caching and webhook side effects as detached
// background work. Their failures are logged and never reach the
// caller's path; Close drains them.
func (t *Transport) record(entry trace.Entry, cacheIt bool, duration time.Duration, cause error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("Panic while recording exchange", "panic", r)
			}
		}()

		var group errgroup.Group

		appended := false
		if cacheIt {
			appended = true
			group.Go(func() error {
				if err := t.store.Append(&entry); err != nil {
					t.log.Warn("Failed to append traffic entry", "error", err, "url", entry.URL)
					appended = false
				}
				return nil
			})
		}

		if t.dispatcher != nil && t.dispatcher.Destinations() > 0 {
			group.Go(func() error {
				ev := trace.Event{
					Method:     entry.Method,
					URL:        entry.URL,
					StatusCode: entry.StatusCode,
					Body:       entry.ResponseBody,
					Duration:   duration,
				}
				if cause != nil {
					ev.Extra = map[string]string{"error": cause.Error()}
				}
				t.dispatcher.Dispatch(context.Background(), ev)
				return nil
			})
		}

		group.Wait()

		if appended {
			t.cbMu.RLock()
			subs := t.entrySubs
			t.cbMu.RUnlock()
			for _, fn := range subs {
				fn(entry)
			}
		}
	}()
}

// captureResponseBody reads up to maxBody bytes of the response for
// the log and splices them back so the caller still sees the full
// stream.
func (t *Transport) captureResponseBody(resp *http.Response) []byte {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}

	var captured []byte
	var err error
	if t.maxBody > 0 {
		captured, err = io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	} else {
		captured, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		t.log.Warn("Failed to capture response body", "error", err)
	}

	rest := resp.Body
	resp.Body = &spliceReadCloser{
		Reader: io.MultiReader(bytes.NewReader(captured), rest),
		closer: rest,
	}
	return captured
}

type spliceReadCloser struct {
	io.Reader
	closer io.Closer
}

func (s *spliceReadCloser) Close() error { return s.closer.Close() }

// peekRequestBody returns a copy of the request body when one can be
// re-read without consuming the original stream.
func peekRequestBody(req *http.Request) []byte {
	if req.GetBody == nil {
		return nil
	}
	rc, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return body
}

// Close waits for all detached recording work to finish. The transport
// must not be used afterwards.
func (t *Transport) Close() {
	t.wg.Wait()
	if transport, ok := t.base.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// Client wraps a Transport in an *http.Client for convenience.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// describeFilters renders a short summary for logs.
func describeFilters(opts filter.Options) string {
	state := "disabled"
	if opts.Enabled {
		state = "enabled"
	}
	return fmt.Sprintf("%s, %d rule(s), %d exclusion(s)",
		state, len(opts.Rules), len(opts.Exclusions))
}

// LogFilters emits the active filter summary at info level.
func (t *Transport) LogFilters() {
	t.mu.RLock()
	opts := t.engine.Options()
	t.mu.RUnlock()
	t.log.Info("Filter configuration", "filters", describeFilters(opts))
}
