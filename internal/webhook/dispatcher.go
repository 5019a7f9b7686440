// Package webhook relays inspection events to chat-style destinations.
// Delivery is best effort: no retry, no queueing, and one destination's
// failure never blocks another.
package webhook

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/traffictap/traffictap/internal/logger"
	"github.com/traffictap/traffictap/pkg/trace"
)

// Gate decides whether a destination receives a given event. Both axes
// must pass; an empty axis matches everything.
type Gate struct {
	Classes     []trace.StatusClass
	IncludeURLs []string
	ExcludeURLs []string
}

// Matches applies the status-class and URL-substring predicates.
func (g Gate) Matches(class trace.StatusClass, url string) bool {
	if len(g.Classes) > 0 {
		found := false
		for _, c := range g.Classes {
			if c == class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(g.IncludeURLs) > 0 {
		found := false
		for _, sub := range g.IncludeURLs {
			if strings.Contains(url, sub) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, sub := range g.ExcludeURLs {
		if strings.Contains(url, sub) {
			return false
		}
	}

	return true
}

// Destination is one configured webhook target.
type Destination interface {
	Name() string
	Gate() Gate
	// Notify renders a traffic event in the destination's dialect and
	// posts it.
	Notify(ctx context.Context, client *http.Client, ev trace.Event) error
	// SendText posts a plain message, escaped and truncated the same
	// way as traffic events.
	SendText(ctx context.Context, client *http.Client, text string) error
}

// Result is the outcome of one send attempt to one destination.
type Result struct {
	Destination string
	Err         error
}

// OK reports whether the attempt succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Dispatcher fans events out to its destinations.
type Dispatcher struct {
	client *http.Client
	log    logger.Logger
	dests  []Destination
}

// New creates a dispatcher. timeout bounds each individual send.
func New(log logger.Logger, timeout time.Duration, dests ...Destination) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		log:    log,
		dests:  dests,
	}
}

// Destinations reports how many targets are configured.
func (d *Dispatcher) Destinations() int {
	return len(d.dests)
}

// Dispatch sends a traffic event to every destination whose gate
// matches it and returns the per-destination outcomes. Callers must
// not assume any ordering between the sends.
func (d *Dispatcher) Dispatch(ctx context.Context, ev trace.Event) []Result {
	targets := make([]Destination, 0, len(d.dests))
	for _, dest := range d.dests {
		if dest.Gate().Matches(ev.Class(), ev.URL) {
			targets = append(targets, dest)
		}
	}

	return d.fanOut(targets, func(dest Destination) error {
		return dest.Notify(ctx, d.client, ev)
	})
}

// SendMessage posts a plain message to every destination, ungated.
func (d *Dispatcher) SendMessage(ctx context.Context, text string) []Result {
	return d.fanOut(d.dests, func(dest Destination) error {
		return dest.SendText(ctx, d.client, text)
	})
}

// ReportBug posts a bug report to every destination, ungated. It is a
// plain message with a fixed composition.
func (d *Dispatcher) ReportBug(ctx context.Context, summary, detail string) []Result {
	text := "Bug report: " + summary
	if detail != "" {
		text += "\n\n" + detail
	}
	return d.SendMessage(ctx, text)
}

// fanOut runs send against every target concurrently. Each attempt is
// isolated: a failure is recorded and logged but never stops the rest.
func (d *Dispatcher) fanOut(targets []Destination, send func(Destination) error) []Result {
	if len(targets) == 0 {
		return nil
	}

	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i, dest := range targets {
		wg.Add(1)
		go func(i int, dest Destination) {
			defer wg.Done()
			err := send(dest)
			results[i] = Result{Destination: dest.Name(), Err: err}
			if err != nil {
				d.log.Warn("Webhook delivery failed",
					"destination", dest.Name(),
					"error", err,
				)
			} else {
				d.log.Debug("Webhook delivered", "destination", dest.Name())
			}
		}(i, dest)
	}
	wg.Wait()

	return results
}
