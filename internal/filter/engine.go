// Package filter evaluates outgoing requests against declarative path
// rules and decides whether they should be short-circuited with a
// synthetic response.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/traffictap/traffictap/internal/logger"
)

// MatchType selects how a rule's path pattern is compared.
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchRegex MatchType = "regex"
	MatchGlob  MatchType = "glob"
)

// ValidationError reports a malformed rule at registration time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid filter rule: %s %s", e.Field, e.Reason)
}

// RuleSpec is the declarative form of a rule, as it appears in config
// files.
type RuleSpec struct {
	Path    string            `yaml:"path"`
	Match   string            `yaml:"match"`
	Methods []string          `yaml:"methods"`
	Status  int               `yaml:"status"`
	Body    string            `yaml:"body"`
	Headers map[string]string `yaml:"headers"`
	// Mock, when present, overrides Status/Body/Headers wholesale.
	Mock *MockSpec `yaml:"mock"`
}

// MockSpec is a fully-formed response override.
type MockSpec struct {
	Status  int               `yaml:"status"`
	Body    string            `yaml:"body"`
	Headers map[string]string `yaml:"headers"`
}

// Rule is an installed, validated rule. Immutable once constructed.
type Rule struct {
	pattern string
	match   MatchType
	methods map[string]struct{}
	status  int
	body    []byte
	headers map[string]string

	compile sync.Once
	re      *regexp.Regexp
	reErr   error
}

// NewRule validates a spec and builds a rule. A spec that fails
// validation is rejected with a *ValidationError and never installed.
func NewRule(spec RuleSpec) (*Rule, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, &ValidationError{Field: "path", Reason: "cannot be empty"}
	}

	match := MatchType(strings.ToLower(strings.TrimSpace(spec.Match)))
	if match == "" {
		match = MatchExact
	}
	switch match {
	case MatchExact, MatchRegex, MatchGlob:
	default:
		return nil, &ValidationError{Field: "match", Reason: fmt.Sprintf("unknown type %q", spec.Match)}
	}

	if match == MatchRegex {
		if _, err := regexp.Compile(spec.Path); err != nil {
			return nil, &ValidationError{Field: "path", Reason: fmt.Sprintf("regex does not compile: %v", err)}
		}
	}

	status := spec.Status
	body := spec.Body
	headers := spec.Headers
	if spec.Mock != nil {
		status = spec.Mock.Status
		body = spec.Mock.Body
		headers = spec.Mock.Headers
	}
	if status == 0 {
		status = 200
	}
	if status < 100 || status > 599 {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("%d outside 100-599", status)}
	}

	var methods map[string]struct{}
	if spec.Methods != nil {
		if len(spec.Methods) == 0 {
			return nil, &ValidationError{Field: "methods", Reason: "cannot be an empty set"}
		}
		methods = make(map[string]struct{}, len(spec.Methods))
		for _, m := range spec.Methods {
			if strings.TrimSpace(m) == "" {
				return nil, &ValidationError{Field: "methods", Reason: "contains empty method"}
			}
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
	}

	return &Rule{
		pattern: spec.Path,
		match:   match,
		methods: methods,
		status:  status,
		body:    []byte(body),
		headers: headers,
	}, nil
}

// matches reports whether the rule applies to the given path and
// method. A regex that fails to compile is logged once and never
// matches; the request is unaffected.
func (r *Rule) matches(path, method string, log logger.Logger) bool {
	if r.methods != nil {
		if _, ok := r.methods[strings.ToUpper(method)]; !ok {
			return false
		}
	}

	switch r.match {
	case MatchExact:
		return path == r.pattern
	case MatchRegex, MatchGlob:
		r.compile.Do(func() {
			expr := r.pattern
			if r.match == MatchGlob {
				expr = globToRegex(r.pattern)
			}
			r.re, r.reErr = regexp.Compile(expr)
			if r.reErr != nil && log != nil {
				log.Warn("Filter rule pattern does not compile, rule disabled",
					"pattern", r.pattern,
					"match", string(r.match),
					"error", r.reErr,
				)
			}
		})
		if r.reErr != nil {
			return false
		}
		return r.re.MatchString(path)
	default:
		return false
	}
}

// globToRegex maps a glob pattern to an anchored regular expression:
// '*' matches any sequence, '?' any single character, everything else
// is literal.
func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// Options holds the active rule set. Rule order is significant: the
// first matching rule wins.
type Options struct {
	Rules      []*Rule
	Enabled    bool
	Exclusions []string
}

// Decision is the outcome of evaluating one request.
type Decision struct {
	Block      bool
	StatusCode int
	Body       []byte
	Headers    map[string]string
}

// Engine evaluates requests against a fixed Options snapshot. Engines
// are immutable; swap in a new Engine to change filters.
type Engine struct {
	opts       Options
	exclusions map[string]struct{}
	log        logger.Logger
}

// NewEngine builds an engine from validated options.
func NewEngine(opts Options, log logger.Logger) *Engine {
	exclusions := make(map[string]struct{}, len(opts.Exclusions))
	for _, p := range opts.Exclusions {
		exclusions[p] = struct{}{}
	}
	return &Engine{opts: opts, exclusions: exclusions, log: log}
}

// Evaluate decides whether a request must be blocked. Exclusions are a
// hard override checked before any rule.
func (e *Engine) Evaluate(path, method string) Decision {
	if !e.opts.Enabled || len(e.opts.Rules) == 0 {
		return Decision{}
	}

	if _, excluded := e.exclusions[path]; excluded {
		return Decision{}
	}

	for _, rule := range e.opts.Rules {
		if rule.matches(path, method, e.log) {
			return Decision{
				Block:      true,
				StatusCode: rule.status,
				Body:       rule.body,
				Headers:    rule.headers,
			}
		}
	}

	return Decision{}
}

// Options returns the engine's option snapshot.
func (e *Engine) Options() Options {
	return e.opts
}
