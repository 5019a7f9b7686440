// Package cache persists completed exchanges in an append-only log and
// serves filtered, paginated reads over it.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/traffictap/traffictap/internal/config"
	"github.com/traffictap/traffictap/internal/logger"
	"github.com/traffictap/traffictap/pkg/trace"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported cache driver")

// Query controls filtering and pagination when reading the log. The
// filters apply in order: text search, timestamp range, status class.
type Query struct {
	// Search is a case-insensitive substring matched against the curl
	// command, response body, status code and URL.
	Search string
	// Since/Until bound the entry timestamp inclusively. Zero values
	// are unbounded. A one-second slack is applied below Since and a
	// one-day slack above Until.
	Since time.Time
	Until time.Time
	// Class restricts to a single status class ("" = all).
	Class trace.StatusClass
	// Offset/Limit slice the newest-first result set. Limit <= 0
	// returns everything from Offset on.
	Offset int
	Limit  int
}

// Store defines the persistence contract for the traffic log.
type Store interface {
	Append(*trace.Entry) error
	Load(Query) ([]*trace.Entry, error)
	Count(Query) (int, error)
	CountByClass(Query) (map[trace.StatusClass]int, error)
	Clear() error
	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.CacheConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("cache config is nil")
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}

// nopStore degrades every operation to a safe no-op. It stands in when
// the real store could not be initialized so callers never have to
// special-case an absent log.
type nopStore struct {
	log  logger.Logger
	warn sync.Once
}

// Nop returns a Store whose operations all succeed without effect. The
// first use emits a warning.
func Nop(log logger.Logger) Store {
	return &nopStore{log: log}
}

func (s *nopStore) note() {
	s.warn.Do(func() {
		if s.log != nil {
			s.log.Warn("Traffic cache is not initialized, entries will not be persisted")
		}
	})
}

func (s *nopStore) Append(*trace.Entry) error { s.note(); return nil }

func (s *nopStore) Load(Query) ([]*trace.Entry, error) { s.note(); return nil, nil }

func (s *nopStore) Count(Query) (int, error) { s.note(); return 0, nil }

func (s *nopStore) CountByClass(Query) (map[trace.StatusClass]int, error) {
	s.note()
	return map[trace.StatusClass]int{}, nil
}

func (s *nopStore) Clear() error { s.note(); return nil }

func (s *nopStore) Close() error { return nil }
