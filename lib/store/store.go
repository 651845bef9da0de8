/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/defaults"
)

// Config configures a Store.
type Config struct {
	// Path is the sqlite database file (requests.db in the data directory).
	Path string
	// MaxStoredRequests bounds unsaved-request retention; the oldest
	// unsaved rows are evicted once the count exceeds it.
	MaxStoredRequests int
	// MaxRetries and RetryBaseDelay configure write-retry backoff.
	MaxRetries    int
	RetryBaseDelay time.Duration
	Clock         clock
	Log           logrus.FieldLogger
}

// clock is the subset of clockwork.Clock the store needs; kept as its own
// interface so tests can inject a fixed time without importing clockwork
// into this file's public surface.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (c *Config) checkAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.MaxStoredRequests == 0 {
		c.MaxStoredRequests = defaults.MaxStoredRequests
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.StorageMaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = defaults.StorageRetryBaseDelay
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, siphon.Component("store"))
	}
	return nil
}

// Store is the single-writer, many-reader datastore. Writes are
// serialized through writeMu (sqlite permits only one writer regardless
// of connection count); reads use the shared *sql.DB pool directly.
type Store struct {
	cfg Config
	db  *sql.DB

	writeMu sync.Mutex
}

// Open creates (if necessary) and migrates the sqlite database at
// cfg.Path, returning a ready Store. Failure to open or migrate is fatal
// to the caller: a daemon that cannot reach its own persisted state has
// nothing useful to degrade to.
func Open(cfg Config) (*Store, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&cache=shared", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db.SetMaxOpenConns(8)

	s := &Store{cfg: cfg, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return trace.Wrap(s.db.Close())
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	label TEXT,
	pid INTEGER,
	source TEXT,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	order_seq INTEGER NOT NULL,
	change_seq INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT NOT NULL,
	path TEXT NOT NULL,
	request_headers TEXT NOT NULL,
	request_body BLOB,
	request_body_truncated INTEGER NOT NULL DEFAULT 0,
	response_headers TEXT,
	response_body BLOB,
	response_body_truncated INTEGER NOT NULL DEFAULT 0,
	response_status INTEGER,
	duration_ms INTEGER,
	interceptor_name TEXT,
	interceptor_kind TEXT,
	replay_of TEXT,
	saved INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_order_seq ON requests(order_seq);
CREATE INDEX IF NOT EXISTS idx_requests_change_seq ON requests(change_seq);
CREATE INDEX IF NOT EXISTS idx_requests_saved ON requests(saved);
CREATE TABLE IF NOT EXISTS changelog (
	change_seq INTEGER PRIMARY KEY,
	request_id TEXT NOT NULL,
	order_seq INTEGER NOT NULL,
	kind TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return trace.Wrap(err)
	}
	for _, key := range []string{"order_seq", "change_seq", "compact_seq"} {
		_, err := s.db.Exec(`INSERT OR IGNORE INTO meta(key, value) VALUES (?, 0)`, key)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// withWriteTx serializes fn against every other write, retrying
// SQLITE_BUSY-class failures with exponential backoff. After the retries
// are exhausted the error is returned as-is so callers can decide
// whether the enclosing operation proceeds unpersisted.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryBaseDelay
	policy.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(policy, uint64(s.cfg.MaxRetries))

	// Only SQLITE_BUSY/SQLITE_LOCKED get another attempt; any other
	// failure (a NotFound from fn, a constraint violation) ends the loop.
	retryable := func(err error) error {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return retryable(trace.Wrap(err))
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return retryable(err)
		}
		if err := tx.Commit(); err != nil {
			return retryable(trace.Wrap(err))
		}
		return nil
	}, bo)
}

// nextSeq consumes and returns the next value of the named monotone
// counter (order_seq or change_seq) within tx.
func nextSeq(tx *sql.Tx, key string) (int64, error) {
	var value int64
	row := tx.QueryRow(`UPDATE meta SET value = value + 1 WHERE key = ? RETURNING value`, key)
	if err := row.Scan(&value); err != nil {
		return 0, trace.Wrap(err)
	}
	return value, nil
}

func marshalHeaders(h *Headers) (string, error) {
	if h == nil {
		h = NewHeaders()
	}
	buf, err := json.Marshal(struct {
		Order  []string            `json:"order"`
		Values map[string][]string `json:"values"`
	}{Order: h.Keys(), Values: h.Map()})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(buf), nil
}

func unmarshalHeaders(raw string) (*Headers, error) {
	if raw == "" {
		return NewHeaders(), nil
	}
	var decoded struct {
		Order  []string            `json:"order"`
		Values map[string][]string `json:"values"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, trace.Wrap(err)
	}
	h := NewHeaders()
	for _, k := range decoded.Order {
		for _, v := range decoded.Values[k] {
			h.Add(k, v)
		}
	}
	return h, nil
}

// isBinaryBody implements the "Binary content" glossary definition: a
// body is binary if its declared content-type says so, or -- absent a
// usable content-type -- if it does not decode as UTF-8.
func isBinaryBody(contentType string, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ct != "" {
		top, sub, ok := strings.Cut(ct, "/")
		if ok {
			if top == "text" {
				return false
			}
			switch sub {
			case "json", "xml", "javascript", "x-www-form-urlencoded":
				return false
			}
			// A declared, non-text/non-structured content type (image/*,
			// application/octet-stream, ...) is binary regardless of
			// whether the bytes happen to decode as UTF-8.
			return true
		}
	}
	return !isValidUTF8(body)
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}
