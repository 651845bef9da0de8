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

// Package store is the storage engine: the single-writer, many-reader
// datastore for sessions, captured requests, bookmarks, and the change
// log that drives delta polling.
package store

import "time"

// Session is the association between a shell activation and the requests
// it produced.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"-"`
	Label     string    `json:"label,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// InterceptionKind distinguishes how an interceptor disposed of a request.
type InterceptionKind string

const (
	InterceptionNone     InterceptionKind = ""
	InterceptionMocked   InterceptionKind = "mocked"
	InterceptionModified InterceptionKind = "modified"
)

// Headers is a case-insensitive, order-preserving header map. Lookups
// must be case-insensitive while iteration stays in insertion order for
// deterministic output; net/http.Header (backed by textproto.MIMEHeader)
// gives the former but not the latter, so Headers keeps an explicit key
// order alongside the canonicalized map.
type Headers struct {
	order  []string
	values map[string][]string
}

// NewHeaders returns an empty Headers map.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

// Set stores value under key, recording key's first-seen position.
func (h *Headers) Set(key, value string) {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
	ck := canonicalHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		h.order = append(h.order, ck)
	}
	h.values[ck] = []string{value}
}

// Add appends value under key without clearing prior values.
func (h *Headers) Add(key, value string) {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
	ck := canonicalHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		h.order = append(h.order, ck)
	}
	h.values[ck] = append(h.values[ck], value)
}

// Get returns the first value for key (case-insensitive), or "".
func (h *Headers) Get(key string) string {
	vs := h.values[canonicalHeaderKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Del removes key (case-insensitive) entirely.
func (h *Headers) Del(key string) {
	ck := canonicalHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		return
	}
	delete(h.values, ck)
	for i, k := range h.order {
		if k == ck {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Keys returns header names in insertion order.
func (h *Headers) Keys() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// ForEach calls fn once per (key, value) pair in insertion order, without
// the intermediate copy Map allocates -- the path every caller that just
// wants to walk the headers once should use.
func (h *Headers) ForEach(fn func(key, value string)) {
	for _, k := range h.order {
		for _, v := range h.values[k] {
			fn(k, v)
		}
	}
}

// Map returns a copy of the underlying key->values map, keys canonicalized.
func (h *Headers) Map() map[string][]string {
	out := make(map[string][]string, len(h.values))
	for k, v := range h.values {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func canonicalHeaderKey(key string) string {
	// Equivalent to http.CanonicalHeaderKey but avoids an import cycle
	// with net/textproto for a type that is also used outside net/http.
	b := []byte(key)
	upper := true
	for i, c := range b {
		if c == '-' {
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		} else if !upper && c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
		upper = false
	}
	return string(b)
}

// CapturedRequest is a single captured HTTP transaction, possibly still
// pending its response.
type CapturedRequest struct {
	ID        string    `json:"id"`
	OrderSeq  int64     `json:"orderSeq"`
	ChangeSeq int64     `json:"changeSeq"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`

	Method string `json:"method"`
	URL    string `json:"url"`
	Host   string `json:"host"`
	Path   string `json:"path"`

	RequestHeaders        *Headers `json:"requestHeaders"`
	RequestBody           []byte   `json:"requestBody,omitempty"`
	RequestBodyTruncated  bool     `json:"requestBodyTruncated"`
	ResponseHeaders       *Headers `json:"responseHeaders,omitempty"`
	ResponseBody          []byte   `json:"responseBody,omitempty"`
	ResponseBodyTruncated bool     `json:"responseBodyTruncated"`

	ResponseStatus *int `json:"responseStatus,omitempty"`
	DurationMS     *int `json:"durationMs,omitempty"`

	InterceptorName string           `json:"interceptorName,omitempty"`
	InterceptorKind InterceptionKind `json:"interceptorKind,omitempty"`

	ReplayOf string `json:"replayOf,omitempty"`
	Saved    bool   `json:"saved"`
	Deleted  bool   `json:"deleted"`
}

// Summary is the lightweight projection returned by list/delta/search
// calls: everything but the bodies and full header maps.
type Summary struct {
	ID              string           `json:"id"`
	OrderSeq        int64            `json:"orderSeq"`
	ChangeSeq       int64            `json:"changeSeq"`
	SessionID       string           `json:"sessionId"`
	Timestamp       time.Time        `json:"timestamp"`
	Method          string           `json:"method"`
	URL             string           `json:"url"`
	Host            string           `json:"host"`
	Path            string           `json:"path"`
	ResponseStatus  *int             `json:"responseStatus,omitempty"`
	DurationMS      *int             `json:"durationMs,omitempty"`
	InterceptorName string           `json:"interceptorName,omitempty"`
	InterceptorKind InterceptionKind `json:"interceptorKind,omitempty"`
	ReplayOf        string           `json:"replayOf,omitempty"`
	Saved           bool             `json:"saved"`
	Deleted         bool             `json:"deleted"`
}

// ChangeLogEntry is an append-only record of a single mutation. The
// change sequence it carries is the sole synchronization primitive
// between the store and delta-polling watchers.
type ChangeLogEntry struct {
	ChangeSeq int64      `json:"changeSeq"`
	RequestID string     `json:"requestId"`
	OrderSeq  int64      `json:"orderSeq"`
	Kind      ChangeKind `json:"kind"`
}

// ChangeKind enumerates the change log's event kinds.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeResponded ChangeKind = "responded"
	ChangeMutated   ChangeKind = "mutated"
	ChangeDeleted   ChangeKind = "deleted"
)

// Filter is a conjunctive query predicate: every set field must match.
// Substring matches case-insensitively against method, url, host, path,
// response status, and header text.
type Filter struct {
	Methods   []string
	StatusMin *int
	StatusMax *int
	Substring string
}

// Empty reports whether the filter matches everything.
func (f Filter) Empty() bool {
	return len(f.Methods) == 0 && f.StatusMin == nil && f.StatusMax == nil && f.Substring == ""
}

// BodySearchTarget selects which side(s) of a transaction body search scans.
type BodySearchTarget string

const (
	BodySearchRequest  BodySearchTarget = "request"
	BodySearchResponse BodySearchTarget = "response"
	BodySearchEither   BodySearchTarget = "either"
)

// BodySearchQuery is the input to the body-text search API.
type BodySearchQuery struct {
	Query  string
	Target BodySearchTarget
	Limit  int
	Filter *Filter
}

// DeltaResult is the return shape of the delta API. Entries are ordered
// newest-first (orderSeq descending); Cursor is the change sequence to
// resume polling from. Snapshot set means the caller's cursor predates
// the oldest retained change and a full ListRequests refetch is needed.
type DeltaResult struct {
	Entries  []*Summary `json:"entries"`
	Cursor   int64      `json:"cursor"`
	HasMore  bool       `json:"hasMore"`
	Snapshot bool       `json:"snapshot,omitempty"`
}
