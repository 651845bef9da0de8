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
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{
		Path:  filepath.Join(dir, "requests.db"),
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOrderAndChangeSeqAreMonotone(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var prevOrder, prevChange int64
	for i := 0; i < 5; i++ {
		cr, err := st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
		require.NoError(t, err)
		require.Greater(t, cr.OrderSeq, prevOrder)
		require.Greater(t, cr.ChangeSeq, prevChange)
		prevOrder, prevChange = cr.OrderSeq, cr.ChangeSeq

		require.NoError(t, st.RecordResponse(ctx, cr.ID, ResponsePatch{Status: 200}))
	}
}

func TestDeltaExhaustiveness(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const n = 12
	for i := 0; i < n; i++ {
		_, err := st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
		require.NoError(t, err)
	}

	var cursor int64
	seen := make(map[string]bool)
	for {
		delta, err := st.ListRequestsSummaryDelta(ctx, cursor, 5, Filter{})
		require.NoError(t, err)
		require.False(t, delta.Snapshot)
		for _, e := range delta.Entries {
			seen[e.ID] = true
		}
		cursor = delta.Cursor
		if !delta.HasMore {
			break
		}
	}

	all, err := st.ListRequests(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, n)
	for _, s := range all {
		require.True(t, seen[s.ID], "summary delta missed request %v", s.ID)
	}
}

func TestDeltaExhaustivenessUnderFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Alternate methods so a POST-only filter skips most of each window.
	want := make(map[string]bool)
	for i := 0; i < 12; i++ {
		method := "GET"
		if i%3 == 0 {
			method = "POST"
		}
		cr, err := st.CreateRequest(ctx, NewRequest{Method: method, URL: "http://example.com/", Host: "example.com", Path: "/"})
		require.NoError(t, err)
		if method == "POST" {
			want[cr.ID] = false
		}
	}

	var cursor int64
	for i := 0; ; i++ {
		delta, err := st.ListRequestsSummaryDelta(ctx, cursor, 3, Filter{Methods: []string{"POST"}})
		require.NoError(t, err)
		for _, e := range delta.Entries {
			require.Equal(t, "POST", e.Method)
			want[e.ID] = true
		}
		cursor = delta.Cursor
		if !delta.HasMore {
			break
		}
		require.Less(t, i, 100, "delta polling failed to converge")
	}

	for id, seen := range want {
		require.True(t, seen, "filtered delta never surfaced request %v", id)
	}
}

func TestDeltaPaginationAndOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		cr, err := st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
		require.NoError(t, err)
		ids = append(ids, cr.ID)
	}

	first, err := st.ListRequestsSummaryDelta(ctx, 0, 3, Filter{})
	require.NoError(t, err)
	require.True(t, first.HasMore)
	require.Len(t, first.Entries, 3)
	// The three oldest rows are consumed first, presented newest-first.
	require.Equal(t, []string{ids[2], ids[1], ids[0]},
		[]string{first.Entries[0].ID, first.Entries[1].ID, first.Entries[2].ID})

	second, err := st.ListRequestsSummaryDelta(ctx, first.Cursor, 3, Filter{})
	require.NoError(t, err)
	require.False(t, second.HasMore)
	require.Len(t, second.Entries, 2)
	require.Equal(t, []string{ids[4], ids[3]},
		[]string{second.Entries[0].ID, second.Entries[1].ID})
}

func TestDeltaReportsDeletionsRegardlessOfFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cr, err := st.CreateRequest(ctx, NewRequest{Method: "POST", URL: "http://example.com/a", Host: "example.com", Path: "/a"})
	require.NoError(t, err)

	baseline, err := st.ListRequestsSummaryDelta(ctx, 0, 10, Filter{})
	require.NoError(t, err)

	_, err = st.ClearRequests(ctx)
	require.NoError(t, err)

	// A filter that would never match the deleted row still surfaces the
	// deletion marker.
	delta, err := st.ListRequestsSummaryDelta(ctx, baseline.Cursor, 10, Filter{Methods: []string{"DELETE"}})
	require.NoError(t, err)
	require.Len(t, delta.Entries, 1)
	require.Equal(t, cr.ID, delta.Entries[0].ID)
	require.True(t, delta.Entries[0].Deleted)
}

func TestDeltaSnapshotSentinelAfterCompaction(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var lastChange int64
	for i := 0; i < 4; i++ {
		cr, err := st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
		require.NoError(t, err)
		lastChange = cr.ChangeSeq
	}

	require.NoError(t, st.CompactChangeLog(ctx, lastChange))

	// A watcher whose cursor predates the horizon must be told to refetch.
	stale, err := st.ListRequestsSummaryDelta(ctx, 1, 10, Filter{})
	require.NoError(t, err)
	require.True(t, stale.Snapshot)

	// A watcher at or past the horizon keeps polling normally.
	fresh, err := st.ListRequestsSummaryDelta(ctx, lastChange, 10, Filter{})
	require.NoError(t, err)
	require.False(t, fresh.Snapshot)
	require.Empty(t, fresh.Entries)
}

func TestCompactionRemovesSoftDeletedRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cr, err := st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
	require.NoError(t, err)
	_, err = st.ClearRequests(ctx)
	require.NoError(t, err)

	got, err := st.GetRequest(ctx, cr.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)

	entries, err := st.ChangeLog(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.NoError(t, st.CompactChangeLog(ctx, entries[len(entries)-1].ChangeSeq))

	_, err = st.GetRequest(ctx, cr.ID)
	require.Error(t, err)

	entries, err = st.ChangeLog(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestBookmarkPreservedAcrossClear(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var kept, dropped string
	for i := 0; i < 4; i++ {
		cr, err := st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
		require.NoError(t, err)
		if i == 1 {
			require.NoError(t, st.SaveRequest(ctx, cr.ID))
			kept = cr.ID
		}
		if i == 2 {
			dropped = cr.ID
		}
	}

	n, err := st.ClearRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	remaining, err := st.ListRequests(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, kept, remaining[0].ID)
	require.True(t, remaining[0].Saved)

	gotDropped, err := st.GetRequest(ctx, dropped)
	require.NoError(t, err) // soft-deleted rows are still readable by id
	require.True(t, gotDropped.Deleted)
}

func TestHeadersPreserveInsertionOrderAndCaseInsensitiveLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	h := NewHeaders()
	h.Set("Content-Type", "text/plain")
	h.Add("X-Custom", "one")
	h.Add("x-custom", "two")

	cr, err := st.CreateRequest(ctx, NewRequest{Method: "POST", URL: "http://example.com/", Host: "example.com", Path: "/", Headers: h})
	require.NoError(t, err)

	got, err := st.GetRequest(ctx, cr.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"Content-Type", "X-Custom"}, got.RequestHeaders.Keys())
	require.Equal(t, "text/plain", got.RequestHeaders.Get("content-type"))
	require.Equal(t, []string{"one", "two"}, got.RequestHeaders.Map()["X-Custom"])
}

func TestOrphanRequestsAttributedToUnknownSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cr, err := st.CreateRequest(ctx, NewRequest{SessionID: "no-such-session", Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
	require.NoError(t, err)
	require.Equal(t, "unknown", cr.SessionID)
}

func TestIsBinaryBodyDetection(t *testing.T) {
	require.False(t, isBinaryBody("text/plain", []byte("hello")))
	require.False(t, isBinaryBody("application/json", []byte(`{"a":1}`)))
	require.False(t, isBinaryBody("", []byte("plain ascii")))
	require.True(t, isBinaryBody("image/png", []byte("hello")))
	require.True(t, isBinaryBody("", []byte{0xff, 0xfe, 0x00, 0x01}))
}

func TestSearchBodiesExcludesBinaryContent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	h := NewHeaders()
	h.Set("Content-Type", "image/png")
	cr, err := st.CreateRequest(ctx, NewRequest{Method: "POST", URL: "http://example.com/upload", Host: "example.com", Path: "/upload", Headers: h, Body: []byte("needle-in-body")})
	require.NoError(t, err)
	require.NoError(t, st.RecordResponse(ctx, cr.ID, ResponsePatch{Status: 200}))

	results, err := st.SearchBodies(ctx, BodySearchQuery{Query: "needle", Target: BodySearchRequest})
	require.NoError(t, err)
	require.Empty(t, results, "binary-content-typed bodies must be excluded from text search")
}

func TestFilterSubstringSpansRequestFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	h := NewHeaders()
	h.Set("X-Trace-Id", "abc123")
	cr, err := st.CreateRequest(ctx, NewRequest{Method: "PUT", URL: "http://api.example.com/v1/widgets", Host: "api.example.com", Path: "/v1/widgets", Headers: h})
	require.NoError(t, err)
	require.NoError(t, st.RecordResponse(ctx, cr.ID, ResponsePatch{Status: 418}))

	_, err = st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://other.test/", Host: "other.test", Path: "/"})
	require.NoError(t, err)

	for _, needle := range []string{"put", "widgets", "api.example", "418", "abc123"} {
		got, err := st.ListRequests(ctx, Filter{Substring: needle})
		require.NoError(t, err)
		require.Len(t, got, 1, "substring %q should match exactly the widget request", needle)
		require.Equal(t, cr.ID, got[0].ID)
	}
}

func TestFilterMethodsMatchCaseInsensitively(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cr, err := st.CreateRequest(ctx, NewRequest{Method: "POST", URL: "http://example.com/", Host: "example.com", Path: "/"})
	require.NoError(t, err)
	_, err = st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
	require.NoError(t, err)

	got, err := st.ListRequests(ctx, Filter{Methods: []string{"post"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, cr.ID, got[0].ID)
}

func TestFilterStatusRange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ok, err := st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://example.com/ok", Host: "example.com", Path: "/ok"})
	require.NoError(t, err)
	require.NoError(t, st.RecordResponse(ctx, ok.ID, ResponsePatch{Status: 200}))

	fail, err := st.CreateRequest(ctx, NewRequest{Method: "GET", URL: "http://example.com/fail", Host: "example.com", Path: "/fail"})
	require.NoError(t, err)
	require.NoError(t, st.RecordResponse(ctx, fail.ID, ResponsePatch{Status: 503}))

	lo, hi := 500, 599
	got, err := st.ListRequests(ctx, Filter{StatusMin: &lo, StatusMax: &hi})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, fail.ID, got[0].ID)
}

func TestActiveSessionIsMostRecentlyRegistered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.Empty(t, st.ActiveSessionID(ctx))

	_, err := st.CreateSession(ctx, "first", "zsh", 1)
	require.NoError(t, err)
	second, err := st.CreateSession(ctx, "second", "bash", 2)
	require.NoError(t, err)

	require.Equal(t, second.ID, st.ActiveSessionID(ctx))
}

func TestSessionAuthentication(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "my-shell", "zsh", 1234)
	require.NoError(t, err)

	got, err := st.AuthenticateSession(ctx, sess.ID, sess.Token)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)

	_, err = st.AuthenticateSession(ctx, sess.ID, "wrong-token")
	require.Error(t, err)

	_, err = st.AuthenticateSession(ctx, "", "")
	require.Error(t, err)
}
