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
	"sort"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/siphon-dev/siphon/lib/utils"
)

const requestColumns = `
	id, order_seq, change_seq, session_id, created_at, method, url, host, path,
	request_headers, request_body, request_body_truncated,
	response_headers, response_body, response_body_truncated,
	response_status, duration_ms, interceptor_name, interceptor_kind,
	replay_of, saved, deleted`

// GetRequest returns a single CapturedRequest by id, including both
// bodies in full. Soft-deleted rows are still readable by id until the
// change log is compacted past them.
func (s *Store) GetRequest(ctx context.Context, id string) (*CapturedRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	cr, err := scanRequest(row)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cr, nil
}

// ListRequests returns the live requests matching filter, oldest first
// (orderSeq ascending).
func (s *Store) ListRequests(ctx context.Context, filter Filter) ([]*Summary, error) {
	where, args := buildWhere(filter)
	query := `SELECT ` + requestColumns + ` FROM requests WHERE ` + where + ` ORDER BY order_seq ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []*Summary
	for rows.Next() {
		cr, err := scanRequestRows(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, cr.Summary())
	}
	return out, trace.Wrap(rows.Err())
}

// RequestCount returns the number of live (not deleted) captured requests.
func (s *Store) RequestCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE deleted = 0`).Scan(&n)
	return n, trace.Wrap(err)
}

// ListRequestsSummaryDelta returns one Summary per request whose latest
// change sequence exceeds cursor. At most limit rows are consumed in
// change-sequence order (so a repeat call with the returned Cursor picks
// up exactly where this one stopped); the entries themselves are
// presented newest-first by orderSeq. Deleted rows come back with
// Deleted set so watchers can drop them. Rows matching filter are
// returned; deletions are always reported regardless of filter, since a
// watcher holding a filtered view still needs to learn about removals.
//
// When cursor predates the oldest retained change (the log was compacted
// past it), Snapshot is set and the caller must refetch via ListRequests
// instead of trusting a partial delta.
func (s *Store) ListRequestsSummaryDelta(ctx context.Context, cursor int64, limit int, filter Filter) (*DeltaResult, error) {
	if limit <= 0 {
		limit = 500
	}

	compactSeq, err := s.readMeta(ctx, "compact_seq")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cursor > 0 && cursor < compactSeq {
		return &DeltaResult{Cursor: cursor, Snapshot: true}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE change_seq > ?
		ORDER BY change_seq ASC
		LIMIT ?`, cursor, limit+1)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	result := &DeltaResult{Cursor: cursor}
	scanned := 0
	for rows.Next() {
		cr, err := scanRequestRows(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// HasMore tracks rows consumed from the change space, not rows
		// that pass the filter: a filter that skips most of a window must
		// not end the poll loop while unexamined rows remain.
		scanned++
		if scanned > limit {
			result.HasMore = true
			break
		}
		result.Cursor = cr.ChangeSeq
		if !cr.Deleted && !matchesFilter(cr, filter) {
			continue
		}
		result.Entries = append(result.Entries, cr.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	sort.Slice(result.Entries, func(i, j int) bool {
		return result.Entries[i].OrderSeq > result.Entries[j].OrderSeq
	})
	return result, nil
}

// ChangeLog returns every change-log entry with a change sequence above
// after, in order. Entries older than the compaction horizon are gone;
// callers that need pre-compaction state take a snapshot instead.
func (s *Store) ChangeLog(ctx context.Context, after int64) ([]ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT change_seq, request_id, order_seq, kind FROM changelog WHERE change_seq > ? ORDER BY change_seq ASC`, after)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []ChangeLogEntry
	for rows.Next() {
		var e ChangeLogEntry
		var kind string
		if err := rows.Scan(&e.ChangeSeq, &e.RequestID, &e.OrderSeq, &kind); err != nil {
			return nil, trace.Wrap(err)
		}
		e.Kind = ChangeKind(kind)
		out = append(out, e)
	}
	return out, trace.Wrap(rows.Err())
}

// CompactChangeLog coalesces every change-log entry with change sequence
// <= upTo into the compaction horizon: the entries are dropped, rows soft-
// deleted at or before that point are removed for good, and any watcher
// still holding a cursor below the horizon gets a Snapshot sentinel on
// its next delta poll.
func (s *Store) CompactChangeLog(ctx context.Context, upTo int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM changelog WHERE change_seq <= ?`, upTo); err != nil {
			return trace.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE deleted = 1 AND change_seq <= ?`, upTo); err != nil {
			return trace.Wrap(err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE meta SET value = ? WHERE key = 'compact_seq' AND value < ?`, upTo, upTo)
		return trace.Wrap(err)
	})
}

func (s *Store) readMeta(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, trace.Wrap(err)
}

// SearchBodies scans request and/or response bodies for a substring.
// Binary content (undecodable or declared non-text) is excluded.
func (s *Store) SearchBodies(ctx context.Context, q BodySearchQuery) ([]*Summary, error) {
	if q.Target == "" {
		q.Target = BodySearchEither
	}
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	filter := Filter{}
	if q.Filter != nil {
		filter = *q.Filter
	}
	where, args := buildWhere(filter)
	query := `SELECT ` + requestColumns + ` FROM requests WHERE ` + where + ` ORDER BY order_seq ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	needle := strings.ToLower(q.Query)
	var out []*Summary
	for rows.Next() {
		cr, err := scanRequestRows(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if bodyMatches(cr, q.Target, needle) {
			out = append(out, cr.Summary())
			if len(out) >= q.Limit {
				break
			}
		}
	}
	return out, trace.Wrap(rows.Err())
}

func bodyMatches(cr *CapturedRequest, target BodySearchTarget, needle string) bool {
	if needle == "" {
		return false
	}
	checkReq := target == BodySearchRequest || target == BodySearchEither
	checkResp := target == BodySearchResponse || target == BodySearchEither
	if checkReq && bodyContains(cr.RequestHeaders, cr.RequestBody, needle) {
		return true
	}
	if checkResp && bodyContains(cr.ResponseHeaders, cr.ResponseBody, needle) {
		return true
	}
	return false
}

func bodyContains(headers *Headers, body []byte, needle string) bool {
	if len(body) == 0 {
		return false
	}
	ct := ""
	if headers != nil {
		ct = headers.Get("Content-Type")
	}
	if isBinaryBody(ct, body) {
		return false
	}
	return strings.Contains(strings.ToLower(string(body)), needle)
}

// buildWhere translates filter into a WHERE clause over live rows. The
// delta scan uses matchesFilter instead, since it must also see deleted
// rows to report their removal.
func buildWhere(f Filter) (string, []interface{}) {
	clauses := []string{"deleted = 0"}
	var args []interface{}

	if len(f.Methods) > 0 {
		// Method comparison is case-insensitive on both paths: UPPER() on
		// the column here, strings.EqualFold in matchesFilter.
		methods := utils.SliceMapElements(f.Methods, strings.ToUpper)
		placeholders := make([]string, len(methods))
		for i, m := range methods {
			placeholders[i] = "?"
			args = append(args, m)
		}
		clauses = append(clauses, "UPPER(method) IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.StatusMin != nil {
		clauses = append(clauses, "response_status >= ?")
		args = append(args, *f.StatusMin)
	}
	if f.StatusMax != nil {
		clauses = append(clauses, "response_status <= ?")
		args = append(args, *f.StatusMax)
	}
	if f.Substring != "" {
		like := "%" + strings.ToLower(f.Substring) + "%"
		clauses = append(clauses, `(
			LOWER(method) LIKE ? OR LOWER(url) LIKE ? OR LOWER(host) LIKE ? OR
			LOWER(path) LIKE ? OR CAST(response_status AS TEXT) LIKE ? OR
			LOWER(request_headers) LIKE ? OR LOWER(IFNULL(response_headers, '')) LIKE ?
		)`)
		for i := 0; i < 7; i++ {
			args = append(args, like)
		}
	}
	return strings.Join(clauses, " AND "), args
}

// matchesFilter evaluates filter against an already-loaded row, for call
// sites (the delta scan) that cannot push the predicate into SQL without
// losing the deletion markers the scan must also report.
func matchesFilter(cr *CapturedRequest, f Filter) bool {
	if f.Empty() {
		return true
	}
	if len(f.Methods) > 0 {
		found := false
		for _, m := range f.Methods {
			if strings.EqualFold(m, cr.Method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StatusMin != nil && (cr.ResponseStatus == nil || *cr.ResponseStatus < *f.StatusMin) {
		return false
	}
	if f.StatusMax != nil && (cr.ResponseStatus == nil || *cr.ResponseStatus > *f.StatusMax) {
		return false
	}
	if f.Substring != "" && !substringMatches(cr, strings.ToLower(f.Substring)) {
		return false
	}
	return true
}

func substringMatches(cr *CapturedRequest, needle string) bool {
	for _, hay := range []string{cr.Method, cr.URL, cr.Host, cr.Path} {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	if cr.ResponseStatus != nil && strings.Contains(strconv.Itoa(*cr.ResponseStatus), needle) {
		return true
	}
	for _, h := range []*Headers{cr.RequestHeaders, cr.ResponseHeaders} {
		if h == nil {
			continue
		}
		match := false
		h.ForEach(func(k, v string) {
			if strings.Contains(strings.ToLower(k), needle) || strings.Contains(strings.ToLower(v), needle) {
				match = true
			}
		})
		if match {
			return true
		}
	}
	return false
}

// Summary projects a CapturedRequest down to its listing-friendly fields.
func (cr *CapturedRequest) Summary() *Summary {
	return &Summary{
		ID:              cr.ID,
		OrderSeq:        cr.OrderSeq,
		ChangeSeq:       cr.ChangeSeq,
		SessionID:       cr.SessionID,
		Timestamp:       cr.Timestamp,
		Method:          cr.Method,
		URL:             cr.URL,
		Host:            cr.Host,
		Path:            cr.Path,
		ResponseStatus:  cr.ResponseStatus,
		DurationMS:      cr.DurationMS,
		InterceptorName: cr.InterceptorName,
		InterceptorKind: cr.InterceptorKind,
		ReplayOf:        cr.ReplayOf,
		Saved:           cr.Saved,
		Deleted:         cr.Deleted,
	}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row *sql.Row) (*CapturedRequest, error) {
	return scanRequestScanner(row)
}

func scanRequestRows(rows *sql.Rows) (*CapturedRequest, error) {
	return scanRequestScanner(rows)
}

func scanRequestScanner(row rowScanner) (*CapturedRequest, error) {
	var (
		cr                                  CapturedRequest
		createdAtNano                       int64
		requestHeadersRaw, responseHeadersRaw sql.NullString
		requestBody, responseBody           []byte
		requestTruncated, responseTruncated int
		responseStatus, durationMS          sql.NullInt64
		interceptorName, interceptorKind    sql.NullString
		replayOf                            sql.NullString
		saved, deleted                      int
	)
	err := row.Scan(
		&cr.ID, &cr.OrderSeq, &cr.ChangeSeq, &cr.SessionID, &createdAtNano,
		&cr.Method, &cr.URL, &cr.Host, &cr.Path,
		&requestHeadersRaw, &requestBody, &requestTruncated,
		&responseHeadersRaw, &responseBody, &responseTruncated,
		&responseStatus, &durationMS, &interceptorName, &interceptorKind,
		&replayOf, &saved, &deleted)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("request not found")
		}
		return nil, trace.Wrap(err)
	}

	cr.Timestamp = nanoToTime(createdAtNano)
	cr.RequestBody = requestBody
	cr.RequestBodyTruncated = requestTruncated != 0
	cr.ResponseBody = responseBody
	cr.ResponseBodyTruncated = responseTruncated != 0
	cr.InterceptorName = interceptorName.String
	cr.InterceptorKind = InterceptionKind(interceptorKind.String)
	cr.ReplayOf = replayOf.String
	cr.Saved = saved != 0
	cr.Deleted = deleted != 0

	cr.RequestHeaders, err = unmarshalHeaders(requestHeadersRaw.String)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if responseHeadersRaw.Valid {
		cr.ResponseHeaders, err = unmarshalHeaders(responseHeadersRaw.String)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if responseStatus.Valid {
		v := int(responseStatus.Int64)
		cr.ResponseStatus = &v
	}
	if durationMS.Valid {
		v := int(durationMS.Int64)
		cr.DurationMS = &v
	}
	return &cr, nil
}
