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

	"github.com/gravitational/trace"
)

// NewRequest is the input to CreateRequest: everything known at the
// moment a request arrives at the proxy, before any response exists.
type NewRequest struct {
	SessionID string
	Method    string
	URL       string
	Host      string
	Path      string
	Headers   *Headers
	Body      []byte
	Truncated bool
}

// CreateRequest inserts a CapturedRequest in the "created" phase and
// appends a created change-log entry. The returned request carries its
// minted id, orderSeq, and changeSeq.
func (s *Store) CreateRequest(ctx context.Context, req NewRequest) (*CapturedRequest, error) {
	id := NewRequestID()
	sessionID := s.resolveSessionID(ctx, req.SessionID)
	headersJSON, err := marshalHeaders(req.Headers)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cr := &CapturedRequest{
		ID:                   id,
		SessionID:            sessionID,
		Timestamp:            s.cfg.Clock.Now(),
		Method:               req.Method,
		URL:                  req.URL,
		Host:                 req.Host,
		Path:                 req.Path,
		RequestHeaders:       req.Headers,
		RequestBody:          req.Body,
		RequestBodyTruncated: req.Truncated,
	}
	if cr.RequestHeaders == nil {
		cr.RequestHeaders = NewHeaders()
	}

	err = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		orderSeq, err := nextSeq(tx, "order_seq")
		if err != nil {
			return err
		}
		changeSeq, err := nextSeq(tx, "change_seq")
		if err != nil {
			return err
		}
		cr.OrderSeq = orderSeq
		cr.ChangeSeq = changeSeq

		_, err = tx.ExecContext(ctx, `
			INSERT INTO requests(
				id, order_seq, change_seq, session_id, created_at,
				method, url, host, path, request_headers, request_body,
				request_body_truncated, saved, deleted
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			cr.ID, orderSeq, changeSeq, sessionID, timeToNano(cr.Timestamp),
			cr.Method, cr.URL, cr.Host, cr.Path, headersJSON, nullBytes(req.Body),
			boolToInt(req.Truncated))
		if err != nil {
			return trace.Wrap(err)
		}
		return insertChangeLog(ctx, tx, changeSeq, cr.ID, orderSeq, ChangeCreated)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	go s.enforceRetention(sessionID)
	return cr, nil
}

// ResponsePatch is the input to RecordResponse: everything captured once
// the upstream (or a mocking interceptor) has produced a response. The
// request body rides along here too when the proxy streamed it to
// upstream rather than buffering it before the created-phase insert.
type ResponsePatch struct {
	Status          int
	Headers         *Headers
	Body            []byte
	Truncated       bool
	DurationMS      int
	InterceptorName string
	InterceptorKind InterceptionKind
	ReplayOf        string

	RequestBody          []byte
	RequestBodyTruncated bool
}

// RecordResponse patches a CapturedRequest into the "responded" phase
// and appends a responded change-log entry.
func (s *Store) RecordResponse(ctx context.Context, id string, patch ResponsePatch) error {
	headersJSON, err := marshalHeaders(patch.Headers)
	if err != nil {
		return trace.Wrap(err)
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		changeSeq, err := nextSeq(tx, "change_seq")
		if err != nil {
			return err
		}
		var orderSeq int64
		row := tx.QueryRowContext(ctx, `SELECT order_seq FROM requests WHERE id = ?`, id)
		if err := row.Scan(&orderSeq); err != nil {
			if err == sql.ErrNoRows {
				return trace.NotFound("request %v not found", id)
			}
			return trace.Wrap(err)
		}

		// Only touch the request body columns when the patch carries a
		// streamed body; a patch without one must not clear a body the
		// created-phase insert already stored.
		if len(patch.RequestBody) > 0 || patch.RequestBodyTruncated {
			if _, err := tx.ExecContext(ctx,
				`UPDATE requests SET request_body = ?, request_body_truncated = ? WHERE id = ?`,
				nullBytes(patch.RequestBody), boolToInt(patch.RequestBodyTruncated), id); err != nil {
				return trace.Wrap(err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE requests SET
				change_seq = ?, response_status = ?, response_headers = ?,
				response_body = ?, response_body_truncated = ?, duration_ms = ?,
				interceptor_name = ?, interceptor_kind = ?, replay_of = ?
			WHERE id = ?`,
			changeSeq, patch.Status, headersJSON, nullBytes(patch.Body),
			boolToInt(patch.Truncated), patch.DurationMS,
			nullString(patch.InterceptorName), nullString(string(patch.InterceptorKind)),
			nullString(patch.ReplayOf), id)
		if err != nil {
			return trace.Wrap(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return trace.NotFound("request %v not found", id)
		}
		return insertChangeLog(ctx, tx, changeSeq, id, orderSeq, ChangeResponded)
	})
}

// MarkReplayOf links a freshly created request back to the original it
// replays. It is a "mutated" change.
func (s *Store) MarkReplayOf(ctx context.Context, id, originalID string) error {
	return s.mutate(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE requests SET replay_of = ? WHERE id = ?`, originalID, id)
		return trace.Wrap(err)
	})
}

// SaveRequest / UnsaveRequest toggle the bookmark flag. Saved rows
// survive ClearRequests and retention eviction.
func (s *Store) SaveRequest(ctx context.Context, id string) error   { return s.setSaved(ctx, id, true) }
func (s *Store) UnsaveRequest(ctx context.Context, id string) error { return s.setSaved(ctx, id, false) }

func (s *Store) setSaved(ctx context.Context, id string, saved bool) error {
	return s.mutate(ctx, id, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE requests SET saved = ? WHERE id = ? AND deleted = 0`, boolToInt(saved), id)
		if err != nil {
			return trace.Wrap(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return trace.NotFound("request %v not found", id)
		}
		return nil
	})
}

// mutate is the shared path for single-row, "mutated"-kind writes: bump
// change_seq, run fn, append the ChangeLogEntry.
func (s *Store) mutate(ctx context.Context, id string, fn func(tx *sql.Tx) error) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var orderSeq int64
		row := tx.QueryRowContext(ctx, `SELECT order_seq FROM requests WHERE id = ?`, id)
		if err := row.Scan(&orderSeq); err != nil {
			if err == sql.ErrNoRows {
				return trace.NotFound("request %v not found", id)
			}
			return trace.Wrap(err)
		}
		if err := fn(tx); err != nil {
			return err
		}
		changeSeq, err := nextSeq(tx, "change_seq")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE requests SET change_seq = ? WHERE id = ?`, changeSeq, id); err != nil {
			return trace.Wrap(err)
		}
		return insertChangeLog(ctx, tx, changeSeq, id, orderSeq, ChangeMutated)
	})
}

// ClearRequests deletes every unsaved request and appends one deleted
// change-log entry per row. Saved rows are never touched.
func (s *Store) ClearRequests(ctx context.Context) (int, error) {
	var deleted int
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, order_seq FROM requests WHERE saved = 0 AND deleted = 0`)
		if err != nil {
			return trace.Wrap(err)
		}
		type victim struct {
			id       string
			orderSeq int64
		}
		var victims []victim
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.id, &v.orderSeq); err != nil {
				rows.Close()
				return trace.Wrap(err)
			}
			victims = append(victims, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return trace.Wrap(err)
		}

		for _, v := range victims {
			changeSeq, err := nextSeq(tx, "change_seq")
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE requests SET deleted = 1, change_seq = ? WHERE id = ?`, changeSeq, v.id); err != nil {
				return trace.Wrap(err)
			}
			if err := insertChangeLog(ctx, tx, changeSeq, v.id, v.orderSeq, ChangeDeleted); err != nil {
				return err
			}
		}
		deleted = len(victims)
		return nil
	})
	return deleted, trace.Wrap(err)
}

// enforceRetention evicts oldest-unsaved-first once the unsaved count
// exceeds MaxStoredRequests. Run as a best-effort background step after
// CreateRequest; a failure here never fails the capture itself.
func (s *Store) enforceRetention(_ string) {
	ctx := context.Background()
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE saved = 0 AND deleted = 0`).Scan(&count); err != nil {
		return
	}
	over := count - s.cfg.MaxStoredRequests
	if over <= 0 {
		return
	}
	_ = s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, order_seq FROM requests WHERE saved = 0 AND deleted = 0 ORDER BY order_seq ASC LIMIT ?`, over)
		if err != nil {
			return trace.Wrap(err)
		}
		defer rows.Close()
		var ids []string
		var orderSeqs []int64
		for rows.Next() {
			var id string
			var orderSeq int64
			if err := rows.Scan(&id, &orderSeq); err != nil {
				return trace.Wrap(err)
			}
			ids = append(ids, id)
			orderSeqs = append(orderSeqs, orderSeq)
		}
		for i, id := range ids {
			changeSeq, err := nextSeq(tx, "change_seq")
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE requests SET deleted = 1, change_seq = ? WHERE id = ?`, changeSeq, id); err != nil {
				return trace.Wrap(err)
			}
			if err := insertChangeLog(ctx, tx, changeSeq, id, orderSeqs[i], ChangeDeleted); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertChangeLog(ctx context.Context, tx *sql.Tx, changeSeq int64, requestID string, orderSeq int64, kind ChangeKind) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO changelog(change_seq, request_id, order_seq, kind) VALUES (?, ?, ?, ?)`,
		changeSeq, requestID, orderSeq, string(kind))
	return trace.Wrap(err)
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
