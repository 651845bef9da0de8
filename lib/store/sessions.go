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

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/siphon-dev/siphon"
)

// CreateSession registers a new Session, minting its id and bearer
// token. Backs the control plane's registerSession method; the newest
// session becomes the active one for attribution fallback.
func (s *Store) CreateSession(ctx context.Context, label, source string, pid int) (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		Token:     uuid.NewString() + uuid.NewString(),
		Label:     label,
		Source:    source,
		PID:       pid,
		CreatedAt: s.cfg.Clock.Now(),
	}
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions(id, token, label, pid, source, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Token, sess.Label, sess.PID, sess.Source, sess.CreatedAt.UnixNano())
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sess, nil
}

// AuthenticateSession verifies id+token and returns the Session, or
// trace.NotFound if the pair is invalid. An invalid or missing token
// must never resolve to a real session.
func (s *Store) AuthenticateSession(ctx context.Context, id, token string) (*Session, error) {
	if id == "" || token == "" {
		return nil, trace.NotFound("no session credentials presented")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, token, label, pid, source, created_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if sess.Token != token {
		return nil, trace.NotFound("session token mismatch")
	}
	return sess, nil
}

// GetSession returns a session by id without verifying its token, used by
// the control plane (which is already trusted via socket permissions).
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, token, label, pid, source, created_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// SessionCount returns the number of registered sessions (status method).
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, trace.Wrap(err)
}

// ActiveSessionID returns the id of the most recently registered
// session, or "" when none exist. The proxy attributes requests that
// arrive with no session headers at all (a CLI that only inherited the
// proxy env vars, not the header-injecting shim) to this session.
func (s *Store) ActiveSessionID(ctx context.Context) string {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if err != nil {
		return ""
	}
	return id
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		sess     Session
		pid      sql.NullInt64
		label    sql.NullString
		source   sql.NullString
		createdAtNano int64
	)
	if err := row.Scan(&sess.ID, &sess.Token, &label, &pid, &source, &createdAtNano); err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("session not found")
		}
		return nil, trace.Wrap(err)
	}
	sess.Label = label.String
	sess.PID = int(pid.Int64)
	sess.Source = source.String
	sess.CreatedAt = nanoToTime(createdAtNano)
	return &sess, nil
}

// resolveSessionID returns siphon.UnknownSessionID when id does not
// correspond to a real session. Orphan requests are recorded, never
// dropped: stray traffic is still worth inspecting.
func (s *Store) resolveSessionID(ctx context.Context, id string) string {
	if id == "" {
		return siphon.UnknownSessionID
	}
	if _, err := s.GetSession(ctx, id); err != nil {
		return siphon.UnknownSessionID
	}
	return id
}
