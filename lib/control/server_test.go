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

package control

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/ca"
	"github.com/siphon-dev/siphon/lib/intercept"
	"github.com/siphon-dev/siphon/lib/replay"
	"github.com/siphon-dev/siphon/lib/store"
)

type testControl struct {
	srv    *Server
	store  *store.Store
	socket string
	dir    string
}

func newTestControl(t *testing.T) *testControl {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(store.Config{Path: filepath.Join(dir, "requests.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	caInst, err := ca.Load(ca.Config{
		KeyPath:  filepath.Join(dir, "ca-key.pem"),
		CertPath: filepath.Join(dir, "ca.pem"),
	})
	require.NoError(t, err)

	tracker, err := replay.New(replay.Config{})
	require.NoError(t, err)
	t.Cleanup(tracker.Close)

	interceptDir := filepath.Join(dir, "interceptors")
	require.NoError(t, os.MkdirAll(interceptDir, 0o700))
	reg, err := intercept.New(intercept.Config{Dir: interceptDir})
	require.NoError(t, err)

	socket := filepath.Join(dir, "control.sock")
	srv, err := New(Config{
		SocketPath:   socket,
		Store:        st,
		CA:           caInst,
		Replay:       tracker,
		Interceptors: reg,
		StartedAt:    time.Now(),
	})
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return &testControl{srv: srv, store: st, socket: socket, dir: dir}
}

func (tc *testControl) dial(t *testing.T) *Client {
	t.Helper()
	cl, err := Dial(context.Background(), tc.socket)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func TestSocketPermissionsAre0600(t *testing.T) {
	tc := newTestControl(t)
	info, err := os.Stat(tc.socket)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestPingReportsVersionWithVerifiableIdentity(t *testing.T) {
	tc := newTestControl(t)
	cl := tc.dial(t)

	var resp struct {
		Version  string `json:"version"`
		Identity string `json:"identity"`
	}
	require.NoError(t, cl.Call(context.Background(), "ping", nil, &resp))
	require.Equal(t, siphon.Version, resp.Version)
	require.NotEmpty(t, resp.Identity)

	version, pid, err := VerifyIdentity(resp.Identity, filepath.Join(tc.dir, "ca.pem"))
	require.NoError(t, err)
	require.Equal(t, siphon.Version, version)
	require.Equal(t, os.Getpid(), pid)
}

func TestUnknownMethodIsInvalidArgument(t *testing.T) {
	tc := newTestControl(t)
	cl := tc.dial(t)

	err := cl.Call(context.Background(), "noSuchMethod", nil, nil)
	require.Error(t, err)
	we, ok := err.(*WireError)
	require.True(t, ok, "wire errors must surface as *WireError, got %T", err)
	require.Equal(t, ErrInvalidArgument, we.Code)
}

func TestGetRequestMissingIsNotFound(t *testing.T) {
	tc := newTestControl(t)
	cl := tc.dial(t)

	err := cl.Call(context.Background(), "getRequest", map[string]string{"id": "01ZZZZZZZZZZZZZZZZZZZZZZZZ"}, nil)
	require.Error(t, err)
	we, ok := err.(*WireError)
	require.True(t, ok)
	require.Equal(t, ErrNotFound, we.Code)
}

func TestRegisterSessionReturnsUsableCredentials(t *testing.T) {
	tc := newTestControl(t)
	cl := tc.dial(t)
	ctx := context.Background()

	var resp struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	require.NoError(t, cl.Call(ctx, "registerSession", map[string]interface{}{
		"label": "shell", "source": "zsh", "pid": 42,
	}, &resp))
	require.NotEmpty(t, resp.ID)
	require.NotEmpty(t, resp.Token)

	sess, err := tc.store.AuthenticateSession(ctx, resp.ID, resp.Token)
	require.NoError(t, err)
	require.Equal(t, "shell", sess.Label)
}

func TestSaveClearAndDeltaOverTheWire(t *testing.T) {
	tc := newTestControl(t)
	cl := tc.dial(t)
	ctx := context.Background()

	var saved string
	for i := 0; i < 3; i++ {
		cr, err := tc.store.CreateRequest(ctx, store.NewRequest{
			Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/",
		})
		require.NoError(t, err)
		if i == 1 {
			saved = cr.ID
		}
	}
	require.NoError(t, cl.Call(ctx, "saveRequest", map[string]string{"id": saved}, nil))

	var cleared struct {
		Deleted int `json:"deleted"`
	}
	require.NoError(t, cl.Call(ctx, "clearRequests", nil, &cleared))
	require.Equal(t, 2, cleared.Deleted)

	var delta struct {
		Entries []json.RawMessage `json:"entries"`
		Cursor  int64             `json:"cursor"`
		HasMore bool              `json:"hasMore"`
	}
	require.NoError(t, cl.Call(ctx, "listRequestsSummaryDelta", map[string]interface{}{
		"cursor": 0, "limit": 100,
	}, &delta))
	require.Len(t, delta.Entries, 3)
	require.False(t, delta.HasMore)
	require.Greater(t, delta.Cursor, int64(0))
}

func TestSearchBodiesOverTheWire(t *testing.T) {
	tc := newTestControl(t)
	cl := tc.dial(t)
	ctx := context.Background()

	cr, err := tc.store.CreateRequest(ctx, store.NewRequest{
		Method: "POST", URL: "http://example.com/v1", Host: "example.com", Path: "/v1",
		Body: []byte("the needle is here"),
	})
	require.NoError(t, err)
	require.NoError(t, tc.store.RecordResponse(ctx, cr.ID, store.ResponsePatch{Status: 200}))

	var results []struct {
		ID string `json:"id"`
	}
	require.NoError(t, cl.Call(ctx, "searchBodies", map[string]interface{}{
		"query": "needle", "target": "request", "limit": 10,
	}, &results))
	require.Len(t, results, 1)
	require.Equal(t, cr.ID, results[0].ID)
}

func TestReloadPublishesPushEvent(t *testing.T) {
	tc := newTestControl(t)

	// A raw watcher connection: it never issues a request, it just
	// receives whatever the server pushes.
	watcher, err := net.Dial("unix", tc.socket)
	require.NoError(t, err)
	defer watcher.Close()

	// Give the server a moment to register the watcher's subscription
	// before triggering the event.
	time.Sleep(50 * time.Millisecond)

	cl := tc.dial(t)
	var resp struct {
		Loaded int `json:"loaded"`
		Failed int `json:"failed"`
	}
	require.NoError(t, cl.Call(context.Background(), "reloadInterceptors", nil, &resp))

	watcher.SetReadDeadline(time.Now().Add(5 * time.Second))
	dec := json.NewDecoder(watcher)
	var env Envelope
	require.NoError(t, dec.Decode(&env))
	require.Equal(t, KindEvent, env.Kind)
	require.Equal(t, "reload", env.Method)
}

func TestStatusCountsSessionsAndRequests(t *testing.T) {
	tc := newTestControl(t)
	cl := tc.dial(t)
	ctx := context.Background()

	_, err := tc.store.CreateSession(ctx, "s", "zsh", 1)
	require.NoError(t, err)
	_, err = tc.store.CreateRequest(ctx, store.NewRequest{Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
	require.NoError(t, err)

	var resp struct {
		Version      string `json:"version"`
		SessionCount int    `json:"sessionCount"`
		RequestCount int    `json:"requestCount"`
	}
	require.NoError(t, cl.Call(ctx, "status", nil, &resp))
	require.Equal(t, siphon.Version, resp.Version)
	require.Equal(t, 1, resp.SessionCount)
	require.Equal(t, 1, resp.RequestCount)
}
