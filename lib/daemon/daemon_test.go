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

package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/paths"
)

func TestAcquireSingleInstanceWritesCurrentPID(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "siphond.pid")

	lock, stalePID, err := acquireSingleInstance(pidPath)
	require.NoError(t, err)
	require.Equal(t, 0, stalePID, "no pre-existing pid file means nothing stale to report")

	data, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)

	releaseSingleInstance(lock, pidPath)
	_, err = os.Stat(pidPath)
	require.True(t, os.IsNotExist(err), "releasing the lock removes the pid file")
}

func TestAcquireSingleInstanceRecoversStalePID(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "siphond.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("999999"), 0o644))

	lock, stalePID, err := acquireSingleInstance(pidPath)
	require.NoError(t, err)
	require.Equal(t, 999999, stalePID)
	releaseSingleInstance(lock, pidPath)
}

func TestAcquireSingleInstanceRejectsAlreadyHeldLock(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "siphond.pid")

	lock, _, err := acquireSingleInstance(pidPath)
	require.NoError(t, err)
	defer releaseSingleInstance(lock, pidPath)

	_, _, err = acquireSingleInstance(pidPath)
	require.Error(t, err)
}

func TestDaemonLifecycle(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), ".siphon")

	d, err := New(Options{OverrideDataDir: dataDir})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx) }()

	p, err := paths.Resolve("", dataDir)
	require.NoError(t, err)

	// The rendezvous files exist once the daemon is wired.
	for _, path := range []string{p.ProxyPortFile(), p.PIDFile(), p.CACert(), p.Database()} {
		_, err := os.Stat(path)
		require.NoError(t, err, "expected %v to exist", path)
	}

	// The running daemon answers the version handshake with a signed
	// identity that verifies against this project's CA.
	version, err := CheckVersion(ctx, p.ControlSocket(), p.CACert())
	require.NoError(t, err)
	require.Equal(t, siphon.Version, version)

	// A second instance against the same data directory is refused while
	// the first holds the lock.
	_, err = New(Options{OverrideDataDir: dataDir})
	require.Error(t, err)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down within the grace window")
	}

	// Shutdown unlinks the rendezvous files and leaves an audit trail.
	_, err = os.Stat(p.PIDFile())
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(p.ControlSocket())
	require.True(t, os.IsNotExist(err))

	auditFile, err := os.Open(p.DaemonAuditLog())
	require.NoError(t, err)
	defer auditFile.Close()

	var kinds []string
	scanner := bufio.NewScanner(auditFile)
	for scanner.Scan() {
		var entry struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		kinds = append(kinds, entry.Kind)
	}
	require.Equal(t, []string{"started", "stopping", "stopped"}, kinds)
}

func TestCheckVersionNoDaemonIsConnectionProblem(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "control.sock")
	_, err := CheckVersion(context.Background(), socket, "")
	require.Error(t, err)
}
