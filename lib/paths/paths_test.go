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

package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveExplicitOverrideBypassesWalk(t *testing.T) {
	dir := t.TempDir()
	p, err := Resolve("/somewhere/irrelevant", filepath.Join(dir, ".siphon"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".siphon"), p.Data)
}

func TestResolveGlobalOverrideWinsOverExplicit(t *testing.T) {
	dir := t.TempDir()
	SetGlobalOverride(filepath.Join(dir, "global"))
	defer SetGlobalOverride("")

	p, err := Resolve("/irrelevant", filepath.Join(dir, "explicit"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "global"), p.Data)
}

func TestResolveWalksUpToGitMarker(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	p, err := Resolve(nested, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, DataDirName), p.Data)
}

func TestResolveWalksUpToExistingDataDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, DataDirName), 0o755))
	nested := filepath.Join(root, "sub")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	p, err := Resolve(nested, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, DataDirName), p.Data)
}

func TestEnsureDataDirCreatesExpectedSubtree(t *testing.T) {
	dir := t.TempDir()
	p, err := Resolve("ignored", filepath.Join(dir, ".siphon"))
	require.NoError(t, err)
	require.False(t, p.Exists())

	require.NoError(t, p.EnsureDataDir())
	require.True(t, p.Exists())

	for _, sub := range []string{p.InterceptorDir(), p.BrowserProfileDir(), p.OverrideDir("node"), p.OverrideDir("python")} {
		info, err := os.Stat(sub)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestNamedPathsAreUnderData(t *testing.T) {
	dir := t.TempDir()
	p, err := Resolve("ignored", filepath.Join(dir, ".siphon"))
	require.NoError(t, err)

	for _, path := range []string{
		p.ProxyPortFile(), p.PreferredPortFile(), p.ControlSocket(), p.Database(),
		p.CAKey(), p.CACert(), p.PIDFile(), p.LogFile(), p.DaemonAuditLog(), p.ConfigFile(),
	} {
		require.True(t, strings.HasPrefix(path, p.Data) || filepath.Dir(path) == p.Data)
	}
}
