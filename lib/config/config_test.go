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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siphon-dev/siphon/lib/defaults"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	cfg2 := cfg.WithDefaults()
	require.Equal(t, defaults.MaxStoredRequests, cfg2.MaxStoredRequests)
	require.Equal(t, defaults.BodyCaptureLimit, cfg2.BodyCaptureLimit)
}

func TestLoadUnknownKeysIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"maxStoredRequests": 50, "somethingElse": true}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.MaxStoredRequests)

	cfg2 := cfg.WithDefaults()
	require.Equal(t, 50, cfg2.MaxStoredRequests)
	require.Equal(t, defaults.BodyCaptureLimit, cfg2.BodyCaptureLimit)
}

func TestLoadMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
