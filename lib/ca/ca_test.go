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

package ca

import (
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tmpConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{KeyPath: filepath.Join(dir, "ca-key.pem"), CertPath: filepath.Join(dir, "ca-cert.pem")}
}

func TestLoadGeneratesAndPersistsRoot(t *testing.T) {
	cfg := tmpConfig(t)

	first, err := Load(cfg)
	require.NoError(t, err)
	require.True(t, fileExists(cfg.KeyPath))
	require.True(t, fileExists(cfg.CertPath))

	second, err := Load(cfg)
	require.NoError(t, err)
	require.Equal(t, first.RootCertPEM(), second.RootCertPEM(), "a second Load must read back the persisted root, not mint a new one")
}

func TestLeafForIsCachedPerHost(t *testing.T) {
	c, err := Load(tmpConfig(t))
	require.NoError(t, err)

	leaf1, err := c.LeafFor("example.com")
	require.NoError(t, err)
	leaf2, err := c.LeafFor("example.com")
	require.NoError(t, err)
	require.Same(t, leaf1, leaf2, "repeated LeafFor calls for the same host must hit the cache")

	leafOther, err := c.LeafFor("other.example.com")
	require.NoError(t, err)
	require.NotSame(t, leaf1, leafOther)
}

func TestLeafCertificateIsSignedByRoot(t *testing.T) {
	c, err := Load(tmpConfig(t))
	require.NoError(t, err)

	leaf, err := c.LeafFor("leaf.example.com")
	require.NoError(t, err)
	require.Len(t, leaf.Certificate, 2, "leaf chain must include the root for clients that don't already trust it")

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	require.NoError(t, parsed.CheckSignatureFrom(c.rootCert))
}

func TestRootPrivateKeyMatchesPersistedCert(t *testing.T) {
	c, err := Load(tmpConfig(t))
	require.NoError(t, err)
	require.NotNil(t, c.RootPrivateKey())
	require.Equal(t, c.rootKey.PublicKey, c.RootPrivateKey().PublicKey)
	require.True(t, c.RootPrivateKey().PublicKey.Equal(c.rootCert.PublicKey))
}
