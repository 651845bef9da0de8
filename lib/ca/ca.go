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

// Package ca implements the per-project certificate authority: a
// self-signed root persisted alongside the rest of a project's state,
// and an LRU-cached leaf minter used to terminate intercepted TLS
// connections.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/defaults"

	"github.com/gravitational/trace"
)

// CA mints leaf certificates signed by a per-project root, caching the
// results so a busy host isn't re-signed on every connection.
type CA struct {
	log logrus.FieldLogger

	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	rootRaw  []byte // DER, for writing out and for tls.Certificate.Certificate[0]

	mu    sync.Mutex
	cache *lru.Cache
}

// Config points Load at the on-disk key/cert pair (ca-key.pem and
// ca.pem under the project's data directory).
type Config struct {
	KeyPath  string
	CertPath string
	Log      logrus.FieldLogger
}

// Load reads an existing CA keypair, or mints and persists a new one if
// absent. Any failure here is fatal to the daemon: a proxy that cannot
// sign leaf certificates cannot intercept anything.
func Load(cfg Config) (*CA, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.WithField(trace.Component, siphon.Component("ca"))
	}
	cache, err := lru.New(defaults.LeafCertCacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c := &CA{log: cfg.Log, cache: cache}

	if fileExists(cfg.KeyPath) && fileExists(cfg.CertPath) {
		if err := c.loadExisting(cfg.KeyPath, cfg.CertPath); err != nil {
			return nil, trace.Wrap(err, "loading existing CA at %v / %v", cfg.KeyPath, cfg.CertPath)
		}
		return c, nil
	}

	if err := c.generate(); err != nil {
		return nil, trace.Wrap(err, "generating CA")
	}
	if err := c.persist(cfg.KeyPath, cfg.CertPath); err != nil {
		return nil, trace.Wrap(err, "persisting CA to %v / %v", cfg.KeyPath, cfg.CertPath)
	}
	return c, nil
}

// RootCertPEM returns the root certificate in PEM form, for clients to
// trust (e.g. importing into a browser or system trust store).
func (c *CA) RootCertPEM() []byte {
	return pemEncode("CERTIFICATE", c.rootRaw)
}

// RootNotAfter returns the root certificate's expiry, surfaced by the
// control plane's doctor diagnostics.
func (c *CA) RootNotAfter() time.Time {
	return c.rootCert.NotAfter
}

// RootPrivateKey returns the project's root signing key, for components
// that need to produce something a holder of RootCertPEM can verify
// (lib/control's signed version handshake) without minting a full leaf
// certificate for it.
func (c *CA) RootPrivateKey() *ecdsa.PrivateKey {
	return c.rootKey
}

// LeafFor returns a tls.Certificate for host, signed by the root and
// served for intercepted connections to that host. Results are cached by
// host; cache misses mint a fresh leaf under c.mu.
func (c *CA) LeafFor(host string) (*tls.Certificate, error) {
	if v, ok := c.cache.Get(host); ok {
		return v.(*tls.Certificate), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache.Get(host); ok {
		return v.(*tls.Certificate), nil
	}

	leaf, err := c.mintLeaf(host)
	if err != nil {
		// A leaf-mint failure is reported to the client as a 502, never
		// silently downgraded to plaintext.
		return nil, trace.Wrap(err, "minting leaf certificate for %v", host)
	}
	c.cache.Add(host, leaf)
	return leaf, nil
}

func (c *CA) mintLeaf(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host, Organization: []string{"siphon intercepted traffic"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.rootCert, &key.PublicKey, c.rootKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, c.rootRaw},
		PrivateKey:  key,
	}, nil
}

func (c *CA) generate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return trace.Wrap(err)
	}
	serial, err := randomSerial()
	if err != nil {
		return trace.Wrap(err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "siphon local interception root", Organization: []string{"siphon"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return trace.Wrap(err)
	}
	c.rootKey = key
	c.rootCert = cert
	c.rootRaw = der
	return nil
}

func (c *CA) loadExisting(keyPath, certPath string) error {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	key, err := decodeECKey(keyPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	der, err := decodeCertDER(certPEM)
	if err != nil {
		return trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return trace.Wrap(err)
	}
	c.rootKey = key
	c.rootCert = cert
	c.rootRaw = der
	return nil
}

func (c *CA) persist(keyPath, certPath string) error {
	keyDER, err := x509.MarshalECPrivateKey(c.rootKey)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(keyPath, pemEncode("EC PRIVATE KEY", keyDER), defaults.FilePerms); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(certPath, pemEncode("CERTIFICATE", c.rootRaw), defaults.FilePerms); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return serial, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
