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
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/gravitational/trace"
)

// identityClaims is what ping signs: enough for a caller that already
// trusts the project CA to tell "the same daemon I expect" apart from
// "some other process holding this socket", without standing up a full
// session/auth scheme for a loopback control socket.
type identityClaims struct {
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

// signIdentity produces a compact JWS over claims, signed by the
// project CA's root key. The CA cert is already the thing clients are
// told to trust, so reusing it here avoids minting a second keypair
// just for this.
func signIdentity(key *ecdsa.PrivateKey, claims identityClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", trace.Wrap(err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return sig.CompactSerialize()
}

// VerifyIdentity checks a ping response's identity token against the
// project's CA certificate on disk (caCertPath), the same file any
// other client is already instructed to trust. Used by lib/daemon's
// startup version check to make sure a reporting process really is a
// siphond for this project before deciding to restart-vs-warn.
func VerifyIdentity(token, caCertPath string) (version string, pid int, err error) {
	certPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return "", 0, trace.ConvertSystemError(err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", 0, trace.BadParameter("no PEM block in %v", caCertPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", 0, trace.Wrap(err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return "", 0, trace.BadParameter("unexpected CA public key type %T", cert.PublicKey)
	}

	sig, err := jose.ParseSigned(token)
	if err != nil {
		return "", 0, trace.Wrap(err)
	}
	payload, err := sig.Verify(pub)
	if err != nil {
		return "", 0, trace.Wrap(err, "identity signature did not verify against project CA")
	}

	var claims identityClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", 0, trace.Wrap(err)
	}
	return claims.Version, claims.PID, nil
}
