/*
Copyright 2018-2019 Gravitational, Inc.

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

// Package siphon holds identifiers shared across every internal package:
// the protocol version, the header names the proxy strips on the way
// upstream, and the component tags used in log fields.
package siphon

import "fmt"

// Version is the daemon/control-protocol version. A client whose version
// disagrees with the running daemon's triggers the restart-or-warn path
// in cmd/siphond.
const Version = "1.0.0"

// Header names injected by the per-language runtime shim and stripped
// by the proxy before the request reaches upstream. Exact names are
// part of the environment contract with the shims and must never
// change silently.
const (
	// HeaderSessionID carries the session a captured request is attributed to.
	HeaderSessionID = "X-Siphon-Session-Id"
	// HeaderSessionToken is the session's bearer secret; it authenticates
	// HeaderSessionID and is never persisted in a CapturedRequest.
	HeaderSessionToken = "X-Siphon-Session-Token"
	// HeaderRuntime carries a hint about the shimmed runtime (node, python3, ...).
	HeaderRuntime = "X-Siphon-Runtime"
	// HeaderReplayToken carries a single-use token issued by replay.Tracker
	// for the control plane's replayRequest method.
	HeaderReplayToken = "X-Siphon-Replay-Token"
)

// InternalHeaders lists every header stripped from the forwarded request
// and from the response relayed back to the client. Order matches
// declaration order above and is stable for deterministic test output.
var InternalHeaders = []string{
	HeaderSessionID,
	HeaderSessionToken,
	HeaderRuntime,
	HeaderReplayToken,
}

// UnknownSessionID is the synthetic session every orphan
// CapturedRequest (no valid session token presented) is attributed to.
// Orphans are recorded, never dropped.
const UnknownSessionID = "unknown"

// Component returns a dotted component tag for log fields, e.g.
// Component("proxy", "https") -> "siphon.proxy.https".
func Component(names ...string) string {
	component := "siphon"
	for _, n := range names {
		component = fmt.Sprintf("%s.%s", component, n)
	}
	return component
}
