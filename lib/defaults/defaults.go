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

// Package defaults centralizes the tunable constants so every
// component reads the same numbers, and config.json can override them
// in one place (lib/config).
package defaults

import "time"

const (
	// BodyCaptureLimit is the per-body capture cap; bytes past it are
	// forwarded but not stored.
	BodyCaptureLimit = 1 << 20 // 1 MiB

	// MaxStoredRequests is the retention cap on unsaved requests.
	MaxStoredRequests = 10_000

	// LeafCertCacheSize is the LRU capacity for minted leaf certificates.
	LeafCertCacheSize = 256

	// ReplayTokenTTL is how long an issued replay ticket remains valid.
	ReplayTokenTTL = 5 * time.Minute

	// ReplaySweepInterval is how often the replay tracker's periodic
	// eviction sweep runs.
	ReplaySweepInterval = 1 * time.Minute

	// InterceptorTimeout is the hard per-invocation deadline for a single
	// interceptor match/handle call.
	InterceptorTimeout = 1 * time.Second

	// ProxyRequestDeadline is the total per-request deadline enforced by
	// the proxy engine.
	ProxyRequestDeadline = 60 * time.Second

	// ControlMethodDeadline bounds how long a single control-plane method
	// call may run before the client sees a timeout error.
	ControlMethodDeadline = 10 * time.Second

	// ShutdownGracePeriod is how long the daemon waits for in-flight
	// captures to drain before hard-cancelling them.
	ShutdownGracePeriod = 2 * time.Second

	// StorageMaxRetries is the number of times a storage write is retried
	// before the request proceeds unpersisted.
	StorageMaxRetries = 3

	// StorageRetryBaseDelay seeds the exponential backoff between storage
	// write retries.
	StorageRetryBaseDelay = 25 * time.Millisecond

	// HandshakeReadDeadline bounds the TLS handshake on a freshly accepted
	// intercepted connection.
	HandshakeReadDeadline = 5 * time.Second

	// PreferredPortBindTimeout is how long the proxy listener waits while
	// trying the recorded preferred port before falling back to an
	// ephemeral one.
	PreferredPortBindTimeout = 250 * time.Millisecond

	// PollInterval is the default hint returned to clients for how often
	// they should re-poll listRequestsSummaryDelta.
	PollInterval = 1 * time.Second
)

// DirPerms and FilePerms are the filesystem modes used across the data
// directory. The control socket gets SocketPerms: filesystem
// permissions are its only access control.
const (
	DirPerms    = 0700
	FilePerms   = 0600
	SocketPerms = 0600
)
