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

// Package replay implements the replay ticket tracker: a short-lived,
// single-use mapping from an opaque token to the id of the
// CapturedRequest it replays.
package replay

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"
	"github.com/jonboulle/clockwork"

	"github.com/siphon-dev/siphon/lib/defaults"
)

// Tracker issues and consumes replay tickets. Tokens are single-use: a
// successful Consume removes the entry, so replaying the same ticket
// twice is rejected on the second attempt.
type Tracker struct {
	mu      sync.Mutex
	tm      *ttlmap.TTLMap
	results *ttlmap.TTLMap
	clock   clockwork.Clock
	ttl     time.Duration

	stopSweep chan struct{}
}

// Config configures a Tracker.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Capacity      int
	Clock         clockwork.Clock
}

// New builds a Tracker and starts its periodic eviction sweep.
func New(cfg Config) (*Tracker, error) {
	if cfg.TTL == 0 {
		cfg.TTL = defaults.ReplayTokenTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.ReplaySweepInterval
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 4096
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	tm, err := ttlmap.New(cfg.Capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	results, err := ttlmap.New(cfg.Capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	t := &Tracker{
		tm:        tm,
		results:   results,
		clock:     cfg.Clock,
		ttl:       cfg.TTL,
		stopSweep: make(chan struct{}),
	}
	go t.sweepLoop(cfg.SweepInterval)
	return t, nil
}

// Issue mints a fresh token bound to requestID, valid for the tracker's
// configured TTL, and returns the token. Tokens are 128 bits of
// crypto/rand, base64url-encoded.
func (t *Tracker) Issue(requestID string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", trace.Wrap(err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.tm.Set(token, requestID, t.ttl); err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Consume resolves token to the CapturedRequest id it was issued for and
// removes the entry, so a token is usable exactly once. Returns
// trace.NotFound for an unknown, expired, or already-consumed token.
func (t *Tracker) Consume(token string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	val, ok := t.tm.Get(token)
	if !ok {
		return "", trace.NotFound("replay token not found or expired")
	}
	t.tm.Remove(token)

	requestID, ok := val.(string)
	if !ok {
		return "", trace.BadParameter("replay token mapped to unexpected value type")
	}
	return requestID, nil
}

// RecordResult links token to the id of the CapturedRequest the proxy
// minted while replaying it, so the control plane (which issued the
// token but does not see the in-flight capture) can look the new id up
// once the replay's HTTP round trip completes. This is a distinct
// short-lived side channel from the token->originalID mapping Consume
// reads: by the time Consume runs, the replay's own id does not exist
// yet.
func (t *Tracker) RecordResult(token, newRequestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.results.Set(token, newRequestID, t.ttl)
}

// Result retrieves and clears the new request id RecordResult stored for
// token, or returns false if none was ever recorded (e.g. the replayed
// request is still in flight, or the token expired before reporting).
func (t *Tracker) Result(token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	val, ok := t.results.Get(token)
	if !ok {
		return "", false
	}
	t.results.Remove(token)
	id, ok := val.(string)
	return id, ok
}

// Close stops the background sweep goroutine.
func (t *Tracker) Close() {
	close(t.stopSweep)
}

// sweepLoop provides periodic eviction beyond the lazy expiry ttlmap
// already performs on Get: without it, tokens that are issued and never
// consumed would stay resident until the map fills up.
func (t *Tracker) sweepLoop(interval time.Duration) {
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopSweep:
			return
		case <-ticker.Chan():
			t.mu.Lock()
			t.tm.RemoveExpired(t.tm.Len())
			t.results.RemoveExpired(t.results.Len())
			t.mu.Unlock()
		}
	}
}
