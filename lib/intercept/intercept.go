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

// Package intercept implements the interceptor registry: best-effort
// loading of per-project interceptor rules, an atomically swapped live
// registry, and the bounded, panic-safe invocation contract every
// capture runs its registered interceptors under.
package intercept

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/defaults"
	"github.com/siphon-dev/siphon/lib/store"
)

// Outcome is what a Handler decided to do with a request.
type Outcome int

const (
	// OutcomePass leaves the request/response untouched.
	OutcomePass Outcome = iota
	// OutcomeMock short-circuits the upstream round trip entirely.
	OutcomeMock
	// OutcomeModify rewrites the request (before dispatch) or response
	// (after dispatch) in place and lets the transaction continue.
	OutcomeModify
)

// Decision is what MatchRequest/MatchResponse returns: whether the
// interceptor wants to act, and if so, what outcome and replacement value.
type Decision struct {
	Outcome  Outcome
	Request  *RequestView
	Response *ResponseView
}

// RequestView and ResponseView are the mutable surfaces interceptors act
// on/against a CapturedRequest in flight.
type RequestView struct {
	Method  string
	URL     string
	Headers *store.Headers
	Body    []byte
}

type ResponseView struct {
	Status  int
	Headers *store.Headers
	Body    []byte
}

// Handler is the contract a loaded interceptor implements. MatchRequest
// is mandatory; an interceptor that only cares about requests returns
// nil decisions from MatchResponse.
type Handler interface {
	Name() string
	MatchRequest(ctx context.Context, req *RequestView) (*Decision, error)
	MatchResponse(ctx context.Context, req *RequestView, resp *ResponseView) (*Decision, error)
}

// LoadError captures one interceptor's failure to load, kept alongside
// a successfully loaded registry rather than aborting the whole load:
// one bad file must not disable every other interceptor.
type LoadError struct {
	Path string
	Err  error
}

// entry pairs a loaded Handler with the file it came from, for status
// reporting and reloadInterceptors diagnostics.
type entry struct {
	path    string
	handler Handler
}

// registry is the immutable snapshot swapped in by Reload.
type registry struct {
	entries []entry
	errs    []LoadError
}

// Registry holds the live, atomically-swapped set of loaded interceptors.
// Readers (the proxy engine's capture path) always see a fully-formed
// registry or its predecessor, never a partial reload.
type Registry struct {
	dir     string
	timeout time.Duration
	log     logrus.FieldLogger
	onError atomic.Pointer[func(name string, err error)]
	current atomic.Pointer[registry]
}

// Config configures a Registry.
type Config struct {
	// Dir is the directory scanned for interceptor rule files.
	Dir string
	// Timeout is the hard per-invocation deadline for a single
	// MatchRequest/MatchResponse call.
	Timeout time.Duration
	Log     logrus.FieldLogger
}

// New constructs a Registry rooted at cfg.Dir and performs an initial
// load.
func New(cfg Config) (*Registry, error) {
	if cfg.Dir == "" {
		return nil, trace.BadParameter("missing parameter Dir")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.InterceptorTimeout
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithField(trace.Component, siphon.Component("intercept"))
	}
	r := &Registry{dir: cfg.Dir, timeout: cfg.Timeout, log: cfg.Log}
	r.current.Store(&registry{})
	if err := r.Reload(); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// OnError registers fn to be called whenever an interceptor fails at
// runtime (panic, timeout, or returned error) or fails to load during
// Reload. The control plane uses this to publish interceptor-error push
// events; dispatch never fails a request over it.
func (r *Registry) OnError(fn func(name string, err error)) {
	r.onError.Store(&fn)
}

func (r *Registry) reportError(name string, err error) {
	if fn := r.onError.Load(); fn != nil {
		(*fn)(name, err)
	}
}

// Reload re-scans dir, builds a new registry snapshot, and atomically
// swaps it in. Per-entry failures are recorded in LoadErrors() rather
// than failing the reload as a whole.
func (r *Registry) Reload() error {
	next := &registry{}

	paths, err := discoverSources(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.current.Store(next)
			return nil
		}
		return trace.Wrap(err)
	}

	for _, p := range paths {
		h, err := load(p)
		if err != nil {
			next.errs = append(next.errs, LoadError{Path: p, Err: err})
			r.log.WithError(err).WithField("path", p).Warn("failed to load interceptor")
			r.reportError(filepath.Base(p), err)
			continue
		}
		next.entries = append(next.entries, entry{path: p, handler: h})
	}

	r.current.Store(next)
	return nil
}

// Names returns the names of every currently loaded interceptor, in
// load order (lexical by file path, so reloads are deterministic).
func (r *Registry) Names() []string {
	snap := r.current.Load()
	out := make([]string, 0, len(snap.entries))
	for _, e := range snap.entries {
		out = append(out, e.handler.Name())
	}
	return out
}

// LoadErrors returns the per-entry failures from the most recent Reload.
func (r *Registry) LoadErrors() []LoadError {
	return r.current.Load().errs
}

// DispatchRequest runs every loaded interceptor's MatchRequest against
// req, in registration order, stopping at the first non-pass Decision.
// Each call is bounded by the registry timeout and recovers from panics,
// converting either into a skipped (pass) interceptor plus an error
// event: one misbehaving interceptor must never stall or crash the
// proxy.
func (r *Registry) DispatchRequest(ctx context.Context, req *RequestView) (string, *Decision) {
	snap := r.current.Load()
	for _, e := range snap.entries {
		dec, err := r.invoke(ctx, e, func(ctx context.Context) (*Decision, error) {
			return e.handler.MatchRequest(ctx, req)
		})
		if err != nil {
			r.log.WithError(err).WithField("interceptor", e.handler.Name()).Error("interceptor request match failed")
			r.reportError(e.handler.Name(), err)
			continue
		}
		if dec != nil && dec.Outcome != OutcomePass {
			return e.handler.Name(), dec
		}
	}
	return "", nil
}

// DispatchResponse mirrors DispatchRequest for the response phase, after
// the upstream round trip (or a mock) has produced resp.
func (r *Registry) DispatchResponse(ctx context.Context, req *RequestView, resp *ResponseView) (string, *Decision) {
	snap := r.current.Load()
	for _, e := range snap.entries {
		dec, err := r.invoke(ctx, e, func(ctx context.Context) (*Decision, error) {
			return e.handler.MatchResponse(ctx, req, resp)
		})
		if err != nil {
			r.log.WithError(err).WithField("interceptor", e.handler.Name()).Error("interceptor response match failed")
			r.reportError(e.handler.Name(), err)
			continue
		}
		if dec != nil && dec.Outcome != OutcomePass {
			return e.handler.Name(), dec
		}
	}
	return "", nil
}

// invoke runs one handler call on its own goroutine with the registry's
// hard deadline and a panic boundary. On timeout the goroutine is left
// to finish on its own; its result is discarded.
func (r *Registry) invoke(ctx context.Context, e entry, call func(ctx context.Context) (*Decision, error)) (*Decision, error) {
	timeout := r.timeout
	if timeout == 0 {
		timeout = defaults.InterceptorTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		dec *Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res = result{err: trace.BadParameter("interceptor %v panicked: %v", e.handler.Name(), p)}
			}
			done <- res
		}()
		res.dec, res.err = call(ctx)
	}()

	select {
	case res := <-done:
		return res.dec, trace.Wrap(res.err)
	case <-ctx.Done():
		return nil, trace.LimitExceeded("interceptor %v exceeded %v timeout", e.handler.Name(), timeout)
	}
}

func discoverSources(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// load builds a Handler from a single interceptor source file. Rules
// are declarative YAML rather than embedded script: parsing a matcher
// description keeps the 1-second invocation budget trivially
// enforceable and crash containment a non-problem for the common case.
// See ruleHandler for the supported shape.
func load(path string) (Handler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	rule, err := parseRule(data)
	if err != nil {
		return nil, trace.Wrap(err, "parsing %v", path)
	}
	name := rule.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &ruleHandler{name: name, rule: rule}, nil
}
