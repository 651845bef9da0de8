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

// Package daemon wires up the whole siphond process: resolve paths,
// load the CA, open storage, bind the control and proxy listeners,
// serve until signaled, and drain on shutdown. It also owns
// single-instance enforcement and the structured lifecycle audit log.
package daemon

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/ca"
	siphonconfig "github.com/siphon-dev/siphon/lib/config"
	"github.com/siphon-dev/siphon/lib/control"
	"github.com/siphon-dev/siphon/lib/defaults"
	"github.com/siphon-dev/siphon/lib/intercept"
	"github.com/siphon-dev/siphon/lib/logutil"
	"github.com/siphon-dev/siphon/lib/paths"
	"github.com/siphon-dev/siphon/lib/proxy"
	"github.com/siphon-dev/siphon/lib/replay"
	"github.com/siphon-dev/siphon/lib/store"
)

// Options configures the Daemon that New builds.
type Options struct {
	// ProjectDir is where path resolution begins walking upward from.
	ProjectDir string
	// OverrideDataDir, if set, bypasses project-root discovery entirely.
	OverrideDataDir string

	Clock clockwork.Clock
}

// Daemon is a fully wired, not-yet-serving siphond instance.
type Daemon struct {
	paths *paths.Paths
	cfg   siphonconfig.Config
	lock  *flock.Flock
	log   *logrus.Logger

	store        *store.Store
	caInst       *ca.CA
	replayTracker *replay.Tracker
	interceptors *intercept.Registry
	proxyEngine  *proxy.Engine
	controlSrv   *control.Server

	auditLog *os.File
	startedAt time.Time
}

// New resolves paths, acquires the single-instance lock, and wires every
// component in dependency order (A: paths -> B: CA -> C: store ->
// D: replay -> E: interceptors -> F: proxy -> G: control). The proxy
// listener and the control socket are bound here, but no connection is
// accepted until Serve is called.
func New(opts Options) (*Daemon, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	p, err := paths.Resolve(opts.ProjectDir, opts.OverrideDataDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.EnsureDataDir(); err != nil {
		return nil, trace.Wrap(err)
	}

	d := &Daemon{paths: p, startedAt: opts.Clock.Now()}

	lock, stalePID, err := acquireSingleInstance(p.PIDFile())
	if err != nil {
		return nil, trace.Wrap(err, "another siphond instance appears to be running (pid file %v)", p.PIDFile())
	}
	d.lock = lock

	rawCfg, err := siphonconfig.Load(p.ConfigFile())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.cfg = rawCfg.WithDefaults()

	if err := logutil.InitLogger(logutil.Config{Purpose: logutil.ForDaemon, LogFile: p.LogFile(), Level: logrus.GetLevel(), Debug: logrus.GetLevel() == logrus.DebugLevel}); err != nil {
		return nil, trace.Wrap(err)
	}
	d.log = logrus.StandardLogger()
	if stalePID > 0 {
		d.log.WithField("stale_pid", stalePID).Warn("recovered stale pid file from a previous unclean shutdown")
	}

	if d.auditLog, err = os.OpenFile(p.DaemonAuditLog(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaults.FilePerms); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	caInst, err := ca.Load(ca.Config{KeyPath: p.CAKey(), CertPath: p.CACert(), Log: d.log.WithField(trace.Component, siphon.Component("ca"))})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.caInst = caInst

	st, err := store.Open(store.Config{
		Path:              p.Database(),
		MaxStoredRequests: d.cfg.MaxStoredRequests,
		Clock:             opts.Clock,
		Log:               d.log.WithField(trace.Component, siphon.Component("store")),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.store = st

	rt, err := replay.New(replay.Config{TTL: d.cfg.ReplayTokenTTL(), Clock: opts.Clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.replayTracker = rt

	reg, err := intercept.New(intercept.Config{
		Dir:     p.InterceptorDir(),
		Timeout: d.cfg.InterceptorTimeout(),
		Log:     d.log.WithField(trace.Component, siphon.Component("intercept")),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.interceptors = reg

	engine, err := proxy.New(proxy.Config{
		Store:             st,
		CA:                caInst,
		Replay:            rt,
		Interceptors:      reg,
		PortFile:          p.ProxyPortFile(),
		PreferredPortFile: p.PreferredPortFile(),
		BodyCaptureLimit:  d.cfg.BodyCaptureLimit,
		Clock:             opts.Clock,
		Log:               d.log.WithField(trace.Component, siphon.Component("proxy")),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.proxyEngine = engine

	srv, err := control.New(control.Config{
		SocketPath:     p.ControlSocket(),
		Store:          st,
		CA:             caInst,
		Replay:         rt,
		Interceptors:   reg,
		Proxy:          engine,
		StartedAt:      d.startedAt,
		MethodDeadline: defaults.ControlMethodDeadline,
		Log:            d.log.WithField(trace.Component, siphon.Component("control")),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.controlSrv = srv

	// Runtime interceptor failures become push events on the control
	// socket, so a watching TUI learns about a broken rule without
	// tailing the daemon log.
	reg.OnError(srv.PublishInterceptorError)

	return d, nil
}

// Serve blocks, running the proxy and control listeners until ctx is
// canceled (SIGINT/SIGTERM in cmd/siphond), then drains and shuts down.
func (d *Daemon) Serve(ctx context.Context) error {
	d.writeAuditEvent("started", map[string]interface{}{
		"version":    siphon.Version,
		"proxyAddr":  d.proxyEngine.Addr().String(),
		"controlSocket": d.paths.ControlSocket(),
	})

	errCh := make(chan error, 2)
	go func() { errCh <- d.proxyEngine.Serve() }()
	go func() { errCh <- d.controlSrv.Serve() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			d.log.WithError(err).Error("listener exited unexpectedly")
		}
	}

	return d.Shutdown()
}

// Shutdown drains in-flight work on both listeners, flushes storage,
// and releases the single-instance lock.
func (d *Daemon) Shutdown() error {
	d.writeAuditEvent("stopping", nil)

	var errs []error
	if err := d.controlSrv.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.proxyEngine.Close(); err != nil {
		errs = append(errs, err)
	}
	d.replayTracker.Close()
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}

	d.writeAuditEvent("stopped", nil)
	if d.auditLog != nil {
		d.auditLog.Close()
	}
	releaseSingleInstance(d.lock, d.paths.PIDFile())

	if len(errs) > 0 {
		return trace.Wrap(errs[0])
	}
	return nil
}

// ControlSocket and ProxyAddr expose the bound endpoints for cmd/siphond
// to log/print at startup.
func (d *Daemon) ControlSocket() string { return d.paths.ControlSocket() }
func (d *Daemon) ProxyAddr() string     { return d.proxyEngine.Addr().String() }

func (d *Daemon) writeAuditEvent(kind string, fields map[string]interface{}) {
	if d.auditLog == nil {
		return
	}
	entry := map[string]interface{}{
		"time": time.Now().UTC().Format(time.RFC3339Nano),
		"kind": kind,
	}
	for k, v := range fields {
		entry[k] = v
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = d.auditLog.Write(line)
}

// acquireSingleInstance enforces one daemon per data directory: a held
// flock on the pid file means another instance is live.
// A pid file present but unlocked (the owning process died without
// cleaning up) is recovered automatically; its stale pid is returned for
// logging.
func acquireSingleInstance(pidPath string) (*flock.Flock, int, error) {
	lock := flock.New(pidPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	if !locked {
		return nil, 0, trace.AlreadyExists("siphond is already running for this project")
	}

	stalePID := 0
	if data, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil {
			stalePID = pid
		}
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), defaults.FilePerms); err != nil {
		lock.Unlock()
		return nil, 0, trace.ConvertSystemError(err)
	}
	return lock, stalePID, nil
}

func releaseSingleInstance(lock *flock.Flock, pidPath string) {
	if lock == nil {
		return
	}
	lock.Unlock()
	os.Remove(pidPath)
}

// CheckVersion connects to an already-running daemon's control socket
// and returns the version it reports, feeding the restart-or-warn
// decision at startup. trace.ConnectionProblem means no daemon is
// currently running for this project.
//
// If caCertPath is non-empty and the response carries a signed identity,
// the signature is checked against that CA cert before the reported
// version is trusted -- the pid file alone only tells us something is
// listening on the socket, not that it's actually a siphond for this
// project.
func CheckVersion(ctx context.Context, socketPath, caCertPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.ControlMethodDeadline)
	defer cancel()

	cl, err := control.Dial(ctx, socketPath)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer cl.Close()

	var resp struct {
		Version  string `json:"version"`
		Identity string `json:"identity,omitempty"`
	}
	if err := cl.Call(ctx, "ping", nil, &resp); err != nil {
		return "", trace.Wrap(err)
	}

	if resp.Identity != "" && caCertPath != "" {
		version, _, err := control.VerifyIdentity(resp.Identity, caCertPath)
		if err != nil {
			return "", trace.Wrap(err, "refusing to trust ping response")
		}
		return version, nil
	}
	return resp.Version, nil
}
