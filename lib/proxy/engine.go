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

// Package proxy is the interception proxy engine: an explicit HTTP(S)
// proxy that terminates CONNECT tunnels with a minted per-host leaf
// certificate, captures every request/response into the storage engine,
// and gives the interceptor registry first refusal on each transaction.
package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/oxy/forward"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/ca"
	"github.com/siphon-dev/siphon/lib/defaults"
	"github.com/siphon-dev/siphon/lib/intercept"
	"github.com/siphon-dev/siphon/lib/replay"
	"github.com/siphon-dev/siphon/lib/store"
	"github.com/siphon-dev/siphon/lib/utils"
)

// Config configures an Engine.
type Config struct {
	Store        *store.Store
	CA           *ca.CA
	Replay       *replay.Tracker
	Interceptors *intercept.Registry

	// PortFile is where the bound port is recorded for client discovery.
	// PreferredPortFile, when present, hints which port to try binding
	// first; the last bound port is used as a second-choice hint.
	PortFile          string
	PreferredPortFile string
	BodyCaptureLimit  int
	RequestDeadline   time.Duration

	// UpstreamTLS overrides the TLS config used for outbound connections
	// to real upstreams. Nil means the system trust store; tests and
	// environments behind a corporate MITM chain supply their own.
	UpstreamTLS *tls.Config

	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.CA == nil {
		return trace.BadParameter("missing parameter CA")
	}
	if c.Interceptors == nil {
		return trace.BadParameter("missing parameter Interceptors")
	}
	if c.BodyCaptureLimit == 0 {
		c.BodyCaptureLimit = defaults.BodyCaptureLimit
	}
	if c.RequestDeadline == 0 {
		c.RequestDeadline = defaults.ProxyRequestDeadline
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, siphon.Component("proxy"))
	}
	return nil
}

// Engine is the running proxy listener plus its upstream forwarder.
// bufPool backs response recording; slicePool hands out the fixed-size
// request-body capture sinks.
type Engine struct {
	cfg       Config
	fwd       *forward.Forwarder
	bufPool   *utils.BufferSyncPool
	slicePool *utils.SliceSyncPool

	listener net.Listener

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New builds an Engine and binds its listener, writing the resolved port
// to cfg.PortFile. The listener is not yet accepting connections until
// Serve is called.
func New(cfg Config) (*Engine, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	transport := &http.Transport{
		Proxy:             nil,
		ForceAttemptHTTP2: true,
		MaxIdleConns:      100,
		IdleConnTimeout:   90 * time.Second,
		TLSClientConfig:   cfg.UpstreamTLS,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		cfg.Log.WithError(err).Warn("failed to configure HTTP/2 transport, continuing HTTP/1.1-only")
	}

	fwd, err := forward.New(forward.RoundTripper(transport), forward.PassHostHeader(true))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	l, err := listen(preferredPort(cfg.PreferredPortFile, cfg.PortFile))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := writePortFile(cfg.PortFile, l); err != nil {
		l.Close()
		return nil, trace.Wrap(err)
	}

	return &Engine{
		cfg:       cfg,
		fwd:       fwd,
		bufPool:   utils.NewBufferSyncPool(int64(cfg.BodyCaptureLimit)),
		slicePool: utils.NewSliceSyncPool(int64(cfg.BodyCaptureLimit)),
		listener:  l,
		closeCh:   make(chan struct{}),
	}, nil
}

// Addr returns the bound listener address.
func (e *Engine) Addr() net.Addr { return e.listener.Addr() }

// Serve accepts connections until Close is called.
func (e *Engine) Serve() error {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.closeCh:
				return nil
			default:
				return trace.Wrap(err)
			}
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConnection(conn)
		}()
	}
}

// Close stops accepting new connections and waits up to
// defaults.ShutdownGracePeriod for in-flight captures to finish.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closeCh) })
	err := e.listener.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaults.ShutdownGracePeriod):
		e.cfg.Log.Warn("shutdown grace period elapsed with captures still in flight")
	}
	return trace.Wrap(err)
}

// handleConnection reads one HTTP/1.1 request line off conn to decide
// between a CONNECT (HTTPS) tunnel and a plain absolute-URI HTTP proxy
// request.
func (e *Engine) handleConnection(conn net.Conn) {
	defer conn.Close()

	br := newBufReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	if req.Method == http.MethodConnect {
		e.handleConnect(conn, br, req)
		return
	}
	e.handlePlainHTTP(conn, req)
}

// handlePlainHTTP serves the case where the client sent the proxy a
// full absolute-URI request directly (the classic non-TLS explicit-proxy
// path).
func (e *Engine) handlePlainHTTP(conn net.Conn, req *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestDeadline)
	defer cancel()

	resp := e.capture(ctx, req)
	writeResponse(conn, resp)
}

// handleConnect mints a leaf certificate for the requested host, answers
// the CONNECT with 200 (or 502 when minting fails), then terminates TLS
// for the tunnel with that leaf, so every subsequent request inside the
// tunnel is captured rather than blindly relayed.
func (e *Engine) handleConnect(conn net.Conn, br bufReader, req *http.Request) {
	// The CONNECT target is an authority (host:port). The bare hostname
	// drives leaf minting; the full authority drives upstream dispatch,
	// since the tunnel may point at a non-443 port.
	authority := req.URL.Host
	if authority == "" {
		authority = req.Host
	}
	host := authority
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if strings.HasSuffix(authority, ":443") {
		authority = host
	}

	leaf, err := e.cfg.CA.LeafFor(host)
	if err != nil {
		e.cfg.Log.WithError(err).WithField("host", host).Error("failed to mint leaf certificate")
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	tlsConn := tls.Server(newBufferedConn(conn, br), &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		NextProtos:   []string{"h2", "http/1.1"},
	})
	defer tlsConn.Close()

	tlsConn.SetDeadline(time.Now().Add(defaults.HandshakeReadDeadline))
	if err := tlsConn.Handshake(); err != nil {
		e.cfg.Log.WithError(err).WithField("host", host).Debug("TLS handshake with client failed")
		return
	}
	tlsConn.SetDeadline(time.Time{})

	if tlsConn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		e.serveH2(tlsConn, authority)
		return
	}

	inner := newBufReader(tlsConn)
	for {
		req, err := http.ReadRequest(inner)
		if err != nil {
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = authority

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestDeadline)
		resp := e.capture(ctx, req)
		cancel()

		writeResponse(tlsConn, resp)
		if resp.Close || req.Close {
			return
		}
	}
}

// serveH2 handles a negotiated HTTP/2 tunnel. http2.Server hands us
// *http.Request values already reassembled from frames; we run the same
// capture pipeline as HTTP/1.1 underneath.
func (e *Engine) serveH2(conn net.Conn, authority string) {
	srv := &http2.Server{}
	srv.ServeConn(conn, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.URL.Scheme = "https"
			r.URL.Host = authority
			ctx, cancel := context.WithTimeout(r.Context(), e.cfg.RequestDeadline)
			defer cancel()
			resp := e.capture(ctx, r)
			writeResponseWriter(w, resp)
		}),
	})
}
