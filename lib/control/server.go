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
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/ca"
	"github.com/siphon-dev/siphon/lib/defaults"
	"github.com/siphon-dev/siphon/lib/intercept"
	"github.com/siphon-dev/siphon/lib/proxy"
	"github.com/siphon-dev/siphon/lib/replay"
	"github.com/siphon-dev/siphon/lib/store"
)

// Config configures a Server.
type Config struct {
	SocketPath string

	Store        *store.Store
	CA           *ca.CA
	Replay       *replay.Tracker
	Interceptors *intercept.Registry
	Proxy        *proxy.Engine

	// StartedAt is the daemon process' start time, for status/doctor.
	StartedAt time.Time
	// MethodDeadline bounds a single method call.
	MethodDeadline time.Duration

	Log logrus.FieldLogger
}

func (c *Config) checkAndSetDefaults() error {
	if c.SocketPath == "" {
		return trace.BadParameter("missing parameter SocketPath")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.CA == nil {
		return trace.BadParameter("missing parameter CA")
	}
	if c.Replay == nil {
		return trace.BadParameter("missing parameter Replay")
	}
	if c.Interceptors == nil {
		return trace.BadParameter("missing parameter Interceptors")
	}
	if c.MethodDeadline == 0 {
		c.MethodDeadline = defaults.ControlMethodDeadline
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, siphon.Component("control"))
	}
	return nil
}

// Server is the running control-plane listener.
type Server struct {
	cfg      Config
	listener net.Listener
	hub      *eventHub

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New binds the control socket at cfg.SocketPath with mode 0600. There
// is no in-band auth; the socket relies on filesystem permissions.
func New(cfg Config) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	os.Remove(cfg.SocketPath)
	l, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.Chmod(cfg.SocketPath, defaults.SocketPerms); err != nil {
		l.Close()
		return nil, trace.Wrap(err)
	}

	return &Server{
		cfg:      cfg,
		listener: l,
		hub:      newEventHub(),
		closeCh:  make(chan struct{}),
	}, nil
}

// Addr returns the bound socket path.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			default:
				return trace.Wrap(err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting connections, waits out the shutdown grace
// period for in-flight method calls, and unlinks the socket.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	err := s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaults.ShutdownGracePeriod):
		s.cfg.Log.Warn("shutdown grace period elapsed with control connections still open")
	}
	os.Remove(s.cfg.SocketPath)
	return trace.Wrap(err)
}

// PublishInterceptorError emits an "interceptor-error" push event to
// every open connection.
func (s *Server) PublishInterceptorError(interceptorName string, cause error) {
	s.hub.publish("interceptor-error", map[string]string{
		"interceptor": interceptorName,
		"error":       cause.Error(),
	})
}

// PublishReload emits a "reload" push event after ReloadInterceptors runs.
func (s *Server) PublishReload(loaded, failed int) {
	s.hub.publish("reload", map[string]int{"loaded": loaded, "failed": failed})
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	c := newCodec(conn)
	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	done := make(chan struct{})
	var writeWG sync.WaitGroup
	writeWG.Add(1)
	go func() {
		defer writeWG.Done()
		for {
			select {
			case <-done:
				return
			case ev := <-sub:
				payload, err := marshalEventPayload(ev.payload)
				if err != nil {
					continue
				}
				_ = c.Write(&Envelope{Kind: KindEvent, Method: ev.method, Payload: payload})
			}
		}
	}()
	defer func() {
		close(done)
		writeWG.Wait()
	}()

	for {
		env, err := c.Read()
		if err != nil {
			return
		}
		if env.Kind != KindRequest {
			continue
		}
		go s.dispatch(c, env)
	}
}

// dispatch runs one method call under the configured deadline and
// writes exactly one response envelope. On deadline the client sees a
// timeout error while the handler goroutine is left to finish whatever
// persistence it already started.
func (s *Server) dispatch(c *codec, env *Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MethodDeadline)
	defer cancel()

	resultCh := make(chan *Envelope, 1)
	go func() {
		resultCh <- s.handleMethod(ctx, env)
	}()

	select {
	case resp := <-resultCh:
		_ = c.Write(resp)
	case <-ctx.Done():
		_ = c.Write(&Envelope{ID: env.ID, Kind: KindResponse, Error: &WireError{
			Code:    ErrTimeout,
			Message: "method " + env.Method + " exceeded its deadline",
		}})
	}
}

func (s *Server) handleMethod(ctx context.Context, env *Envelope) *Envelope {
	payload, err := s.invoke(ctx, env.Method, env.Payload)
	if err != nil {
		return errorEnvelope(env.ID, err)
	}
	resp, err := payloadEnvelope(env.ID, payload)
	if err != nil {
		return errorEnvelope(env.ID, err)
	}
	return resp
}

func marshalEventPayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
