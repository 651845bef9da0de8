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
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/store"
)

// invoke is the single dispatch point for every control-plane method.
// Each case decodes its own payload shape and returns a value
// payloadEnvelope can marshal, or an error for errorEnvelope to classify.
func (s *Server) invoke(ctx context.Context, method string, raw json.RawMessage) (interface{}, error) {
	switch method {
	case "ping":
		return s.ping(ctx)
	case "status":
		return s.status(ctx)
	case "registerSession":
		return s.registerSession(ctx, raw)
	case "listRequestsSummaryDelta":
		return s.listRequestsSummaryDelta(ctx, raw)
	case "listRequests":
		return s.listRequests(ctx, raw)
	case "getRequest":
		return s.getRequest(ctx, raw)
	case "searchBodies":
		return s.searchBodies(ctx, raw)
	case "saveRequest":
		return s.setSaved(ctx, raw, true)
	case "unsaveRequest":
		return s.setSaved(ctx, raw, false)
	case "clearRequests":
		return s.clearRequests(ctx)
	case "replayRequest":
		return s.replayRequest(ctx, raw)
	case "listInterceptors":
		return s.listInterceptors(ctx)
	case "reloadInterceptors":
		return s.reloadInterceptors(ctx)
	case "doctor":
		return s.doctor(ctx)
	default:
		return nil, trace.BadParameter("unknown method %q", method)
	}
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return trace.BadParameter("decoding payload: %v", err)
	}
	return nil
}

type pingResponse struct {
	Version string `json:"version"`
	// Identity is a compact JWS over {version, pid} signed by the
	// project CA's root key, so a caller that already trusts the CA
	// cert can confirm this really is a siphond for this project
	// rather than some other process that happened to bind the
	// socket path.
	Identity string `json:"identity,omitempty"`
}

func (s *Server) ping(ctx context.Context) (interface{}, error) {
	resp := pingResponse{Version: siphon.Version}
	if key := s.cfg.CA.RootPrivateKey(); key != nil {
		if tok, err := signIdentity(key, identityClaims{Version: siphon.Version, PID: os.Getpid()}); err == nil {
			resp.Identity = tok
		} else {
			s.cfg.Log.WithError(err).Debug("failed to sign ping identity")
		}
	}
	return resp, nil
}

type statusResponse struct {
	Version               string   `json:"version"`
	ProxyAddr             string   `json:"proxyAddr,omitempty"`
	UptimeSeconds         int64    `json:"uptimeSeconds"`
	SessionCount          int      `json:"sessionCount"`
	RequestCount          int      `json:"requestCount"`
	Interceptors          []string `json:"interceptors"`
	InterceptorLoadErrors int      `json:"interceptorLoadErrors"`
}

func (s *Server) status(ctx context.Context) (interface{}, error) {
	sessions, err := s.cfg.Store.SessionCount(ctx)
	if err != nil {
		return nil, newStorageError(trace.Wrap(err))
	}
	requests, err := s.cfg.Store.RequestCount(ctx)
	if err != nil {
		return nil, newStorageError(trace.Wrap(err))
	}
	resp := statusResponse{
		Version:               siphon.Version,
		UptimeSeconds:         int64(time.Since(s.cfg.StartedAt).Seconds()),
		SessionCount:          sessions,
		RequestCount:          requests,
		Interceptors:          s.cfg.Interceptors.Names(),
		InterceptorLoadErrors: len(s.cfg.Interceptors.LoadErrors()),
	}
	if s.cfg.Proxy != nil {
		resp.ProxyAddr = s.cfg.Proxy.Addr().String()
	}
	return resp, nil
}

type registerSessionRequest struct {
	Label  string `json:"label"`
	Source string `json:"source"`
	PID    int    `json:"pid"`
}

type registerSessionResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func (s *Server) registerSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req registerSessionRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	sess, err := s.cfg.Store.CreateSession(ctx, req.Label, req.Source, req.PID)
	if err != nil {
		return nil, newStorageError(trace.Wrap(err))
	}
	return registerSessionResponse{ID: sess.ID, Token: sess.Token}, nil
}

// filterPayload is the wire shape of a store.Filter, embedded by every
// method that accepts one.
type filterPayload struct {
	Methods   []string `json:"methods"`
	StatusMin *int     `json:"statusMin"`
	StatusMax *int     `json:"statusMax"`
	Substring string   `json:"substring"`
}

func (f filterPayload) filter() store.Filter {
	return store.Filter{Methods: f.Methods, StatusMin: f.StatusMin, StatusMax: f.StatusMax, Substring: f.Substring}
}

type deltaRequest struct {
	Cursor int64 `json:"cursor"`
	Limit  int   `json:"limit"`
	filterPayload
}

func (s *Server) listRequestsSummaryDelta(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req deltaRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	result, err := s.cfg.Store.ListRequestsSummaryDelta(ctx, req.Cursor, req.Limit, req.filter())
	if err != nil {
		return nil, newStorageError(trace.Wrap(err))
	}
	return result, nil
}

type listRequestsRequest struct {
	Limit int `json:"limit"`
	filterPayload
}

func (s *Server) listRequests(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req listRequestsRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	out, err := s.cfg.Store.ListRequests(ctx, req.filter())
	if err != nil {
		return nil, newStorageError(trace.Wrap(err))
	}
	if req.Limit > 0 && len(out) > req.Limit {
		// Keep the newest rows when truncating.
		out = out[len(out)-req.Limit:]
	}
	return out, nil
}

type idRequest struct {
	ID string `json:"id"`
}

func (s *Server) getRequest(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req idRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, trace.BadParameter("missing id")
	}
	cr, err := s.cfg.Store.GetRequest(ctx, req.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cr, nil
}

type searchBodiesRequest struct {
	Query  string `json:"query"`
	Target string `json:"target"`
	Limit  int    `json:"limit"`
	filterPayload
}

func (s *Server) searchBodies(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req searchBodiesRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	filter := req.filter()
	out, err := s.cfg.Store.SearchBodies(ctx, store.BodySearchQuery{
		Query:  req.Query,
		Target: store.BodySearchTarget(req.Target),
		Limit:  req.Limit,
		Filter: &filter,
	})
	if err != nil {
		return nil, newStorageError(trace.Wrap(err))
	}
	return out, nil
}

func (s *Server) setSaved(ctx context.Context, raw json.RawMessage, saved bool) (interface{}, error) {
	var req idRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, trace.BadParameter("missing id")
	}
	var err error
	if saved {
		err = s.cfg.Store.SaveRequest(ctx, req.ID)
	} else {
		err = s.cfg.Store.UnsaveRequest(ctx, req.ID)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return struct{}{}, nil
}

type clearRequestsResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) clearRequests(ctx context.Context) (interface{}, error) {
	n, err := s.cfg.Store.ClearRequests(ctx)
	if err != nil {
		return nil, newStorageError(trace.Wrap(err))
	}
	return clearRequestsResponse{Deleted: n}, nil
}

type replayRequestResponse struct {
	RequestID string `json:"requestId"`
}

type replayRequestRequest struct {
	ID        string `json:"id"`
	Initiator string `json:"initiator"`
}

// replayRequest re-issues a previously captured request through the
// daemon's own proxy listener, dogfooding the explicit-proxy contract
// real clients use rather than hand-rolling a parallel dispatch path.
// The freshly minted token travels in the X-Siphon-Replay-Token header;
// lib/proxy's capture path correlates it back to this call via
// lib/replay's result side-channel.
func (s *Server) replayRequest(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req replayRequestRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, trace.BadParameter("missing id")
	}
	if s.cfg.Proxy == nil {
		return nil, trace.BadParameter("replay unavailable: proxy engine not wired")
	}
	s.cfg.Log.WithFields(logrus.Fields{"request": req.ID, "initiator": req.Initiator}).Debug("replaying captured request")

	original, err := s.cfg.Store.GetRequest(ctx, req.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	token, err := s.cfg.Replay.Issue(req.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, original.Method, original.URL, bytes.NewReader(original.RequestBody))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if original.RequestHeaders != nil {
		original.RequestHeaders.ForEach(func(k, v string) { httpReq.Header.Add(k, v) })
	}
	httpReq.Header.Set(siphon.HeaderReplayToken, token)

	client, err := s.replayClient()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "replaying request through proxy")
	}
	resp.Body.Close()

	newID, ok := s.cfg.Replay.Result(token)
	if !ok {
		return nil, trace.NotFound("replay completed but produced no correlated capture")
	}
	return replayRequestResponse{RequestID: newID}, nil
}

// replayClient builds an http.Client whose transport is explicitly
// pointed at the proxy engine's own listener and trusts the project CA,
// the same contract any other explicit-proxy client fulfils.
func (s *Server) replayClient() (*http.Client, error) {
	addr := s.cfg.Proxy.Addr()
	proxyURL, err := url.Parse(fmt.Sprintf("http://%s", addr.String()))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(s.cfg.CA.RootCertPEM()) {
		return nil, trace.BadParameter("failed to parse project CA certificate")
	}

	return &http.Client{
		Timeout: s.cfg.MethodDeadline,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}, nil
}

type listInterceptorsResponse struct {
	Names  []string         `json:"names"`
	Errors []loadErrorEntry `json:"errors,omitempty"`
}

type loadErrorEntry struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func (s *Server) listInterceptors(ctx context.Context) (interface{}, error) {
	resp := listInterceptorsResponse{Names: s.cfg.Interceptors.Names()}
	for _, e := range s.cfg.Interceptors.LoadErrors() {
		resp.Errors = append(resp.Errors, loadErrorEntry{Path: e.Path, Error: e.Err.Error()})
	}
	return resp, nil
}

type reloadInterceptorsResponse struct {
	Loaded int `json:"loaded"`
	Failed int `json:"failed"`
}

func (s *Server) reloadInterceptors(ctx context.Context) (interface{}, error) {
	if err := s.cfg.Interceptors.Reload(); err != nil {
		return nil, newInterceptorError(trace.Wrap(err))
	}
	loaded := len(s.cfg.Interceptors.Names())
	failed := len(s.cfg.Interceptors.LoadErrors())
	s.PublishReload(loaded, failed)
	return reloadInterceptorsResponse{Loaded: loaded, Failed: failed}, nil
}

// doctorResponse backs the doctor diagnostic verb: a single round-up of
// everything an operator would otherwise have to check by hand across
// several other methods.
type doctorResponse struct {
	Version       string    `json:"version"`
	ProxyAddr     string    `json:"proxyAddr"`
	ControlSocket string    `json:"controlSocket"`
	CAExpires     time.Time `json:"caExpires"`
	SessionCount  int       `json:"sessionCount"`
	RequestCount  int       `json:"requestCount"`
	Interceptors  []string  `json:"interceptors"`
	LoadErrors    []string  `json:"loadErrors,omitempty"`
}

func (s *Server) doctor(ctx context.Context) (interface{}, error) {
	sessions, err := s.cfg.Store.SessionCount(ctx)
	if err != nil {
		return nil, newStorageError(trace.Wrap(err))
	}
	requests, err := s.cfg.Store.RequestCount(ctx)
	if err != nil {
		return nil, newStorageError(trace.Wrap(err))
	}
	resp := doctorResponse{
		Version:       siphon.Version,
		ControlSocket: s.cfg.SocketPath,
		CAExpires:     s.cfg.CA.RootNotAfter(),
		SessionCount:  sessions,
		RequestCount:  requests,
		Interceptors:  s.cfg.Interceptors.Names(),
	}
	if s.cfg.Proxy != nil {
		resp.ProxyAddr = s.cfg.Proxy.Addr().String()
	}
	for _, e := range s.cfg.Interceptors.LoadErrors() {
		resp.LoadErrors = append(resp.LoadErrors, fmt.Sprintf("%s: %v", e.Path, e.Err))
	}
	return resp, nil
}
