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

package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/intercept"
	"github.com/siphon-dev/siphon/lib/store"
	"github.com/siphon-dev/siphon/lib/utils"
)

// capture runs a single proxied request through the full pipeline:
// attribute a session, strip internal headers, record the created
// request, give the interceptor registry first refusal, dispatch
// upstream (unless mocked), run the response-phase interceptor pass,
// record the response, and return what to write back to the client.
//
// The request body is never buffered ahead of dispatch: it streams to
// upstream as the transport reads it, teed through a capped sink so the
// stored copy stays bounded while the forwarded bytes stay exact. The
// captured body therefore lands with the response-phase patch.
func (e *Engine) capture(ctx context.Context, req *http.Request) *capturedResponse {
	req = req.WithContext(ctx)

	sessionID, sessionToken := req.Header.Get(siphon.HeaderSessionID), req.Header.Get(siphon.HeaderSessionToken)
	replayToken := req.Header.Get(siphon.HeaderReplayToken)
	for _, h := range siphon.InternalHeaders {
		req.Header.Del(h)
	}

	// Attribution precedence: a valid id+token pair wins; a missing pair
	// falls back to the most recently registered session (a CLI that
	// inherited only the proxy env vars); an invalid token is an orphan.
	if sessionToken != "" {
		if _, err := e.cfg.Store.AuthenticateSession(ctx, sessionID, sessionToken); err != nil {
			sessionID = ""
		}
	} else {
		sessionID = e.cfg.Store.ActiveSessionID(ctx)
	}

	reqSink := newCappedSink(e.slicePool)
	if req.Body != nil {
		req.Body = &teeReadCloser{Reader: io.TeeReader(req.Body, reqSink), closer: req.Body}
	}

	reqHeaders := headersFromHTTP(req.Header)
	cr, err := e.cfg.Store.CreateRequest(ctx, store.NewRequest{
		SessionID: sessionID,
		Method:    req.Method,
		URL:       req.URL.String(),
		Host:      req.URL.Hostname(),
		Path:      req.URL.Path,
		Headers:   reqHeaders,
	})
	if err != nil {
		e.cfg.Log.WithError(err).Error("failed to record captured request")
		reqSink.discard()
		return &capturedResponse{Status: http.StatusInternalServerError, Header: http.Header{}}
	}

	if replayToken != "" {
		if originalID, err := e.cfg.Replay.Consume(replayToken); err == nil {
			_ = e.cfg.Store.MarkReplayOf(ctx, cr.ID, originalID)
			cr.ReplayOf = originalID
		}
		// Reported regardless of whether Consume succeeded: an
		// expired/unknown token still needs to unblock a waiting
		// replayRequest caller (control.replayRequest treats "no
		// result" as its own not_found rather than hanging).
		e.cfg.Replay.RecordResult(replayToken, cr.ID)
	}

	// Interceptors match on method, URL, and headers; the body has not
	// arrived yet at this point in the stream.
	reqView := &intercept.RequestView{Method: req.Method, URL: req.URL.String(), Headers: reqHeaders}

	start := e.cfg.Clock.Now()
	var resp *capturedResponse
	var interceptorName string
	var interceptorKind store.InterceptionKind

	if name, dec := e.cfg.Interceptors.DispatchRequest(ctx, reqView); dec != nil {
		interceptorName = name
		switch dec.Outcome {
		case intercept.OutcomeMock:
			resp = responseFromView(dec.Response)
			interceptorKind = store.InterceptionMocked
		case intercept.OutcomeModify:
			applyRequestView(req, dec.Request)
			resp = e.dispatchUpstream(ctx, req)
			interceptorKind = store.InterceptionModified
		}
	}
	if resp == nil {
		resp = e.dispatchUpstream(ctx, req)
	}

	// Whatever of the client body the transport did not consume (a mock,
	// a replaced body, an aborted upstream send) is drained through the
	// tee now, so the capture still sees what the client sent and the
	// connection stays usable for the next request.
	if req.Body != nil {
		io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
	reqBody, reqTruncated := reqSink.release()

	respView := &intercept.ResponseView{Status: resp.Status, Headers: headersFromHTTP(resp.Header), Body: resp.Body}
	if name, dec := e.cfg.Interceptors.DispatchResponse(ctx, reqView, respView); dec != nil && dec.Outcome == intercept.OutcomeModify {
		interceptorName = name
		interceptorKind = store.InterceptionModified
		resp = responseFromView(dec.Response)
	}

	duration := int(e.cfg.Clock.Now().Sub(start).Milliseconds())
	respHeaders := headersFromHTTP(resp.Header)
	respTruncated := len(resp.Body) > e.cfg.BodyCaptureLimit
	respBody := resp.Body
	if respTruncated {
		respBody = resp.Body[:e.cfg.BodyCaptureLimit]
	}

	if err := e.cfg.Store.RecordResponse(ctx, cr.ID, store.ResponsePatch{
		Status:               resp.Status,
		Headers:              respHeaders,
		Body:                 respBody,
		Truncated:            respTruncated,
		DurationMS:           duration,
		InterceptorName:      interceptorName,
		InterceptorKind:      interceptorKind,
		ReplayOf:             cr.ReplayOf,
		RequestBody:          reqBody,
		RequestBodyTruncated: reqTruncated,
	}); err != nil {
		e.cfg.Log.WithError(err).Error("failed to record response")
	}

	// Internal headers never travel back to the client either; an
	// interceptor-produced response could otherwise echo them.
	for _, h := range siphon.InternalHeaders {
		resp.Header.Del(h)
	}
	return resp
}

// dispatchUpstream forwards req through the oxy-backed transport and
// captures the result into an in-memory capturedResponse. An exceeded
// per-request deadline comes back as a synthetic 504; other upstream
// failures surface as the forwarder's 502 with a diagnostic body filled
// in when the forwarder left it empty.
func (e *Engine) dispatchUpstream(ctx context.Context, req *http.Request) *capturedResponse {
	rec := newRecorder(e.bufPool)
	e.fwd.ServeHTTP(rec, req)
	resp := &capturedResponse{Status: rec.status, Header: rec.header, Body: rec.release()}

	if ctx.Err() == context.DeadlineExceeded {
		return &capturedResponse{
			Status: http.StatusGatewayTimeout,
			Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
			Body:   []byte("request deadline exceeded while contacting " + req.URL.Host),
		}
	}
	if resp.Status == http.StatusBadGateway && len(resp.Body) == 0 {
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
		resp.Body = []byte("failed to reach upstream " + req.URL.Host)
	}
	return resp
}

func responseFromView(v *intercept.ResponseView) *capturedResponse {
	h := http.Header{}
	if v.Headers != nil {
		v.Headers.ForEach(func(k, val string) { h.Add(k, val) })
	}
	return &capturedResponse{Status: v.Status, Header: h, Body: v.Body}
}

// applyRequestView rewrites req in place per an interceptor's modify
// decision. A nil replacement body keeps the client's own (still-teed)
// body streaming through; a non-nil one drains the original through the
// tee first, so the capture records what the client actually sent.
func applyRequestView(req *http.Request, v *intercept.RequestView) {
	if v == nil {
		return
	}
	if v.Method != "" {
		req.Method = v.Method
	}
	if v.URL != "" && v.URL != req.URL.String() {
		if u, err := url.Parse(v.URL); err == nil {
			req.URL = u
			req.Host = u.Host
		}
	}
	req.Header = http.Header{}
	if v.Headers != nil {
		v.Headers.ForEach(func(k, val string) { req.Header.Add(k, val) })
	}
	if v.Body != nil {
		if req.Body != nil {
			io.Copy(io.Discard, req.Body)
			req.Body.Close()
		}
		req.Body = io.NopCloser(newByteReader(v.Body))
		req.ContentLength = int64(len(v.Body))
	}
}

func headersFromHTTP(h http.Header) *store.Headers {
	out := store.NewHeaders()
	for k, vs := range h {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// cappedSink is the write side of the body tee: it copies the first
// len(buf) bytes into a pooled fixed-size slice and only counts the
// rest, so capture memory stays bounded no matter how large the body
// streaming past it is.
type cappedSink struct {
	pool      *utils.SliceSyncPool
	buf       []byte
	n         int
	truncated bool
}

func newCappedSink(pool *utils.SliceSyncPool) *cappedSink {
	return &cappedSink{pool: pool, buf: pool.Get()}
}

func (s *cappedSink) Write(p []byte) (int, error) {
	if room := len(s.buf) - s.n; room > 0 {
		c := copy(s.buf[s.n:], p)
		s.n += c
		if c < len(p) {
			s.truncated = true
		}
	} else if len(p) > 0 {
		s.truncated = true
	}
	return len(p), nil
}

// release copies the captured prefix out and returns the backing slice
// to the pool. The sink must not be written to afterwards.
func (s *cappedSink) release() ([]byte, bool) {
	out := append([]byte(nil), s.buf[:s.n]...)
	s.pool.Put(s.buf)
	s.buf = nil
	return out, s.truncated
}

// discard returns the backing slice without keeping the captured bytes.
func (s *cappedSink) discard() {
	s.pool.Put(s.buf)
	s.buf = nil
}

// teeReadCloser pairs a tee'd reader with the original body's closer.
type teeReadCloser struct {
	io.Reader
	closer io.Closer
}

func (t *teeReadCloser) Close() error { return t.closer.Close() }
