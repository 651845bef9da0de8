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

// Package control implements the daemon's local control plane: a
// newline-delimited JSON envelope protocol over a unix-domain socket
// exposing query, bookmark, delta, replay, and interceptor-management
// methods, plus an unsolicited push-event channel.
package control

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/gravitational/trace"
)

// Kind distinguishes the three envelope shapes on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// ErrorCode is one of the closed set of stable wire error codes.
type ErrorCode string

const (
	ErrNotRunning       ErrorCode = "not_running"
	ErrVersionMismatch  ErrorCode = "version_mismatch"
	ErrNotFound         ErrorCode = "not_found"
	ErrInvalidArgument  ErrorCode = "invalid_argument"
	ErrTimeout          ErrorCode = "timeout"
	ErrUpstreamError    ErrorCode = "upstream_error"
	ErrInterceptorError ErrorCode = "interceptor_error"
	ErrStorageError     ErrorCode = "storage_error"
	ErrInternal         ErrorCode = "internal"
)

// WireError is the envelope's "error" field shape.
type WireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *WireError) Error() string { return string(e.Code) + ": " + e.Message }

// Envelope is the single message shape of the protocol: every line
// written to or read from the control socket decodes into one of these.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// codec reads and writes newline-delimited JSON envelopes over a single
// connection. Writes are serialized: a response and a push event can
// race on the same connection, so every Write must go through the
// mutex.
type codec struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex
}

func newCodec(rw io.ReadWriter) *codec {
	return &codec{r: bufio.NewReader(rw), w: rw}
}

func (c *codec) Read() (*Envelope, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return nil, err
		}
		// A final line without a trailing newline is still a valid frame.
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, trace.Wrap(err)
	}
	return &env, nil
}

func (c *codec) Write(env *Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return trace.Wrap(err)
	}
	buf = append(buf, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.w.Write(buf)
	return trace.Wrap(err)
}

func errorEnvelope(id string, err error) *Envelope {
	return &Envelope{ID: id, Kind: KindResponse, Error: toWireError(err)}
}

func payloadEnvelope(id string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Envelope{ID: id, Kind: KindResponse, Payload: raw}, nil
}
