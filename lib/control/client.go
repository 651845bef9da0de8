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

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Client is a thin control-socket client, used by cmd/siphonctl and by
// lib/daemon's own startup version check. It is not how the proxy talks
// to the control plane (it doesn't); it is how an operator process does.
type Client struct {
	conn net.Conn
	c    *codec
}

// Dial connects to the control socket at path. A missing socket (no
// daemon running) surfaces as trace.ConnectionProblem.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "connecting to control socket %v", path)
	}
	return &Client{conn: conn, c: newCodec(conn)}, nil
}

// Close closes the underlying connection.
func (cl *Client) Close() error { return cl.conn.Close() }

// Call invokes method with payload (marshaled to JSON, may be nil) and
// decodes the response into result (may be nil to discard it). A wire
// error comes back as a *WireError, which satisfies the error interface.
func (cl *Client) Call(ctx context.Context, method string, payload, result interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return trace.Wrap(err)
		}
		raw = b
	}

	id := uuid.NewString()

	if err := cl.c.Write(&Envelope{ID: id, Kind: KindRequest, Method: method, Payload: raw}); err != nil {
		return trace.Wrap(err)
	}

	for {
		env, err := cl.c.Read()
		if err != nil {
			return trace.ConnectionProblem(err, "reading control socket response")
		}
		if env.Kind == KindEvent {
			// Calls made through this client don't subscribe to push
			// events; any interleaved event frame is simply skipped.
			continue
		}
		if env.ID != id {
			continue
		}
		if env.Error != nil {
			return env.Error
		}
		if result != nil && len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, result); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}
}
