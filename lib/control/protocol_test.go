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
	"errors"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := newCodec(&buf)

	env := &Envelope{ID: "1", Kind: KindRequest, Method: "ping", Payload: []byte(`{"a":1}`)}
	require.NoError(t, c.Write(env))

	got, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, env.ID, got.ID)
	require.Equal(t, env.Kind, got.Kind)
	require.Equal(t, env.Method, got.Method)
	require.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestCodecRoundTripMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	c := newCodec(&buf)

	require.NoError(t, c.Write(&Envelope{ID: "1", Kind: KindRequest, Method: "a"}))
	require.NoError(t, c.Write(&Envelope{ID: "2", Kind: KindRequest, Method: "b"}))

	first, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, "a", first.Method)

	second, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, "b", second.Method)
}

func TestToWireErrorMapsTraceKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"not found", trace.NotFound("nope"), ErrNotFound},
		{"bad parameter", trace.BadParameter("nope"), ErrInvalidArgument},
		{"limit exceeded", trace.LimitExceeded("nope"), ErrTimeout},
		{"connection problem", trace.ConnectionProblem(errors.New("x"), "nope"), ErrUpstreamError},
		{"deadline exceeded", context.DeadlineExceeded, ErrTimeout},
		{"interceptor error", newInterceptorError(errors.New("boom")), ErrInterceptorError},
		{"storage error", newStorageError(errors.New("boom")), ErrStorageError},
		{"unknown error", errors.New("mystery"), ErrInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			we := toWireError(tc.err)
			require.NotNil(t, we)
			require.Equal(t, tc.want, we.Code)
		})
	}
}

func TestToWireErrorNilIsNil(t *testing.T) {
	require.Nil(t, toWireError(nil))
}

func TestErrorEnvelopeCarriesWireError(t *testing.T) {
	env := errorEnvelope("42", trace.NotFound("missing"))
	require.Equal(t, "42", env.ID)
	require.Equal(t, KindResponse, env.Kind)
	require.NotNil(t, env.Error)
	require.Equal(t, ErrNotFound, env.Error.Code)
}
