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
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/intercept"
	"github.com/siphon-dev/siphon/lib/store"
	"github.com/siphon-dev/siphon/lib/utils"
)

func TestCappedSinkUnderLimitIsUntruncated(t *testing.T) {
	sink := newCappedSink(utils.NewSliceSyncPool(1024))
	n, err := sink.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	body, truncated := sink.release()
	require.Equal(t, []byte("hello"), body)
	require.False(t, truncated)
}

func TestCappedSinkTeeKeepsForwardedStreamExact(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 100)
	sink := newCappedSink(utils.NewSliceSyncPool(10))

	forwarded, err := io.ReadAll(io.TeeReader(bytes.NewReader(payload), sink))
	require.NoError(t, err)
	require.Equal(t, payload, forwarded, "the forwarded stream must stay byte-exact regardless of the capture cap")

	body, truncated := sink.release()
	require.Equal(t, payload[:10], body)
	require.True(t, truncated)
}

func TestCappedSinkCrossesLimitMidWrite(t *testing.T) {
	sink := newCappedSink(utils.NewSliceSyncPool(8))
	_, err := sink.Write([]byte("12345"))
	require.NoError(t, err)
	_, err = sink.Write([]byte("67890"))
	require.NoError(t, err)

	body, truncated := sink.release()
	require.Equal(t, []byte("12345678"), body)
	require.True(t, truncated)
}

func TestCappedSinkPooledSliceComesBackClean(t *testing.T) {
	pool := utils.NewSliceSyncPool(16)

	first := newCappedSink(pool)
	_, err := first.Write([]byte("sensitive"))
	require.NoError(t, err)
	first.release()

	second := newCappedSink(pool)
	body, truncated := second.release()
	require.Empty(t, body, "a reused pooled slice must not leak a prior body")
	require.False(t, truncated)
}

func TestApplyRequestViewKeepsBodyWhenNoReplacement(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader("original"))
	require.NoError(t, err)

	applyRequestView(req, &intercept.RequestView{Headers: store.NewHeaders()})

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.Equal(t, "original", string(body))
}

func TestApplyRequestViewReplacementDrainsOriginalThroughTee(t *testing.T) {
	sink := newCappedSink(utils.NewSliceSyncPool(64))
	original := io.NopCloser(strings.NewReader("client-sent"))
	req, err := http.NewRequest(http.MethodPost, "http://example.com/", nil)
	require.NoError(t, err)
	req.Body = &teeReadCloser{Reader: io.TeeReader(original, sink), closer: original}

	applyRequestView(req, &intercept.RequestView{Headers: store.NewHeaders(), Body: []byte("mutated")})

	forwarded, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.Equal(t, "mutated", string(forwarded), "upstream sees the replacement")

	captured, _ := sink.release()
	require.Equal(t, "client-sent", string(captured), "capture sees what the client sent")
}

func TestHeadersFromHTTPPreservesMultiValue(t *testing.T) {
	h := http.Header{}
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")

	out := headersFromHTTP(h)
	require.Equal(t, []string{"a=1", "b=2"}, out.Map()["Set-Cookie"])
}

func TestInternalHeadersAreStrippedBeforeCapture(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req.Header.Set(siphon.HeaderSessionID, "sess-1")
	req.Header.Set(siphon.HeaderSessionToken, "tok-1")
	req.Header.Set(siphon.HeaderReplayToken, "replay-1")
	req.Header.Set("Accept", "text/plain")

	for _, h := range siphon.InternalHeaders {
		req.Header.Del(h)
	}

	captured := headersFromHTTP(req.Header)
	for _, h := range siphon.InternalHeaders {
		require.Empty(t, captured.Get(h), "internal header %v must never reach the capture path", h)
	}
	require.Equal(t, "text/plain", captured.Get("Accept"))
}
