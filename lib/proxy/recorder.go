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

	"github.com/siphon-dev/siphon/lib/utils"
)

// recorder is a minimal http.ResponseWriter that buffers the upstream
// response so it can be captured before (and regardless of whether) it
// is relayed to the client. The backing buffer comes from a pool: every
// proxied request allocates one of these, so reusing the underlying
// array matters under sustained traffic.
type recorder struct {
	pool      *utils.BufferSyncPool
	header    http.Header
	status    int
	body      *bytes.Buffer
	wroteHead bool
}

func newRecorder(pool *utils.BufferSyncPool) *recorder {
	return &recorder{pool: pool, header: http.Header{}, status: http.StatusOK, body: pool.Get()}
}

// release copies the recorded body out of the pooled buffer and returns
// the buffer to the pool. Callers must not use the recorder after this.
func (r *recorder) release() []byte {
	out := append([]byte(nil), r.body.Bytes()...)
	r.pool.Put(r.body)
	return out
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.wroteHead {
		return
	}
	r.status = status
	r.wroteHead = true
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHead {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

func newByteReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
