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
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
)

// bufReader is the narrow surface http.ReadRequest needs.
type bufReader = *bufio.Reader

func newBufReader(r io.Reader) bufReader {
	return bufio.NewReader(r)
}

// bufferedConn drains bytes already sitting in a bufio.Reader before
// falling through to the underlying connection. Handing the raw conn to
// a TLS server after http.ReadRequest would lose whatever the reader
// buffered past the request head (typically the start of the client
// hello).
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(conn net.Conn, r *bufio.Reader) net.Conn {
	if r.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, r: r}
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// capturedResponse is what capture produces: enough to both record into
// the store and to write back out over whichever wire protocol the
// client connection is speaking.
type capturedResponse struct {
	Status int
	Header http.Header
	Body   []byte
	Close  bool
}

func writeResponse(w io.Writer, r *capturedResponse) {
	resp := &http.Response{
		StatusCode:    r.Status,
		Status:        http.StatusText(r.Status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Close:         r.Close,
	}
	resp.Write(w)
}

func writeResponseWriter(w http.ResponseWriter, r *capturedResponse) {
	for k, vs := range r.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.Status)
	w.Write(r.Body)
}
