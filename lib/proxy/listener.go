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
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/siphon-dev/siphon/lib/defaults"
)

// listen binds the proxy's loopback listener, trying the recorded
// preferred port for PreferredPortBindTimeout before falling back to an
// ephemeral one, so a slow-to-release port from a just-stopped daemon
// doesn't force every client to re-discover a new port on every
// restart.
func listen(hint int) (net.Listener, error) {
	if hint > 0 {
		deadline := time.Now().Add(defaults.PreferredPortBindTimeout)
		var lastErr error
		for time.Now().Before(deadline) {
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(hint)))
			if err == nil {
				return l, nil
			}
			lastErr = err
			time.Sleep(25 * time.Millisecond)
		}
		_ = lastErr
	}
	return net.Listen("tcp", "127.0.0.1:0")
}

// writePortFile records listener's bound port as ASCII text, the
// mechanism clients use to discover the running proxy.
func writePortFile(path string, l net.Listener) error {
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.ConvertSystemError(os.WriteFile(path, []byte(portStr), defaults.FilePerms))
}

// preferredPort picks the port to try binding first: an explicit hint
// file wins, then the port bound on the previous run. A missing or
// unparsable hint is not an error; it just means the ephemeral path is
// taken immediately.
func preferredPort(hintFile, lastPortFile string) int {
	if port := readPortFile(hintFile); port > 0 {
		return port
	}
	return readPortFile(lastPortFile)
}

func readPortFile(path string) int {
	if path == "" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return port
}
