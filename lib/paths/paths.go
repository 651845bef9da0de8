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

// Package paths resolves a project root and the fixed set of file
// names siphond reads and writes inside that project's data directory.
// Lookup never touches the network and only probes the filesystem for
// existence.
package paths

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// DataDirName is the directory name siphond looks for while walking up
// from the starting directory, and the name it creates under the project
// root once resolved.
const DataDirName = ".siphon"

// sourceControlMarkers are directory names that, alongside DataDirName,
// identify a candidate project root while walking upward.
var sourceControlMarkers = []string{".git", ".hg", ".svn"}

// override is a process-wide switch: when set, it replaces the data
// directory for every Resolve call regardless of starting directory or
// override argument. It exists so a single
// process (e.g. under test) can redirect all path resolution without
// threading a Paths value through every call site.
var (
	overrideMu  sync.RWMutex
	overrideDir string
)

// SetGlobalOverride redirects every subsequent Resolve call to dataDir.
// Passing "" clears the override.
func SetGlobalOverride(dataDir string) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	overrideDir = dataDir
}

func globalOverride() string {
	overrideMu.RLock()
	defer overrideMu.RUnlock()
	return overrideDir
}

// Paths is the fixed set of named locations under a project's data
// directory.
type Paths struct {
	// Root is the resolved project root (informational; not used for I/O).
	Root string
	// Data is the project's data directory, the parent of every path below.
	Data string
}

// Resolve locates the project root starting from dir, honoring override
// (an explicit data directory, e.g. from a --data-dir flag) and the
// global override set by SetGlobalOverride, and returns the fixed path
// set rooted at its data directory. A missing data directory is not an
// error: it is reported via Exists.
func Resolve(dir, override string) (*Paths, error) {
	if g := globalOverride(); g != "" {
		return fromDataDir(expandHome(g))
	}
	if override != "" {
		return fromDataDir(expandHome(override))
	}

	start, err := filepath.Abs(expandHome(dir))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	root, found := walkUp(start)
	if !found {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		root = home
	}
	return fromDataDir(filepath.Join(root, DataDirName))
}

// fromDataDir builds a Paths value whose Data is exactly dataDir: an
// override path replaces the walk entirely.
func fromDataDir(dataDir string) (*Paths, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Paths{Root: filepath.Dir(abs), Data: abs}, nil
}

// walkUp walks upward from start looking for a directory that already
// contains DataDirName or one of sourceControlMarkers. Returns the
// directory and whether one was found.
func walkUp(start string) (string, bool) {
	dir := start
	for {
		if dirExists(filepath.Join(dir, DataDirName)) {
			return dir, true
		}
		for _, marker := range sourceControlMarkers {
			if dirExists(filepath.Join(dir, marker)) {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Exists reports whether the data directory has already been created.
func (p *Paths) Exists() bool {
	return dirExists(p.Data)
}

// EnsureDataDir creates the data directory (and interceptors/ and
// browser-profiles/ beneath it) if missing.
func (p *Paths) EnsureDataDir() error {
	if err := os.MkdirAll(p.Data, 0o700); err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(p.InterceptorDir(), 0o700); err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(p.BrowserProfileDir(), 0o700); err != nil {
		return trace.Wrap(err)
	}
	for _, lang := range []string{"node", "python", "ruby", "php"} {
		if err := os.MkdirAll(p.OverrideDir(lang), 0o700); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (p *Paths) join(name string) string { return filepath.Join(p.Data, name) }

// ProxyPortFile is the ascii port number of the bound proxy listener.
func (p *Paths) ProxyPortFile() string { return p.join("proxy.port") }

// PreferredPortFile is a hint for which port to try binding first.
func (p *Paths) PreferredPortFile() string { return p.join("preferred.port") }

// ControlSocket is the unix-domain control plane socket (mode 0600).
func (p *Paths) ControlSocket() string { return p.join("control.sock") }

// Database is the storage engine's sqlite file.
func (p *Paths) Database() string { return p.join("requests.db") }

// CAKey is the project CA's private key.
func (p *Paths) CAKey() string { return p.join("ca-key.pem") }

// CACert is the project CA's certificate, the file clients are instructed
// to trust via the *_CA_* environment variables.
func (p *Paths) CACert() string { return p.join("ca.pem") }

// PIDFile holds the ascii pid of the running daemon.
func (p *Paths) PIDFile() string { return p.join("daemon.pid") }

// LogFile is the rotating JSON-lines debug log.
func (p *Paths) LogFile() string { return p.join("siphond.log") }

// DaemonAuditLog is the structured JSON-lines lifecycle log, separate
// from the debug log so it stays machine-readable.
func (p *Paths) DaemonAuditLog() string { return p.join("daemon.log") }

// ConfigFile is the user configuration file.
func (p *Paths) ConfigFile() string { return p.join("config.json") }

// InterceptorDir holds one file per interceptor module.
func (p *Paths) InterceptorDir() string { return p.join("interceptors") }

// BrowserProfileDir holds per-launch temp browser profiles.
func (p *Paths) BrowserProfileDir() string { return p.join("browser-profiles") }

// OverrideDir returns the generated runtime shim directory for lang
// (one of node, python, ruby, php).
func (p *Paths) OverrideDir(lang string) string { return filepath.Join(p.join("overrides"), lang) }
