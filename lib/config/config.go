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

// Package config decodes a project's config.json into the documented
// tunables, falling back to lib/defaults for anything absent or zero.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/gravitational/trace"

	"github.com/siphon-dev/siphon/lib/defaults"
)

// Config is the decoded shape of config.json. Unknown keys are
// ignored; json.Unmarshal into a known struct already does this, and
// callers rely on it to keep older daemons usable against configs
// written for newer ones.
type Config struct {
	// PollIntervalMS is a consumer hint for how often clients should
	// re-poll listRequestsSummaryDelta.
	PollIntervalMS int `json:"pollInterval"`
	// MaxStoredRequests bounds unsaved-request retention.
	MaxStoredRequests int `json:"maxStoredRequests"`
	// BodyCaptureLimit caps per-body capture size, in bytes.
	BodyCaptureLimit int `json:"bodyCaptureLimit"`
	// InterceptorTimeoutMS bounds a single interceptor invocation.
	InterceptorTimeoutMS int `json:"interceptorTimeoutMs"`
	// ReplayTokenTTLMS bounds how long an issued replay ticket is valid.
	ReplayTokenTTLMS int `json:"replayTokenTtlMs"`
}

// Load reads and decodes path. A missing file is not an error -- it
// yields the zero Config, which WithDefaults then fills in entirely from
// lib/defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing %v", path)
	}
	return &cfg, nil
}

// WithDefaults returns a copy of cfg with every zero-valued field
// replaced by its lib/defaults counterpart.
func (cfg Config) WithDefaults() Config {
	if cfg.PollIntervalMS == 0 {
		cfg.PollIntervalMS = int(defaults.PollInterval / time.Millisecond)
	}
	if cfg.MaxStoredRequests == 0 {
		cfg.MaxStoredRequests = defaults.MaxStoredRequests
	}
	if cfg.BodyCaptureLimit == 0 {
		cfg.BodyCaptureLimit = defaults.BodyCaptureLimit
	}
	if cfg.InterceptorTimeoutMS == 0 {
		cfg.InterceptorTimeoutMS = int(defaults.InterceptorTimeout / time.Millisecond)
	}
	if cfg.ReplayTokenTTLMS == 0 {
		cfg.ReplayTokenTTLMS = int(defaults.ReplayTokenTTL / time.Millisecond)
	}
	return cfg
}

// InterceptorTimeout returns InterceptorTimeoutMS as a time.Duration.
func (cfg Config) InterceptorTimeout() time.Duration {
	return time.Duration(cfg.InterceptorTimeoutMS) * time.Millisecond
}

// ReplayTokenTTL returns ReplayTokenTTLMS as a time.Duration.
func (cfg Config) ReplayTokenTTL() time.Duration {
	return time.Duration(cfg.ReplayTokenTTLMS) * time.Millisecond
}

// PollInterval returns PollIntervalMS as a time.Duration.
func (cfg Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalMS) * time.Millisecond
}
