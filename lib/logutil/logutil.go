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

// Package logutil configures the process-wide logrus logger the way
// siphond and siphonctl both expect: a compact text formatter on a
// terminal, JSON on a rotated log file when running as a background
// daemon.
package logutil

import (
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Purpose distinguishes a foreground CLI invocation from the
// long-running daemon: terminal-friendly text for one, rotated
// structured JSON for the other.
type Purpose int

const (
	// ForCLI formats for a human at a terminal; quiet unless debug.
	ForCLI Purpose = iota
	// ForDaemon writes JSON lines to a rotating file and, in debug mode
	// only, also to stderr.
	ForDaemon
)

// Config controls InitLogger.
type Config struct {
	Purpose  Purpose
	Level    logrus.Level
	LogFile  string // required when Purpose == ForDaemon
	Debug    bool
}

// InitLogger replaces logrus's standard-logger formatter, level, and
// output according to cfg. Call once at process startup.
func InitLogger(cfg Config) error {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(cfg.Level)

	switch cfg.Purpose {
	case ForCLI:
		if cfg.Debug {
			logrus.SetFormatter(NewDefaultTextFormatter(trace.IsTerminal(os.Stderr)))
			logrus.SetOutput(os.Stderr)
		} else {
			logrus.SetOutput(io.Discard)
		}
	case ForDaemon:
		if cfg.LogFile == "" {
			return trace.BadParameter("ForDaemon logging requires a LogFile")
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
		if cfg.Debug {
			logrus.SetOutput(io.MultiWriter(rotator, os.Stderr))
		} else {
			logrus.SetOutput(rotator)
		}
	}
	return nil
}

// InitLoggerForTests configures logrus for test output: JSON to stderr
// at debug level when go test -v is active, discarded otherwise.
func InitLoggerForTests(verbose bool) {
	logger := logrus.StandardLogger()
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.SetFormatter(NewTestJSONFormatter())
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(os.Stderr)
	if verbose {
		return
	}
	logger.SetLevel(logrus.WarnLevel)
	logger.SetOutput(io.Discard)
}

// NewDefaultTextFormatter returns the compact, optionally-colored text
// formatter used for foreground CLI/daemon output.
func NewDefaultTextFormatter(colors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		ForceColors:            colors,
		DisableTimestamp:       false,
		FullTimestamp:          true,
		TimestampFormat:        "15:04:05.000",
		DisableLevelTruncation: true,
	}
}

// NewTestJSONFormatter returns the JSON formatter used in test output, so
// structured fields stay greppable when a test fails under -v.
func NewTestJSONFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{TimestampFormat: "15:04:05.000"}
}
