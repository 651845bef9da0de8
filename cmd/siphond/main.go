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

// Command siphond is the local HTTP(S) interception daemon: one
// process per project, started on demand and left running in the
// background for the lifetime of a development session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/siphon-dev/siphon"
	"github.com/siphon-dev/siphon/lib/daemon"
	"github.com/siphon-dev/siphon/lib/paths"
	"github.com/siphon-dev/siphon/lib/utils"
)

func main() {
	app := utils.InitCLIParser("siphond", "Local HTTP(S) interception daemon.")
	projectDir := app.Flag("project-dir", "Directory to resolve the project root from.").Default(".").String()
	dataDir := app.Flag("data-dir", "Override the resolved project data directory entirely.").String()
	autoRestart := app.Flag("auto-restart", "Stop and replace an already-running daemon reporting a different version.").Bool()
	debug := app.Flag("debug", "Enable debug logging to stderr.").Bool()

	utils.UpdateAppUsageTemplate(app, os.Args[1:])
	if _, err := app.Parse(os.Args[1:]); err != nil {
		app.Usage(os.Args[1:])
		utils.FatalError(trace.Wrap(err))
	}

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := run(*projectDir, *dataDir, *autoRestart); err != nil {
		utils.FatalError(err)
	}
}

func run(projectDir, dataDirOverride string, autoRestart bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := checkRunningInstance(ctx, projectDir, dataDirOverride, autoRestart); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil
		}
		return trace.Wrap(err)
	}

	d, err := daemon.New(daemon.Options{
		ProjectDir:      projectDir,
		OverrideDataDir: dataDirOverride,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	fmt.Fprintf(os.Stderr, "siphond %s: proxy %s, control %s\n", siphon.Version, d.ProxyAddr(), d.ControlSocket())

	return d.Serve(ctx)
}

// checkRunningInstance handles the case where a daemon is already
// serving this project's control socket: same version exits quietly, a
// different version is either stopped (autoRestart) or reported as an
// error that leaves the existing instance untouched.
func checkRunningInstance(ctx context.Context, projectDir, dataDirOverride string, autoRestart bool) error {
	p, err := paths.Resolve(projectDir, dataDirOverride)
	if err != nil {
		return trace.Wrap(err)
	}
	if !p.Exists() {
		return nil
	}

	version, err := daemon.CheckVersion(ctx, p.ControlSocket(), p.CACert())
	if err != nil {
		// No daemon answering is the common case (nothing running yet,
		// or a stale socket from an unclean shutdown); lib/daemon.New's
		// own single-instance lock is the authority on that.
		return nil
	}
	if version == siphon.Version {
		return trace.AlreadyExists("siphond %s is already running for this project", version)
	}
	if !autoRestart {
		return trace.BadParameter("a running siphond reports version %s, this binary is %s; pass --auto-restart to replace it", version, siphon.Version)
	}

	return stopRunningDaemon(p.PIDFile())
}

// stopRunningDaemon signals the pid recorded at pidPath and waits briefly
// for it to exit, so daemon.New's own flock-based acquireSingleInstance
// succeeds immediately afterward instead of racing the old process's
// shutdown.
func stopRunningDaemon(pidPath string) error {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return trace.BadParameter("malformed pid file %v: %v", pidPath, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return trace.Wrap(err)
	}

	for i := 0; i < 20; i++ {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return trace.LimitExceeded("timed out waiting for pid %d to exit", pid)
}
