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

// Command siphonctl is the operator-facing CLI for an already-running
// siphond: status/doctor diagnostics, interceptor management, and ad
// hoc replay of a previously captured request.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	progressbar "github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/siphon-dev/siphon/lib/control"
	"github.com/siphon-dev/siphon/lib/logutil"
	"github.com/siphon-dev/siphon/lib/paths"
	"github.com/siphon-dev/siphon/lib/utils"
)

func main() {
	app := utils.InitCLIParser("siphonctl", "Operator CLI for a running siphond.")
	projectDir := app.Flag("project-dir", "Directory to resolve the project root from.").Default(".").String()
	dataDir := app.Flag("data-dir", "Override the resolved project data directory entirely.").String()
	debug := app.Flag("debug", "Enable debug logging to stderr.").Bool()

	statusCmd := app.Command("status", "Show the running daemon's version, uptime, and session count.")
	doctorCmd := app.Command("doctor", "Run an expanded diagnostic report.")

	interceptorsCmd := app.Command("interceptors", "List loaded interceptors and any load errors.")
	reloadCmd := app.Command("reload", "Reload interceptors from disk.")

	replayCmd := app.Command("replay", "Re-issue a previously captured request through the proxy.")
	replayID := replayCmd.Arg("id", "Captured request id to replay.").Required().String()

	clearCmd := app.Command("clear", "Delete every unsaved captured request.")

	utils.UpdateAppUsageTemplate(app, os.Args[1:])
	selected, err := app.Parse(os.Args[1:])
	if err != nil {
		app.Usage(os.Args[1:])
		utils.FatalError(trace.Wrap(err))
	}

	if err := logutil.InitLogger(logutil.Config{Purpose: logutil.ForCLI, Debug: *debug}); err != nil {
		utils.FatalError(trace.Wrap(err))
	}
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cl, sockPath, err := dial(ctx, *projectDir, *dataDir)
	if err != nil {
		utils.FatalError(err)
	}
	defer cl.Close()

	switch selected {
	case statusCmd.FullCommand():
		err = runStatus(ctx, cl)
	case doctorCmd.FullCommand():
		err = runDoctor(ctx, cl, sockPath)
	case interceptorsCmd.FullCommand():
		err = runInterceptors(ctx, cl)
	case reloadCmd.FullCommand():
		err = runReload(ctx, cl)
	case replayCmd.FullCommand():
		err = runReplay(ctx, cl, *replayID)
	case clearCmd.FullCommand():
		err = runClear(ctx, cl)
	}
	if err != nil {
		utils.FatalError(err)
	}
}

func dial(ctx context.Context, projectDir, dataDirOverride string) (*control.Client, string, error) {
	p, err := paths.Resolve(projectDir, dataDirOverride)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if !p.Exists() {
		return nil, "", trace.NotFound("no siphon project data directory at %v; is siphond running?", p.Data)
	}
	cl, err := control.Dial(ctx, p.ControlSocket())
	if err != nil {
		return nil, "", trace.Wrap(err, "is siphond running for this project?")
	}
	return cl, p.ControlSocket(), nil
}

type statusResponse struct {
	Version               string   `json:"version"`
	ProxyAddr             string   `json:"proxyAddr"`
	UptimeSeconds         int64    `json:"uptimeSeconds"`
	SessionCount          int      `json:"sessionCount"`
	RequestCount          int      `json:"requestCount"`
	Interceptors          []string `json:"interceptors"`
	InterceptorLoadErrors int      `json:"interceptorLoadErrors"`
}

func runStatus(ctx context.Context, cl *control.Client) error {
	var resp statusResponse
	if err := cl.Call(ctx, "status", nil, &resp); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("version:      %s\n", resp.Version)
	fmt.Printf("proxy:        %s\n", resp.ProxyAddr)
	fmt.Printf("uptime:       %s\n", humanize.Time(time.Now().Add(-time.Duration(resp.UptimeSeconds)*time.Second)))
	fmt.Printf("sessions:     %d\n", resp.SessionCount)
	fmt.Printf("requests:     %s captured\n", humanize.Comma(int64(resp.RequestCount)))
	fmt.Printf("interceptors: %d loaded, %d failed to load\n", len(resp.Interceptors), resp.InterceptorLoadErrors)
	return nil
}

type doctorResponse struct {
	Version       string    `json:"version"`
	ProxyAddr     string    `json:"proxyAddr"`
	ControlSocket string    `json:"controlSocket"`
	CAExpires     time.Time `json:"caExpires"`
	SessionCount  int       `json:"sessionCount"`
	RequestCount  int       `json:"requestCount"`
	Interceptors  []string  `json:"interceptors"`
	LoadErrors    []string  `json:"loadErrors,omitempty"`
}

func runDoctor(ctx context.Context, cl *control.Client, sockPath string) error {
	var resp doctorResponse
	if err := cl.Call(ctx, "doctor", nil, &resp); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("siphond %s\n", resp.Version)
	fmt.Printf("  proxy:          %s\n", resp.ProxyAddr)
	fmt.Printf("  control socket: %s\n", sockPath)
	fmt.Printf("  CA expires:     %s\n", humanize.Time(resp.CAExpires))
	fmt.Printf("  sessions:       %d\n", resp.SessionCount)
	fmt.Printf("  requests:       %s captured\n", humanize.Comma(int64(resp.RequestCount)))
	fmt.Printf("  interceptors:   %s\n", strOrNone(resp.Interceptors))
	if len(resp.LoadErrors) > 0 {
		fmt.Println("  load errors:")
		for _, e := range resp.LoadErrors {
			fmt.Printf("    - %s\n", e)
		}
	}
	return nil
}

func strOrNone(vs []string) string {
	if len(vs) == 0 {
		return "(none)"
	}
	out := vs[0]
	for _, v := range vs[1:] {
		out += ", " + v
	}
	return out
}

type listInterceptorsResponse struct {
	Names  []string `json:"names"`
	Errors []struct {
		Path  string `json:"path"`
		Error string `json:"error"`
	} `json:"errors,omitempty"`
}

func runInterceptors(ctx context.Context, cl *control.Client) error {
	var resp listInterceptorsResponse
	if err := cl.Call(ctx, "listInterceptors", nil, &resp); err != nil {
		return trace.Wrap(err)
	}
	for _, n := range resp.Names {
		fmt.Println(n)
	}
	for _, e := range resp.Errors {
		fmt.Fprintf(os.Stderr, "failed to load %s: %s\n", e.Path, e.Error)
	}
	return nil
}

type reloadInterceptorsResponse struct {
	Loaded int `json:"loaded"`
	Failed int `json:"failed"`
}

func runReload(ctx context.Context, cl *control.Client) error {
	var resp reloadInterceptorsResponse
	if err := cl.Call(ctx, "reloadInterceptors", nil, &resp); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("reloaded: %d loaded, %d failed\n", resp.Loaded, resp.Failed)
	return nil
}

type replayRequestResponse struct {
	RequestID string `json:"requestId"`
}

// runReplay drives a spinner-style progress bar while the replay round
// trip is in flight: there is no byte count to report for a single
// request, so the bar only signals that the call hasn't hung.
func runReplay(ctx context.Context, cl *control.Client, id string) error {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("replaying "+id),
		progressbar.OptionSpinnerType(14),
	)
	stop := make(chan struct{})
	spinnerDone := make(chan struct{})
	go func() {
		defer close(spinnerDone)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()

	var resp replayRequestResponse
	payload := struct {
		ID        string `json:"id"`
		Initiator string `json:"initiator"`
	}{ID: id, Initiator: "cli"}
	err := cl.Call(ctx, "replayRequest", payload, &resp)
	close(stop)
	<-spinnerDone
	bar.Finish()
	fmt.Println()
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("replayed as %s\n", resp.RequestID)
	return nil
}

type clearRequestsResponse struct {
	Deleted int `json:"deleted"`
}

func runClear(ctx context.Context, cl *control.Client) error {
	var resp clearRequestsResponse
	if err := cl.Call(ctx, "clearRequests", nil, &resp); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("cleared %s\n", humanize.Comma(int64(resp.Deleted)))
	return nil
}
