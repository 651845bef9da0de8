/*
Copyright 2016-2021 Gravitational, Inc.

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

// Package utils holds small, dependency-light helpers shared between
// cmd/siphonctl and the library packages: CLI error presentation, ANSI
// color/escaping, and a kingpin usage template.
package utils

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// FatalError prints a clean, user-facing message for err (stripping
// gravitational/trace debug frames unless debug logging is enabled) and
// exits the process. Every siphonctl subcommand funnels its top-level
// error through this.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

// UserMessageFromError returns a user-friendly rendering of err. At debug
// log level it includes the full trace.DebugReport instead.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}
	var buf bytes.Buffer
	fmt.Fprint(&buf, Color(Red, "ERROR: "))
	formatErrorWriter(err, &buf)
	return buf.String()
}

// FormatErrorWithNewline returns a user-friendly message for err, always
// terminated with a newline.
func FormatErrorWithNewline(err error) string {
	message := formatError(err)
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	return message
}

func formatError(err error) string {
	var buf bytes.Buffer
	formatErrorWriter(err, &buf)
	return buf.String()
}

func formatErrorWriter(err error, w io.Writer) {
	if err == nil {
		return
	}
	if certErr := formatCertError(err); certErr != "" {
		fmt.Fprintln(w, certErr)
		return
	}
	var traceErr *trace.TraceErr
	if errors.As(err, &traceErr) {
		for _, message := range traceErr.Messages {
			fmt.Fprintln(w, AllowNewlines(message))
		}
		fmt.Fprintln(w, AllowNewlines(trace.Unwrap(traceErr).Error()))
		return
	}
	if strErr := err.Error(); strErr == "" {
		fmt.Fprintln(w, "please check siphond's log for more details")
	} else {
		fmt.Fprintln(w, AllowNewlines(strErr))
	}
}

// formatCertError renders the TLS failures a client talking to a siphond
// control socket or intercepted endpoint is most likely to hit: the
// project CA not yet being trusted, or a hostname mismatch.
func formatCertError(err error) string {
	const unknownAuthority = `WARNING:

  The certificate presented was signed by an authority not known to this
  client. If you have not yet imported the project's CA certificate
  (ca.pem in the project's data directory), do that and try again.
`
	var unknownAuthorityErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthorityErr) {
		return unknownAuthority
	}

	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return fmt.Sprintf("Cannot establish a TLS connection to %s:\n%s\n", hostnameErr.Host, hostnameErr.Error())
	}

	var certInvalidErr x509.CertificateInvalidError
	if errors.As(err, &certInvalidErr) {
		return fmt.Sprintf("WARNING:\n\n  The presented certificate is invalid: %v.\n", certInvalidErr)
	}

	if strings.Contains(err.Error(), "certificate is not trusted") {
		return unknownAuthority
	}
	return ""
}

const (
	// Bold is an escape code to format as bold or increased intensity.
	Bold = 1
	// Red is an escape code for red terminal color.
	Red = 31
	// Yellow is an escape code for yellow terminal color.
	Yellow = 33
	// Blue is an escape code for blue terminal color.
	Blue = 36
	// Gray is an escape code for gray terminal color.
	Gray = 37
)

// Color formats v in the given terminal escape color.
func Color(color int, v interface{}) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", color, v)
}

// InitCLIParser configures kingpin with the defaults shared across every
// siphon CLI entrypoint: repeatable flags and a compact usage template.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)
	app.AllRepeatable(true)
	app.HelpFlag.Hidden()
	app.HelpFlag.NoEnvar()
	return app.UsageTemplate(createUsageTemplate())
}

// UpdateAppUsageTemplate widens the command column of app's usage
// template to fit the longest command name actually registered, once
// args have been pre-parsed.
func UpdateAppUsageTemplate(app *kingpin.Application, args []string) {
	context, err := app.ParseContext(args)
	if err != nil {
		return
	}
	app.UsageTemplate(createUsageTemplate(withCommandPrintfWidth(app, context)))
}

func createUsageTemplate(opts ...func(*usageTemplateOptions)) string {
	opt := &usageTemplateOptions{commandPrintfWidth: defaultCommandPrintfWidth}
	for _, optFunc := range opts {
		optFunc(opt)
	}
	return fmt.Sprintf(defaultUsageTemplate, opt.commandPrintfWidth)
}

func withCommandPrintfWidth(app *kingpin.Application, context *kingpin.ParseContext) func(*usageTemplateOptions) {
	return func(opt *usageTemplateOptions) {
		var commands []*kingpin.CmdModel
		if context.SelectedCommand != nil {
			commands = context.SelectedCommand.Model().FlattenedCommands()
		} else {
			commands = app.Model().FlattenedCommands()
		}
		for _, command := range commands {
			if !command.Hidden && len(command.FullCommand) > opt.commandPrintfWidth {
				opt.commandPrintfWidth = len(command.FullCommand)
			}
		}
	}
}

// EscapeControl quotes s if it contains any non-printable characters, so
// an intercepted header or body value can never inject terminal control
// sequences into siphonctl's output.
func EscapeControl(s string) string {
	if needsQuoting(s) {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// AllowNewlines is EscapeControl but preserves literal newlines, for
// multi-line messages that are otherwise safe to print as-is.
func AllowNewlines(s string) string {
	if !strings.Contains(s, "\n") {
		return EscapeControl(s)
	}
	parts := strings.Split(s, "\n")
	for i, part := range parts {
		parts[i] = EscapeControl(part)
	}
	return strings.Join(parts, "\n")
}

func needsQuoting(text string) bool {
	for _, r := range text {
		if !strconv.IsPrint(r) {
			return true
		}
	}
	return false
}

// NewStdlogger creates a stdlib *log.Logger that writes into a leveled
// logrus output function, for the rare third-party dependency (e.g. the
// sqlite driver) that wants a stdlib logger rather than logrus directly.
func NewStdlogger(logger LeveledOutputFunc, component string) *stdlog.Logger {
	return stdlog.New(&stdlogAdapter{log: logger}, component, stdlog.LstdFlags)
}

// LeveledOutputFunc emits args at a specific level to an underlying logger.
type LeveledOutputFunc func(args ...interface{})

type stdlogAdapter struct {
	log LeveledOutputFunc
}

func (r *stdlogAdapter) Write(p []byte) (n int, err error) {
	r.log(string(p))
	return len(p), nil
}

type usageTemplateOptions struct {
	commandPrintfWidth int
}

const defaultCommandPrintfWidth = 12

const defaultUsageTemplate = `{{define "FormatCommand"}}\
{{if .FlagSummary}} {{.FlagSummary}}{{end}}\
{{range .Args}} {{if not .Required}}[{{end}}<{{.Name}}>{{if .Value|IsCumulative}}...{{end}}{{if not .Required}}]{{end}}{{end}}\
{{end}}\

{{define "FormatCommands"}}\
{{range .FlattenedCommands}}\
{{if not .Hidden}}\
  {{.FullCommand | printf "%%-%ds"}}{{if .Default}} (Default){{end}} {{ .Help }}
{{end}}\
{{end}}\
{{end}}\

{{define "FormatUsage"}}\
{{template "FormatCommand" .}}{{if .Commands}} <command> [<args> ...]{{end}}
{{if .Help}}
{{.Help|Wrap 0}}\
{{end}}\

{{end}}\

{{if .Context.SelectedCommand}}\
usage: {{.App.Name}} {{.Context.SelectedCommand}}{{template "FormatUsage" .Context.SelectedCommand}}
{{else}}\
Usage: {{.App.Name}}{{template "FormatUsage" .App}}
{{end}}\
{{if .Context.Flags}}\
Flags:
{{.Context.Flags|FlagsToTwoColumnsCompact|FormatTwoColumns}}
{{end}}\
{{if .Context.Args}}\
Args:
{{.Context.Args|ArgsToTwoColumns|FormatTwoColumns}}
{{end}}\
{{if .Context.SelectedCommand}}\

{{ if .Context.SelectedCommand.Commands}}\
Commands:
{{if .Context.SelectedCommand.Commands}}\
{{template "FormatCommands" .Context.SelectedCommand}}
{{end}}\
{{end}}\

{{else if .App.Commands}}\
Commands:
{{template "FormatCommands" .App}}
Try '{{.App.Name}} help [command]' to get help for a given command.
{{end}}\

{{ if .Context.SelectedCommand }}\
Aliases:
{{ range .Context.SelectedCommand.Aliases}}\
{{ . }}
{{end}}\
{{end}}
`
