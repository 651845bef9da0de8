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

package intercept

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// rule is the declarative shape an interceptor source file decodes
// into: a host/path match plus what to do on a hit. Matcher and handler
// are expressed as data rather than code so a project can drop in an
// interceptor without a build step.
type rule struct {
	Name         string `yaml:"name"`
	HostPattern  string `yaml:"hostPattern"`
	PathPattern  string `yaml:"pathPattern"`
	Method       string `yaml:"method"`

	Mock *mockSpec `yaml:"mock"`

	ModifyRequest  *modifySpec `yaml:"modifyRequest"`
	ModifyResponse *modifySpec `yaml:"modifyResponse"`

	host *regexp.Regexp
	path *regexp.Regexp
}

type mockSpec struct {
	Status  int               `yaml:"status"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
}

type modifySpec struct {
	SetHeaders map[string]string `yaml:"setHeaders"`
	DelHeaders []string          `yaml:"delHeaders"`
	Body       *string           `yaml:"body"`
}

func parseRule(data []byte) (*rule, error) {
	var r rule
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, trace.Wrap(err)
	}
	var err error
	if r.HostPattern != "" {
		if r.host, err = regexp.Compile(r.HostPattern); err != nil {
			return nil, trace.BadParameter("invalid hostPattern: %v", err)
		}
	}
	if r.PathPattern != "" {
		if r.path, err = regexp.Compile(r.PathPattern); err != nil {
			return nil, trace.BadParameter("invalid pathPattern: %v", err)
		}
	}
	return &r, nil
}

// ruleHandler adapts a parsed rule to the Handler interface.
type ruleHandler struct {
	name string
	rule *rule
}

func (h *ruleHandler) Name() string { return h.name }

func (h *ruleHandler) MatchRequest(_ context.Context, req *RequestView) (*Decision, error) {
	if !h.matches(req) {
		return nil, nil
	}
	switch {
	case h.rule.Mock != nil:
		return &Decision{Outcome: OutcomeMock, Response: h.rule.Mock.toResponse()}, nil
	case h.rule.ModifyRequest != nil:
		view := applyModify(req, h.rule.ModifyRequest)
		return &Decision{Outcome: OutcomeModify, Request: view}, nil
	default:
		return nil, nil
	}
}

func (h *ruleHandler) MatchResponse(_ context.Context, req *RequestView, resp *ResponseView) (*Decision, error) {
	if h.rule.ModifyResponse == nil || !h.matches(req) {
		return nil, nil
	}
	view := applyModifyResponse(resp, h.rule.ModifyResponse)
	return &Decision{Outcome: OutcomeModify, Response: view}, nil
}

func (h *ruleHandler) matches(req *RequestView) bool {
	if h.rule.Method != "" && !strings.EqualFold(h.rule.Method, req.Method) {
		return false
	}
	if h.rule.host != nil {
		host := req.URL
		if idx := strings.Index(host, "://"); idx >= 0 {
			host = host[idx+3:]
		}
		if slash := strings.IndexByte(host, '/'); slash >= 0 {
			host = host[:slash]
		}
		if !h.rule.host.MatchString(host) {
			return false
		}
	}
	if h.rule.path != nil {
		path := req.URL
		if u, err := url.Parse(req.URL); err == nil {
			path = u.Path
		}
		if !h.rule.path.MatchString(path) {
			return false
		}
	}
	return true
}

func (m *mockSpec) toResponse() *ResponseView {
	status := m.Status
	if status == 0 {
		status = 200
	}
	headers := newHeaders()
	for k, v := range m.Headers {
		headers.Set(k, v)
	}
	return &ResponseView{Status: status, Headers: headers, Body: []byte(m.Body)}
}

func applyModify(req *RequestView, spec *modifySpec) *RequestView {
	out := &RequestView{Method: req.Method, URL: req.URL, Headers: req.Headers, Body: req.Body}
	out.Headers = cloneAndPatch(req.Headers, spec)
	if spec.Body != nil {
		out.Body = []byte(*spec.Body)
	}
	return out
}

func applyModifyResponse(resp *ResponseView, spec *modifySpec) *ResponseView {
	out := &ResponseView{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}
	out.Headers = cloneAndPatch(resp.Headers, spec)
	if spec.Body != nil {
		out.Body = []byte(*spec.Body)
	}
	return out
}
