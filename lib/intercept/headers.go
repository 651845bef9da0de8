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

import "github.com/siphon-dev/siphon/lib/store"

func newHeaders() *store.Headers {
	return store.NewHeaders()
}

// cloneAndPatch copies src and applies spec's header edits, leaving src
// itself untouched -- a Decision's Request/Response views must never
// alias the in-flight transaction's own header map.
func cloneAndPatch(src *store.Headers, spec *modifySpec) *store.Headers {
	out := store.NewHeaders()
	if src != nil {
		src.ForEach(func(k, v string) { out.Add(k, v) })
	}
	for _, k := range spec.DelHeaders {
		out.Del(k)
	}
	for k, v := range spec.SetHeaders {
		out.Set(k, v)
	}
	return out
}
