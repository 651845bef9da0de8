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

package control

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
)

// toWireError maps a gravitational/trace-wrapped error to the closed
// wire taxonomy. Handlers return trace.NotFound/BadParameter/etc. and
// let this be the single place that knows about the wire encoding.
func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var wired *WireError
	if errors.As(err, &wired) {
		return wired
	}
	switch {
	case trace.IsNotFound(err):
		return &WireError{Code: ErrNotFound, Message: err.Error()}
	case trace.IsBadParameter(err):
		return &WireError{Code: ErrInvalidArgument, Message: err.Error()}
	case trace.IsLimitExceeded(err):
		return &WireError{Code: ErrTimeout, Message: err.Error()}
	case trace.IsConnectionProblem(err):
		return &WireError{Code: ErrUpstreamError, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &WireError{Code: ErrTimeout, Message: err.Error()}
	case isInterceptorError(err):
		return &WireError{Code: ErrInterceptorError, Message: err.Error()}
	case isStorageError(err):
		return &WireError{Code: ErrStorageError, Message: err.Error()}
	default:
		return &WireError{Code: ErrInternal, Message: err.Error()}
	}
}

// interceptorError and storageError let handlers tag an error with a
// specific wire code without the control package reaching into
// lib/intercept or lib/store internals.
type interceptorError struct{ err error }

func (e *interceptorError) Error() string { return e.err.Error() }
func (e *interceptorError) Unwrap() error { return e.err }

func newInterceptorError(err error) error { return &interceptorError{err: err} }

func isInterceptorError(err error) bool {
	var ie *interceptorError
	return errors.As(err, &ie)
}

type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

func newStorageError(err error) error { return &storageError{err: err} }

func isStorageError(err error) bool {
	var se *storageError
	return errors.As(err, &se)
}
