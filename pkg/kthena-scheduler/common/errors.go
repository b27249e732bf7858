/*
Copyright The Volcano Authors.

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

package common

import (
	"errors"
	"fmt"
)

// ErrorCode classifies scheduler errors.
type ErrorCode string

const (
	CodeCapacityExceeded   ErrorCode = "CapacityExceeded"
	CodeInvalidTransition  ErrorCode = "InvalidTransition"
	CodeBackendUnavailable ErrorCode = "BackendUnavailable"
	CodeDispatchTimeout    ErrorCode = "DispatchTimeout"
	CodeNotFound           ErrorCode = "NotFound"
	CodeRateLimited        ErrorCode = "RateLimited"
	CodeInvalidArgument    ErrorCode = "InvalidArgument"
	CodeCancelled          ErrorCode = "Cancelled"
)

// Error is a coded scheduler error. Two errors match with errors.Is when their codes are equal.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrCapacityExceeded   = &Error{Code: CodeCapacityExceeded}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
	ErrBackendUnavailable = &Error{Code: CodeBackendUnavailable}
	ErrDispatchTimeout    = &Error{Code: CodeDispatchTimeout}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrRateLimited        = &Error{Code: CodeRateLimited}
	ErrInvalidArgument    = &Error{Code: CodeInvalidArgument}
	ErrCancelled          = &Error{Code: CodeCancelled}
)

// CodeOf returns the code of err, or an empty code when err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError converts err into a coded error, wrapping foreign errors as BackendUnavailable.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeBackendUnavailable, Message: err.Error()}
}
