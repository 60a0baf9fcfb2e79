// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// 叶子错误统一在此定义。
// WARN: 新增错误前请先确认下面已有的错误是否可以复用。
// 命名：Err + 相关前缀 + 错误名
var (
	// Service 相关
	ErrServiceNotReady        = newRelayError("service not ready", 1, true)
	ErrServiceTooManyRequests = newRelayError("too many pending requests", 4, true)
	ErrServiceInternal        = newRelayError("service internal error", 5, false) // 不应返回给对端

	// 中继命令校验相关
	ErrValidation       = newRelayError("relay command validation failed", 100, false, WithErrorType(InputError))
	ErrDuplicateRequest = newRelayError("request id already pending", 101, false, WithErrorType(InputError))

	// 连接准入相关
	ErrAdmissionDenied = newRelayError("connection admission denied", 200, false)

	// 会话相关
	ErrSessionNotFound      = newRelayError("session not found", 300, false)
	ErrSessionExists        = newRelayError("session already exists", 301, false)
	ErrSessionLimitExceeded = newRelayError("exceeded the limit number of sessions", 302, true)

	// 请求结果相关
	ErrTimeout               = newRelayError("relay request timed out", 400, true)
	ErrRemoteExecutionFailed = newRelayError("remote execution failed", 401, false)
	ErrConnectionClosed      = newRelayError("connection closed", 402, false)

	// 协议相关
	ErrProtocolMalformed = newRelayError("malformed protocol message", 500, false, WithErrorType(InputError))
	ErrProtocolVersion   = newRelayError("unsupported protocol version", 501, false, WithErrorType(InputError))

	// 不导出：仅用于将未知错误转换为 relayError
	errUnexpected = newRelayError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*relayError)

func WithDetail(detail string) errorOption {
	return func(err *relayError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *relayError) {
		err.errType = etype
	}
}

type relayError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newRelayError(msg string, code int32, retriable bool, options ...errorOption) relayError {
	err := relayError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e relayError) code() int32 {
	return e.errCode
}

func (e relayError) Error() string {
	return e.msg
}

func (e relayError) Detail() string {
	return e.detail
}

func (e relayError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(relayError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// 多个错误的 cause 定义为最后一个错误。
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

// Combine 合并多个错误，忽略其中的 nil。
func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
