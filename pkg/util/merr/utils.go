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
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Status 是错误在协议层的表示，随 ack 一起返回给对端。
type Status struct {
	Code      int32  `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`
}

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case relayError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

// IsRetryableErr 判断错误是否可以由调用方重试。
func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(relayError); ok {
		return err.retriable
	}
	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

// Detail 返回错误携带的原始描述；对 RemoteExecutionFailed 而言即对端上报的原文。
func Detail(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := errors.Cause(err).(relayError); ok {
		return e.Detail()
	}
	return err.Error()
}

// NewStatus 根据给定错误构造 Status，err 为 nil 时返回表示成功的 Status。
func NewStatus(err error) *Status {
	if err == nil {
		return &Status{}
	}
	return &Status{
		Code:      Code(err),
		Message:   err.Error(),
		Retriable: IsRetryableErr(err),
	}
}

func Ok(status *Status) bool {
	return status == nil || status.Code == 0
}

// Error 将 Status 还原为错误，成功的 Status 返回 nil。
func Error(status *Status) error {
	if Ok(status) {
		return nil
	}
	return newRelayError(status.Message, status.Code, status.Retriable)
}

func GetErrorType(err error) ErrorType {
	if merr, ok := errors.Cause(err).(relayError); ok {
		return merr.errType
	}
	return SystemError
}

// Service 相关错误封装。
func WrapErrServiceInternal(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceInternal, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTooManyPending(limit int, msg ...string) error {
	err := wrapFields(ErrServiceTooManyRequests, value("limit", limit))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// 校验相关错误封装。
func WrapErrValidation(reason string, fields ...errorField) error {
	return wrapFieldsWithDesc(ErrValidation, reason, fields...)
}

func WrapErrDuplicateRequest(requestID string) error {
	return wrapFields(ErrDuplicateRequest, value("requestID", requestID))
}

// 准入相关错误封装。
func WrapErrAdmissionDenied(reason string, source string) error {
	return wrapFieldsWithDesc(ErrAdmissionDenied, reason, value("source", source))
}

// 会话相关错误封装。
func WrapErrSessionNotFound(sessionID string, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("session", sessionID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionExists(sessionID string) error {
	return wrapFields(ErrSessionExists, value("session", sessionID))
}

func WrapErrSessionLimitExceeded(limit int) error {
	return wrapFields(ErrSessionLimitExceeded, value("limit", limit))
}

// 请求结果相关错误封装。
func WrapErrTimeout(requestID string, timeout time.Duration) error {
	return wrapFields(ErrTimeout, value("requestID", requestID), value("timeout", timeout))
}

// WrapErrRemoteExecutionFailed 保留对端上报的错误原文，可通过 Detail 取回。
func WrapErrRemoteExecutionFailed(requestID string, remoteMsg string) error {
	err := wrapFieldsWithDesc(ErrRemoteExecutionFailed, remoteMsg, value("requestID", requestID))
	e := err.(relayError)
	e.detail = remoteMsg
	return e
}

func WrapErrConnectionClosed(sessionID string, requestID string) error {
	return wrapFields(ErrConnectionClosed, value("session", sessionID), value("requestID", requestID))
}

// 协议相关错误封装。
func WrapErrProtocolMalformed(reason string) error {
	return wrapFieldsWithDesc(ErrProtocolMalformed, reason)
}

func WrapErrProtocolVersion(version string, want string) error {
	return wrapFields(ErrProtocolVersion, value("version", version), value("want", want))
}

func wrapFields(err relayError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err relayError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

// Value 构造一个 name=value 形式的错误字段。
func Value(name string, v any) errorField {
	return value(name, v)
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}
