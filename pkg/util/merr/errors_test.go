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
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrSessionNotFound("s-1")
	wrapped := errors.Wrap(err, "failed to touch session")
	s.ErrorIs(wrapped, ErrSessionNotFound)
	s.Equal(Code(ErrSessionNotFound), Code(wrapped))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errors.New("boom")))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newRelayError("new error", ErrSessionNotFound.errCode, false)
	s.True(sameCodeErr.Is(ErrSessionNotFound))
	s.False(ErrTimeout.Is(ErrSessionNotFound))
}

func (s *ErrSuite) TestStatus() {
	err := WrapErrTimeout("r-1", time.Second)
	status := NewStatus(err)
	s.True(status.Retriable)
	restored := Error(status)
	s.ErrorIs(restored, ErrTimeout)
	s.True(Ok(NewStatus(nil)))
	s.Nil(Error(&Status{}))
}

func (s *ErrSuite) TestWrap() {
	s.ErrorIs(WrapErrServiceInternal("invariant broken"), ErrServiceInternal)
	s.ErrorIs(WrapErrTooManyPending(10), ErrServiceTooManyRequests)
	s.ErrorIs(WrapErrValidation("method not allowed", Value("method", "TRACE")), ErrValidation)
	s.ErrorIs(WrapErrDuplicateRequest("r-1"), ErrDuplicateRequest)
	s.ErrorIs(WrapErrAdmissionDenied("TooManyAttempts", "10.0.0.1"), ErrAdmissionDenied)
	s.ErrorIs(WrapErrSessionExists("s-1"), ErrSessionExists)
	s.ErrorIs(WrapErrSessionLimitExceeded(1), ErrSessionLimitExceeded)
	s.ErrorIs(WrapErrConnectionClosed("s-1", "r-1"), ErrConnectionClosed)
	s.ErrorIs(WrapErrProtocolMalformed("bad frame"), ErrProtocolMalformed)
	s.ErrorIs(WrapErrProtocolVersion("0.1.0", ">=1.0.0"), ErrProtocolVersion)

	s.Equal(InputError, GetErrorType(WrapErrValidation("x")))
	s.Equal(SystemError, GetErrorType(ErrConnectionClosed))
}

func (s *ErrSuite) TestRemoteExecutionFailedKeepsMessage() {
	err := WrapErrRemoteExecutionFailed("r-1", "ECONNREFUSED 127.0.0.1:8080")
	s.ErrorIs(err, ErrRemoteExecutionFailed)
	s.Equal("ECONNREFUSED 127.0.0.1:8080", Detail(err))
	s.Contains(err.Error(), "ECONNREFUSED 127.0.0.1:8080")
	s.False(IsRetryableErr(err))
}

func (s *ErrSuite) TestCombine() {
	s.Nil(Combine(nil, nil))
	err := Combine(ErrTimeout, nil, ErrConnectionClosed)
	s.ErrorIs(err, ErrTimeout)
	s.ErrorIs(err, ErrConnectionClosed)
	s.Contains(err.Error(), "connection closed")
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
