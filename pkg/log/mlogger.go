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

package log

import (
	"sync"

	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// _namedRateLimiters 按分组名保存限速器，同名分组在进程内共享额度。
var _namedRateLimiters sync.Map

// MLogger 在 zap.Logger 的基础上增加了按分组限速的能力。
type MLogger struct {
	*zap.Logger
	rl atomic.Value // RateLimiter
}

// With 返回附加了字段的新 MLogger，限速分组不会继承。
func (l *MLogger) With(fields ...zap.Field) *MLogger {
	return &MLogger{Logger: l.Logger.With(fields...)}
}

// WithRateGroup 为当前 logger 绑定一个具名限速器；同名分组在进程内共享额度。
func (l *MLogger) WithRateGroup(groupName string, creditPerSecond, maxBalance float64) *MLogger {
	rl := utils.NewRateLimiter(creditPerSecond, maxBalance)
	actual, loaded := _namedRateLimiters.LoadOrStore(groupName, rl)
	if loaded {
		rl = actual.(*utils.ReconfigurableRateLimiter)
		rl.Update(creditPerSecond, maxBalance)
	}
	l.rl.Store(RateLimiter(rl))
	return l
}

func (l *MLogger) r() RateLimiter {
	if rl, ok := l.rl.Load().(RateLimiter); ok && rl != nil {
		return rl
	}
	return R()
}

func (l *MLogger) RatedDebug(cost float64, msg string, fields ...zap.Field) bool {
	if l.r().CheckCredit(cost) {
		l.WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
		return true
	}
	return false
}

func (l *MLogger) RatedInfo(cost float64, msg string, fields ...zap.Field) bool {
	if l.r().CheckCredit(cost) {
		l.WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
		return true
	}
	return false
}

func (l *MLogger) RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	if l.r().CheckCredit(cost) {
		l.WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
		return true
	}
	return false
}
