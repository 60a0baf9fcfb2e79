// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

// Package retry 提供带指数退避的有限次重试，用于客户端首次拨号等一次性操作。
package retry

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// Do 调用 fn 直到成功、返回不可恢复错误、尝试次数用尽或 ctx 结束，返回最后一次失败的错误。
//
// 两次尝试之间的等待从 Sleep 开始逐次翻倍，上限为 MaxSleepTime；剩余截止时间不足一次等待时提前放弃。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	c := newDefaultConfig()
	for _, opt := range opts {
		opt(c)
	}

	var lastErr error
	wait := c.sleep
	for attempt := uint(1); ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return err
		}
		if c.isRetryErr != nil && !c.isRetryErr(err) {
			return err
		}
		lastErr = err

		if c.attempts > 0 && attempt >= c.attempts {
			log.Ctx(ctx).Warn("retry attempts exhausted", zap.Uint("attempts", attempt), zap.Error(err))
			return lastErr
		}
		if deadline, ok := ctx.Deadline(); ok && c.clock.Until(deadline) < wait {
			return lastErr
		}
		if c.onRetry != nil {
			c.onRetry(attempt, err, wait)
		}

		timer := c.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}

		wait *= 2
		if wait > c.maxSleepTime {
			wait = c.maxSleepTime
		}
	}
}

var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 标记 err 为不可恢复，Do 遇到后立即返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
