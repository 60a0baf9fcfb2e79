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
package conc

import (
	"time"

	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
)

type poolOption struct {
	name           string
	preAlloc       bool
	nonBlocking    bool // 池满时 Submit 立即失败而不是等待空闲 worker
	concealPanic   bool // 任务 panic 只记录日志，不再向上抛出
	expiryDuration time.Duration
}

// PoolOption 配置 Pool 的行为。
type PoolOption func(opt *poolOption)

func defaultPoolOption() *poolOption {
	return &poolOption{name: "conc"}
}

func (opt *poolOption) antsOptions() []ants.Option {
	result := []ants.Option{
		ants.WithPreAlloc(opt.preAlloc),
		ants.WithNonblocking(opt.nonBlocking),
		ants.WithPanicHandler(func(v any) {
			log.Error("pool task panicked", zap.String("pool", opt.name), zap.Any("panic", v))
			if !opt.concealPanic {
				panic(v)
			}
		}),
	}
	if opt.expiryDuration > 0 {
		result = append(result, ants.WithExpiryDuration(opt.expiryDuration))
	}
	return result
}

// WithName 设置池名，用于日志。
func WithName(name string) PoolOption {
	return func(opt *poolOption) {
		opt.name = name
	}
}

func WithPreAlloc(v bool) PoolOption {
	return func(opt *poolOption) {
		opt.preAlloc = v
	}
}

func WithNonBlocking(v bool) PoolOption {
	return func(opt *poolOption) {
		opt.nonBlocking = v
	}
}

func WithConcealPanic(v bool) PoolOption {
	return func(opt *poolOption) {
		opt.concealPanic = v
	}
}

// WithExpiryDuration 设置空闲 worker 的回收间隔。
func WithExpiryDuration(d time.Duration) PoolOption {
	return func(opt *poolOption) {
		opt.expiryDuration = d
	}
}
