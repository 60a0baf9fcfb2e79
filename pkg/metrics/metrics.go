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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// relayNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	relayNamespace = "relay"

	sessionSubsystem   = "session"
	requestSubsystem   = "request"
	admissionSubsystem = "admission"

	outcomeLabelName = "outcome"
	reasonLabelName  = "reason"
	methodLabelName  = "method"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: sessionSubsystem,
		Name:      "active",
		Help:      "当前在线的中继会话数量",
	})

	SessionsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: sessionSubsystem,
		Name:      "reaped_total",
		Help:      "因空闲超时被回收的会话数量",
	})

	PendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: requestSubsystem,
		Name:      "pending",
		Help:      "当前等待结果的中继请求数量",
	})

	RequestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: requestSubsystem,
		Name:      "outcomes_total",
		Help:      "中继请求按终态统计的数量",
	}, []string{outcomeLabelName})

	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: relayNamespace,
		Subsystem: requestSubsystem,
		Name:      "latency",
		Help:      "中继请求从提交到终态的耗时（毫秒）",
		Buckets:   buckets,
	}, []string{outcomeLabelName})

	RequestsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: requestSubsystem,
		Name:      "rejected_total",
		Help:      "提交阶段即被拒绝的中继请求数量",
	}, []string{reasonLabelName})

	DroppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: requestSubsystem,
		Name:      "dropped_events_total",
		Help:      "因请求不存在或会话不匹配而被忽略的结果事件数量",
	}, []string{reasonLabelName})

	AdmissionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: admissionSubsystem,
		Name:      "decisions_total",
		Help:      "连接准入结果统计，reason 为空表示放行",
	}, []string{reasonLabelName})

	TrackedAddresses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: admissionSubsystem,
		Name:      "tracked_addresses",
		Help:      "准入滑动窗口中仍有记录的来源地址数量",
	})

	ExecuteMethods = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: requestSubsystem,
		Name:      "methods_total",
		Help:      "通过校验的中继请求按 HTTP 方法统计的数量",
	}, []string{methodLabelName})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(ActiveSessions)
		r.MustRegister(SessionsReaped)
		r.MustRegister(PendingRequests)
		r.MustRegister(RequestOutcomes)
		r.MustRegister(RequestLatency)
		r.MustRegister(RequestsRejected)
		r.MustRegister(DroppedEvents)
		r.MustRegister(AdmissionDecisions)
		r.MustRegister(TrackedAddresses)
		r.MustRegister(ExecuteMethods)
		metricRegisterer = r
	})
}
