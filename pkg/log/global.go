// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxLogKeyType struct{}

var CtxLogKey = ctxLogKeyType{}

// Debug 使用全局 logger 输出 Debug 级别日志。
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info 使用全局 logger 输出 Info 级别日志。
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn 使用全局 logger 输出 Warn 级别日志。
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error 使用全局 logger 输出 Error 级别日志。
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal 输出日志后退出进程。
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// RatedWarn 在全局限速器允许时输出 Warn 日志，返回是否实际输出。
func RatedWarn(cost float64, msg string, fields ...zap.Field) bool {
	if R().CheckCredit(cost) {
		L().Warn(msg, fields...)
		return true
	}
	return false
}

// With 返回带有固定字段的 MLogger。
func With(fields ...zap.Field) *MLogger {
	return &MLogger{Logger: base().With(fields...)}
}

// WithModule 在 ctx 中附加 module 字段。
func WithModule(ctx context.Context, module string) context.Context {
	return WithFields(ctx, FieldModule(module))
}

// WithSessionID 在 ctx 中附加会话 ID 字段，供同一会话上的所有日志复用。
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return WithFields(ctx, FieldSessionID(sessionID))
}

// WithFields 基于 ctx 中已有的 logger（若无则为全局 logger）追加字段。
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	var zlogger *zap.Logger
	if ctxLogger, ok := ctx.Value(CtxLogKey).(*MLogger); ok {
		zlogger = ctxLogger.Logger
	} else {
		zlogger = base()
	}
	return context.WithValue(ctx, CtxLogKey, &MLogger{Logger: zlogger.With(fields...)})
}

// NewIntentContext 创建一个带 span 的上下文，并将 role/intent/traceID 写入日志字段。
//
// 未配置 TracerProvider 时 otel 使用 no-op 实现，traceID 为全零。
func NewIntentContext(parent context.Context, name string, intent string) (context.Context, trace.Span) {
	if parent == nil {
		parent = context.Background()
	}
	intentCtx, span := otel.Tracer(name).Start(parent, intent)
	intentCtx = WithFields(intentCtx,
		zap.String("role", name),
		zap.String("intent", intent),
		zap.String("traceID", span.SpanContext().TraceID().String()))
	return intentCtx, span
}

// Ctx 返回 ctx 中携带的 logger；若无则返回全局 logger。
func Ctx(ctx context.Context) *MLogger {
	if ctx == nil {
		return &MLogger{Logger: base()}
	}
	if ctxLogger, ok := ctx.Value(CtxLogKey).(*MLogger); ok {
		return ctxLogger
	}
	return &MLogger{Logger: base()}
}
