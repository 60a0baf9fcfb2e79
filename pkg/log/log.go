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

// Package log 提供进程级 zap 日志：全局 logger、ctx 携带的 logger、按分组限速输出以及滚动文件。
package log

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/natefinch/lumberjack.v2"
)

// globals 是一次 ReplaceGlobals 的快照，整体替换保证各字段一致。
type globals struct {
	base  *zap.Logger // Ctx/With 派生用
	pkg   *zap.Logger // 包级 Debug/Info 等函数用，多跳过一层调用栈
	sugar *zap.SugaredLogger
	props *ZapProperties
}

var (
	_globals     atomic.Pointer[globals]
	_rateLimiter atomic.Value // RateLimiter
)

// RateLimiter 是限速日志所需的最小接口。
type RateLimiter interface {
	CheckCredit(delta float64) bool
}

// nopRateLimiter 从不丢弃日志。
type nopRateLimiter struct{}

func (nopRateLimiter) CheckCredit(float64) bool { return true }

func init() {
	lg, props, _ := InitLogger(&Config{Level: "debug", Stdout: true}, zap.OnFatal(zapcore.WriteThenPanic))
	ReplaceGlobals(lg, props)
	_rateLimiter.Store(rateLimiterFromEnv(EnvPrefix))
}

// InitLogger 按配置创建 logger，输出到标准输出和/或滚动文件。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	output, err := openOutputs(cfg)
	if err != nil {
		return nil, nil, err
	}
	return InitLoggerWithWriteSyncer(cfg, output, opts...)
}

// InitTestLogger 为单元测试创建 logger，输出写入 t.Log，zap 内部错误会使测试失败。
func InitTestLogger(t zaptest.TestingT, cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	writer := newTestingWriter(t)
	opts = append([]zap.Option{zap.ErrorOutput(writer.WithMarkFailed(true))}, opts...)
	return InitLoggerWithWriteSyncer(cfg, writer, opts...)
}

// InitLoggerWithWriteSyncer 使用指定输出创建 logger。级别 trace 视作 debug，空级别为 info。
func InitLoggerWithWriteSyncer(cfg *Config, output zapcore.WriteSyncer, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	atomicLevel := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(cfg.newEncoder(), output, atomicLevel)
	lg := zap.New(core, append(cfg.buildOptions(output), opts...)...)
	return lg, &ZapProperties{Core: core, Syncer: output, Level: atomicLevel}, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return zapcore.InfoLevel, nil
	case strings.EqualFold(s, "trace"):
		return zapcore.DebugLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, errors.Wrapf(err, "invalid log level %q", s)
	}
	return level, nil
}

func openOutputs(cfg *Config) (zapcore.WriteSyncer, error) {
	var outputs []zapcore.WriteSyncer
	if cfg.File.Filename != "" {
		file, err := newRotatingFile(&cfg.File)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, zapcore.AddSync(file))
	}
	if cfg.Stdout {
		outputs = append(outputs, zapcore.Lock(os.Stdout))
	}
	return zap.CombineWriteSyncers(outputs...), nil
}

// newRotatingFile 创建按大小滚动的日志文件，目录不存在时自动创建。
func newRotatingFile(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	path := filepath.Join(cfg.RootPath, cfg.Filename)
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return nil, errors.Newf("log file %s is a directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = defaultLogMaxSize
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}

// ReplaceGlobals 替换全局 logger，并发安全。
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	_globals.Store(&globals{
		base:  logger,
		pkg:   logger.WithOptions(zap.AddCallerSkip(1)),
		sugar: logger.Sugar(),
		props: props,
	})
}

// L 返回包级函数使用的全局 logger。
func L() *zap.Logger {
	return _globals.Load().pkg
}

func S() *zap.SugaredLogger {
	return _globals.Load().sugar
}

func base() *zap.Logger {
	return _globals.Load().base
}

// R 返回全局限速器，未开启限速时从不丢弃。
func R() RateLimiter {
	if rl, ok := _rateLimiter.Load().(RateLimiter); ok && rl != nil {
		return rl
	}
	return nopRateLimiter{}
}

// Sync 刷新缓冲中的日志。
func Sync() error {
	return base().Sync()
}

// Level 返回全局日志级别，可在运行时调整。
func Level() zap.AtomicLevel {
	return _globals.Load().props.Level
}

func SetLevel(l zapcore.Level) {
	Level().SetLevel(l)
}

func GetLevel() zapcore.Level {
	return Level().Level()
}
