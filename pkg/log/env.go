package log

import (
	"os"
	"strconv"
	"strings"

	"github.com/uber/jaeger-client-go/utils"
)

// EnvPrefix 是日志相关环境变量的前缀。
const EnvPrefix = "RELAY_LOG"

// ConfigFromEnv 读取 <prefix>_* 环境变量生成日志配置：
//
//   - LEVEL: 日志级别，默认 info；
//   - FORMAT: text 或 json，默认 text；
//   - STDOUT: 是否输出到标准输出，默认 true；
//   - FILE_DIR / FILE: 文件日志目录与文件名，文件名为空表示不写文件。
func ConfigFromEnv(prefix string) *Config {
	return &Config{
		Level:  envString(prefix+"_LEVEL", "info"),
		Format: envString(prefix+"_FORMAT", "text"),
		Stdout: envBool(prefix+"_STDOUT", true),
		File: FileLogConfig{
			RootPath: envString(prefix+"_FILE_DIR", ""),
			Filename: envString(prefix+"_FILE", ""),
		},
	}
}

// rateLimiterFromEnv 读取 <prefix>_RATE_ENABLE、_RATE_CREDIT_PER_SECOND（默认 1）、_RATE_MAX_BALANCE（默认 60）。
// 未开启时返回不限速的实现。
func rateLimiterFromEnv(prefix string) RateLimiter {
	if !envBool(prefix+"_RATE_ENABLE", false) {
		return nopRateLimiter{}
	}
	return utils.NewRateLimiter(
		envFloat(prefix+"_RATE_CREDIT_PER_SECOND", 1),
		envFloat(prefix+"_RATE_MAX_BALANCE", 60))
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(envString(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func envFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(envString(key, ""), 64)
	if err != nil {
		return def
	}
	return f
}
