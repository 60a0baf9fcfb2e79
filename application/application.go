// Package application 负责进程级的公共初始化：定位并加载配置文件、初始化全局与模块日志。
package application

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/viper"
)

const (
	defaultConfigPath = "./config.yaml"

	envConfigPath = "RELAY_CONFIG_FILE_PATH"
	envPrefix     = "RELAY"
)

// Application 是进程的运行时容器，持有配置以及按名称创建的模块日志。
type Application struct {
	cfg     *viper.Config
	path    string
	loggers map[string]*log.MLogger
}

func New() *Application {
	return &Application{}
}

// Run 解析 os.Args 并完成初始化，见 Init。
func (a *Application) Run() error {
	return a.Init(os.Args[1:])
}

// Init 加载配置并初始化日志。配置文件路径的优先级从低到高：
//  1. 默认值 ./config.yaml（文件不存在时使用空配置）；
//  2. 环境变量 RELAY_CONFIG_FILE_PATH；
//  3. 命令行 --config <path> 或 --config=<path>。
func (a *Application) Init(args []string) error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}

	cfg, err := a.loadConfig(args)
	if err != nil {
		return err
	}
	a.cfg = cfg

	return a.initModuleLoggersFromConfig()
}

// Config 返回已加载的配置。
func (a *Application) Config() *viper.Config {
	return a.cfg
}

// ConfigPath 返回实际使用的配置文件路径，使用空配置时为空。
func (a *Application) ConfigPath() string {
	return a.path
}

// Section 将配置中 key 对应的节点反序列化到 dst，节点不存在时 dst 保持不变。
func (a *Application) Section(key string, dst any) error {
	if a.cfg == nil {
		return nil
	}
	return a.cfg.Section(key, dst)
}

// Logger 返回按名称配置的模块日志，未配置时返回全局 logger。
func (a *Application) Logger(name string) *log.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return log.With(log.FieldModule(name))
}

func (a *Application) loadConfig(args []string) (*viper.Config, error) {
	configPath := defaultConfigPath
	explicit := false

	if envPath := os.Getenv(envConfigPath); envPath != "" {
		configPath = envPath
		explicit = true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value after --config")
			}
			configPath = args[i+1]
			explicit = true
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			if val := strings.TrimPrefix(arg, "--config="); val != "" {
				configPath = val
				explicit = true
			}
		}
	}

	cfg := viper.New(envPrefix)
	if err := cfg.LoadFile(configPath); err != nil {
		if viper.IsNotExist(err) && !explicit {
			log.Info("config file not found, using defaults", zap.String("path", configPath))
			return cfg, nil
		}
		return nil, err
	}
	a.path = configPath
	log.Info("config loaded", zap.String("path", configPath))
	return cfg, nil
}

// initGlobalLoggerFromEnv 按 RELAY_LOG_* 环境变量配置进程级 logger，见 log.ConfigFromEnv。
func (a *Application) initGlobalLoggerFromEnv() error {
	logger, props, err := log.InitLogger(log.ConfigFromEnv(log.EnvPrefix))
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig 根据配置文件 logging 节点创建具名 logger。
//
// 示例：
//
//	logging:
//	  transport:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: transport.log
func (a *Application) initModuleLoggersFromConfig() error {
	raw := make(map[string]log.Config)
	if err := a.Section("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*log.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := log.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		a.loggers[name] = &log.MLogger{Logger: logger.With(log.FieldModule(name))}
	}
	return nil
}
