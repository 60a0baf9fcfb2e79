// Package viper 在 spf13/viper 之上提供中继使用的配置读取：按节解码、环境变量覆盖。
package viper

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
	spfviper "github.com/spf13/viper"
)

// Config 是一份已加载（或为空）的配置。
type Config struct {
	v *spfviper.Viper
}

// New 创建空配置。envPrefix 非空时，<PREFIX>_<节>_<键> 形式的环境变量覆盖配置文件中已出现的同名键，
// 例如 RELAY_RELAY_REQUEST-TIMEOUT 覆盖 relay.request-timeout。
func New(envPrefix string) *Config {
	v := spfviper.New()
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	return &Config{v: v}
}

// LoadFile 读取 YAML 或 JSON 文件，类型由扩展名决定。
func (c *Config) LoadFile(path string) error {
	c.v.SetConfigFile(path)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		c.v.SetConfigType("yaml")
	case ".json":
		c.v.SetConfigType("json")
	default:
		return errors.Newf("unsupported config file type: %s", path)
	}
	if err := c.v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

// IsNotExist 判断 LoadFile 的错误是否由文件不存在引起。
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func (c *Config) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// Section 将 key 对应的节点解码到 dst；节点不存在时 dst 保持原值。
// 时间字段接受 "30s" 形式，字符串列表接受逗号分隔的单个字符串。
func (c *Config) Section(key string, dst any) error {
	if !c.v.IsSet(key) {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(c.subtree(key)); err != nil {
		return errors.Wrapf(err, "decode config section %q", key)
	}
	return nil
}

// subtree 逐个叶子键读取 key 下的配置，使环境变量覆盖对嵌套键同样生效。
func (c *Config) subtree(key string) any {
	prefix := strings.ToLower(key) + "."
	out := make(map[string]any)
	for _, k := range c.v.AllKeys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		node := out
		path := strings.Split(strings.TrimPrefix(k, prefix), ".")
		for _, p := range path[:len(path)-1] {
			next, ok := node[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[p] = next
			}
			node = next
		}
		node[path[len(path)-1]] = c.v.Get(k)
	}
	if len(out) == 0 {
		return c.v.Get(key)
	}
	return out
}
