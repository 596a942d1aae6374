package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的快照存储驱动。
const (
	StorageDriverFS      = "fs"
	StorageDriverLevelDB = "leveldb"
	StorageDriverRedis   = "redis"
	StorageDriverMemory  = "memory"
)

// GlobalConfig 描述全局运行时行为，所有 App 共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	PublicScheme        string   `mapstructure:"PublicScheme"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	StorageDriver       string   `mapstructure:"StorageDriver"`
	RedisAddr           string   `mapstructure:"RedisAddr"`
	RedisPassword       string   `mapstructure:"RedisPassword"`
	RedisDB             int      `mapstructure:"RedisDB"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	NavigationTimeout   Duration `mapstructure:"NavigationTimeout"`
	ClientIdleTimeout   Duration `mapstructure:"ClientIdleTimeout"`
	ClientSweepInterval Duration `mapstructure:"ClientSweepInterval"`
}

// AppConfig 描述一个可离线安装的前端应用：对外域名、源站以及需要预缓存的资源清单。
type AppConfig struct {
	Name              string   `mapstructure:"Name"`
	Domain            string   `mapstructure:"Domain"`
	Upstream          string   `mapstructure:"Upstream"`
	Proxy             string   `mapstructure:"Proxy"`
	Scope             string   `mapstructure:"Scope"`
	CachePrefix       string   `mapstructure:"CachePrefix"`
	Version           string   `mapstructure:"Version"`
	Manifest          []string `mapstructure:"Manifest"`
	ManifestFile      string   `mapstructure:"ManifestFile"`
	ShellPath         string   `mapstructure:"ShellPath"`
	PlaceholderPath   string   `mapstructure:"PlaceholderPath"`
	WorkerPath        string   `mapstructure:"WorkerPath"`
	NavigationTimeout Duration `mapstructure:"NavigationTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Apps   []AppConfig  `mapstructure:"App"`
}

// AppNames 返回所有 App 名称，供启动日志输出。
func AppNames(apps []AppConfig) []string {
	if len(apps) == 0 {
		return nil
	}
	result := make([]string, len(apps))
	for i, app := range apps {
		result[i] = fmt.Sprintf("%s@%s", app.Name, app.Domain)
	}
	return result
}

// EffectiveNavigationTimeout 返回特定 App 生效的导航超时，未覆盖时回退至全局值。
func (c *Config) EffectiveNavigationTimeout(app AppConfig) time.Duration {
	if app.NavigationTimeout.DurationValue() > 0 {
		return app.NavigationTimeout.DurationValue()
	}
	return c.Global.NavigationTimeout.DurationValue()
}
