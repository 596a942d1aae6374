package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectAppLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	baseDir := filepath.Dir(path)
	for i := range cfg.Apps {
		applyAppDefaults(&cfg.Apps[i], baseDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("PublicScheme", "https")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("RedisAddr", "127.0.0.1:6379")
	v.SetDefault("RedisDB", 0)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("NavigationTimeout", "3s")
	v.SetDefault("ClientIdleTimeout", "30m")
	v.SetDefault("ClientSweepInterval", "30s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.PublicScheme = strings.ToLower(strings.TrimSpace(g.PublicScheme))
	if g.PublicScheme == "" {
		g.PublicScheme = "https"
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.NavigationTimeout.DurationValue() == 0 {
		g.NavigationTimeout = Duration(3 * time.Second)
	}
	if g.ClientIdleTimeout.DurationValue() == 0 {
		g.ClientIdleTimeout = Duration(30 * time.Minute)
	}
	if g.ClientSweepInterval.DurationValue() == 0 {
		g.ClientSweepInterval = Duration(30 * time.Second)
	}
}

// applyAppDefaults 填充 App 默认值；ManifestFile 的相对路径以配置文件所在目录为基准。
func applyAppDefaults(a *AppConfig, baseDir string) {
	a.Name = strings.TrimSpace(a.Name)
	if strings.TrimSpace(a.CachePrefix) == "" {
		a.CachePrefix = a.Name
	}
	a.Scope = NormalizeScope(a.Scope)
	if strings.TrimSpace(a.ShellPath) == "" {
		a.ShellPath = "index.html"
	}
	if strings.TrimSpace(a.WorkerPath) == "" {
		a.WorkerPath = "sw.js"
	}
	if a.NavigationTimeout.DurationValue() < 0 {
		a.NavigationTimeout = Duration(0)
	}
	if file := strings.TrimSpace(a.ManifestFile); file != "" && !filepath.IsAbs(file) && baseDir != "" {
		a.ManifestFile = filepath.Join(baseDir, file)
	}
}

// NormalizeScope 保证 scope 以 "/" 开头并以 "/" 结尾，例如 "keypad" → "/keypad/"。
func NormalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "/"
	}
	if !strings.HasPrefix(scope, "/") {
		scope = "/" + scope
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return scope
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func rejectAppLevelPorts(v *viper.Viper) error {
	raw := v.Get("App")
	apps, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range apps {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := lookupFold(m, "Port"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok {
				if str, ok := rawName.(string); ok && str != "" {
					name = str
				}
			}
			return newFieldError(appField(name, "Port"), "不支持按 App 配置端口，请使用全局 ListenPort")
		}
	}

	return nil
}

// lookupFold 忽略大小写查找键，viper 可能已将嵌套表的键转为小写。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
