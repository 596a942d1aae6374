package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:      {},
	StorageDriverLevelDB: {},
	StorageDriverRedis:   {},
	StorageDriverMemory:  {},
}

const supportedStorageDriverList = "fs|leveldb|redis|memory"

// 缓存代际名称会直接作为目录名/键前缀使用，因此限制字符集。
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.PublicScheme != "http" && g.PublicScheme != "https" {
		return newFieldError("Global.PublicScheme", "仅支持 http/https")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StorageDriver != StorageDriverRedis && g.StorageDriver != StorageDriverMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.StorageDriver == StorageDriverRedis && strings.TrimSpace(g.RedisAddr) == "" {
		return newFieldError("Global.RedisAddr", "redis 驱动需要 RedisAddr")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.NavigationTimeout.DurationValue() <= 0 {
		return newFieldError("Global.NavigationTimeout", "必须大于 0")
	}
	if g.ClientIdleTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ClientIdleTimeout", "必须大于 0")
	}
	if g.ClientSweepInterval.DurationValue() <= 0 {
		return newFieldError("Global.ClientSweepInterval", "必须大于 0")
	}

	if len(c.Apps) == 0 {
		return errors.New("至少需要配置一个 App")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Apps {
		app := &c.Apps[i]
		if app.Name == "" {
			return newFieldError("App[].Name", "不能为空")
		}
		if !namePattern.MatchString(app.Name) {
			return newFieldError(appField(app.Name, "Name"), "仅允许字母、数字、. _ -")
		}
		if _, exists := seenNames[app.Name]; exists {
			return newFieldError(appField(app.Name, "Name"), "重复")
		}
		seenNames[app.Name] = struct{}{}

		if err := validateDomain(app.Domain); err != nil {
			return newFieldError(appField(app.Name, "Domain"), err.Error())
		}
		domain := strings.ToLower(strings.TrimSpace(app.Domain))
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(appField(app.Name, "Domain"), "与其他 App 重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateUpstream(app.Upstream); err != nil {
			return newFieldError(appField(app.Name, "Upstream"), err.Error())
		}
		if app.Proxy != "" {
			if err := validateProxy(app.Proxy); err != nil {
				return newFieldError(appField(app.Name, "Proxy"), err.Error())
			}
		}

		if !namePattern.MatchString(app.CachePrefix) {
			return newFieldError(appField(app.Name, "CachePrefix"), "仅允许字母、数字、. _ -")
		}
		if app.Version != "" && !namePattern.MatchString(app.Version) {
			return newFieldError(appField(app.Name, "Version"), "仅允许字母、数字、. _ -")
		}

		manifest, err := app.ResolveManifest()
		if err != nil {
			return newFieldError(appField(app.Name, "Manifest"), err.Error())
		}
		if !namePattern.MatchString(manifest.Version) {
			return newFieldError(appField(app.Name, "Version"), "仅允许字母、数字、. _ -")
		}
		for _, asset := range manifest.Assets {
			if err := validateAssetPath(asset); err != nil {
				return newFieldError(appField(app.Name, "Manifest"), err.Error())
			}
		}
		for field, value := range map[string]string{
			"ShellPath":       app.ShellPath,
			"PlaceholderPath": app.PlaceholderPath,
			"WorkerPath":      app.WorkerPath,
		} {
			if value == "" {
				continue
			}
			if err := validateAssetPath(value); err != nil {
				return newFieldError(appField(app.Name, field), err.Error())
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateProxy(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("仅支持 http/https/socks5 代理: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("代理缺少 Host: %s", raw)
	}
	return nil
}

// validateAssetPath 要求清单条目为相对路径，保证同一份清单可部署在根目录或子目录。
func validateAssetPath(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("无效资源路径 %q: %w", raw, err)
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return fmt.Errorf("资源路径不能包含协议或主机: %s", raw)
	}
	if strings.HasPrefix(parsed.Path, "/") {
		return fmt.Errorf("资源路径必须相对于 Scope: %s", raw)
	}
	return nil
}

// EffectiveClientIdleTimeout 返回客户端空闲超时。
func (c *Config) EffectiveClientIdleTimeout() time.Duration {
	return c.Global.ClientIdleTimeout.DurationValue()
}
