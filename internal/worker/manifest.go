package worker

import (
	"fmt"
	"net/url"
)

// Manifest 是部署时确定的预缓存资源清单，Assets 为相对 scope 的路径。
type Manifest struct {
	Version string
	Assets  []string
}

// ManifestSource 在每次安装时提供最新清单，通常来自配置文件。
type ManifestSource func() (Manifest, error)

// Resolve 将资源解析为 scope 下的请求标识，按清单顺序去重。"./" 解析为 scope 本身。
func (m Manifest) Resolve(scope string) ([]string, error) {
	base, err := url.Parse(scope)
	if err != nil {
		return nil, fmt.Errorf("invalid scope %q: %w", scope, err)
	}
	seen := make(map[string]struct{}, len(m.Assets))
	out := make([]string, 0, len(m.Assets))
	for _, asset := range m.Assets {
		ref, err := url.Parse(asset)
		if err != nil {
			return nil, fmt.Errorf("invalid asset %q: %w", asset, err)
		}
		if ref.IsAbs() || ref.Host != "" {
			return nil, fmt.Errorf("asset %q must be relative to scope", asset)
		}
		key := RequestKey(base.ResolveReference(ref))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}
