package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile 是构建流水线输出的资源清单文件格式（YAML）。
//
//	version: v3
//	assets:
//	  - ./
//	  - index.html
//	  - styles.css
type ManifestFile struct {
	Version string   `yaml:"version"`
	Assets  []string `yaml:"assets"`
}

// AppManifest 是合并 TOML 与清单文件后的最终结果。
type AppManifest struct {
	Version string
	Assets  []string
}

// LoadManifestFile 读取 YAML 清单文件并去除空白条目。
func LoadManifestFile(path string) (ManifestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("读取清单文件失败: %w", err)
	}
	var mf ManifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return ManifestFile{}, fmt.Errorf("解析清单文件失败: %w", err)
	}
	mf.Version = strings.TrimSpace(mf.Version)
	mf.Assets = compactAssets(mf.Assets)
	return mf, nil
}

// ResolveManifest 合并内联 Manifest 与 ManifestFile：文件中的 assets 非空时整体替换内联列表，
// TOML 中的 Version 优先于文件中的 version。每次调用都会重新读取文件，便于热更新。
func (a AppConfig) ResolveManifest() (AppManifest, error) {
	result := AppManifest{
		Version: strings.TrimSpace(a.Version),
		Assets:  compactAssets(a.Manifest),
	}

	if file := strings.TrimSpace(a.ManifestFile); file != "" {
		mf, err := LoadManifestFile(file)
		if err != nil {
			return AppManifest{}, err
		}
		if len(mf.Assets) > 0 {
			result.Assets = mf.Assets
		}
		if result.Version == "" {
			result.Version = mf.Version
		}
	}

	if result.Version == "" {
		return AppManifest{}, errors.New("缺少版本号（Version 或清单文件 version）")
	}
	if len(result.Assets) == 0 {
		return AppManifest{}, errors.New("资源清单为空")
	}
	return result, nil
}

func compactAssets(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
