package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 在临时目录写入 config.toml；siblings 为同目录下的附加文件（如清单 YAML）。
func writeTempConfig(t *testing.T, content string, siblings ...string) string {
	t.Helper()
	if len(siblings)%2 != 0 {
		t.Fatalf("siblings 需成对提供文件名与内容")
	}
	dir := t.TempDir()
	for i := 0; i < len(siblings); i += 2 {
		if err := os.WriteFile(filepath.Join(dir, siblings[i]), []byte(siblings[i+1]), 0o600); err != nil {
			t.Fatalf("写入 %s 失败: %v", siblings[i], err)
		}
	}
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
