package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存 buffer，结束后恢复。
func useBufferWriters(t *testing.T) {
	t.Helper()
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &bytes.Buffer{}, &bytes.Buffer{}
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}

// configFixture 指向 internal/config/testdata；go test 以包目录（仓库根）为工作目录。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("fixture %s 不存在: %v", name, err)
	}
	return path
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
