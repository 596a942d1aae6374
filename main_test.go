package main

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/server"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("SHELLGATE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "-check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" || !opts.checkOnly {
		t.Fatalf("flag 应高于环境变量，得到 %+v", opts)
	}
}

func TestParseCLIFlagsDefaultPath(t *testing.T) {
	t.Setenv("SHELLGATE_CONFIG", "")
	opts, err := parseCLIFlags(nil)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "config.toml" {
		t.Fatalf("默认配置路径应为 config.toml，得到 %s", opts.configPath)
	}
	if _, err := parseCLIFlags([]string{"--unknown"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("stderr 应包含错误提示，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "shellgate") {
		t.Fatalf("version 输出应包含 shellgate 标识")
	}
}

func TestBuildWorkersFromConfig(t *testing.T) {
	cfg, err := config.Load(configFixture(t, "valid.toml"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	registry, err := server.NewAppRegistry(cfg)
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	workers, err := buildWorkers(cfg, registry, cache.NewMemoryStore(), logger)
	if err != nil {
		t.Fatalf("buildWorkers 失败: %v", err)
	}
	containers := workers.List()
	if len(containers) != 2 {
		t.Fatalf("应为每个 App 构建 Container，得到 %d", len(containers))
	}

	docs, ok := workers.Get("docs")
	if !ok {
		t.Fatalf("缺少 docs Container")
	}
	if docs.Scope() != "/handbook/" || docs.Origin().String() != "https://docs.local" {
		t.Fatalf("docs Container 参数不正确: scope=%s origin=%s", docs.Scope(), docs.Origin())
	}
	if docs.Active() != nil {
		t.Fatalf("构建阶段不应安装任何版本")
	}
}

func TestManifestSourceReadsManifestFile(t *testing.T) {
	cfg, err := config.Load(configFixture(t, "valid.toml"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	var docs config.AppConfig
	for _, app := range cfg.Apps {
		if app.Name == "docs" {
			docs = app
		}
	}

	m, err := manifestSource(docs)()
	if err != nil {
		t.Fatalf("解析清单失败: %v", err)
	}
	if m.Version != "2024.06.1" || len(m.Assets) != 4 {
		t.Fatalf("清单内容不正确: %+v", m)
	}
}

func TestStoreOptionsFollowGlobalConfig(t *testing.T) {
	cfg := &config.Config{Global: config.GlobalConfig{
		StorageDriver: config.StorageDriverRedis,
		RedisAddr:     "redis.internal:6379",
		RedisDB:       3,
	}}
	opts := storeOptions(cfg)
	if opts.Driver != cache.DriverRedis || opts.RedisAddr != "redis.internal:6379" || opts.RedisDB != 3 {
		t.Fatalf("存储参数映射错误: %+v", opts)
	}

	cfg.Global.StorageDriver = config.StorageDriverMemory
	store, err := cache.Open(context.Background(), storeOptions(cfg))
	if err != nil {
		t.Fatalf("memory 驱动不应失败: %v", err)
	}
	defer store.Close()
}

func TestRunCheckConfigRejectsMissingManifestFile(t *testing.T) {
	configPath := writeConfigFile(t, `
StoragePath = "./data"

[[App]]
Name = "keypad"
Domain = "keypad.local"
Upstream = "http://127.0.0.1:8080"
Version = "v1"
ManifestFile = "does-not-exist.yaml"
`)
	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, checkOnly: true}); code == 0 {
		t.Fatalf("缺失的清单文件应导致校验失败")
	}
	if !strings.Contains(stdErrBuffer().String(), "请检查字段 App[keypad].Manifest") {
		t.Fatalf("stderr 应指出 App，得到 %s", stdErrBuffer().String())
	}
}

func TestRunCheckConfigReportsManifestVersions(t *testing.T) {
	useBufferWriters(t)
	if code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true}); code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
	out := stdOutBuffer().String()
	if !strings.Contains(out, "2024.06.1 (4 assets)") || !strings.Contains(out, "v1 (9 assets)") {
		t.Fatalf("check-config 日志应包含各 App 的清单版本，得到 %s", out)
	}
}
