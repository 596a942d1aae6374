package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/proxy"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/server/routes"
	"github.com/shellgate/shellgate/internal/version"
	"github.com/shellgate/shellgate/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		if field, ok := config.FieldOf(err); ok {
			fmt.Fprintf(stdErr, "请检查字段 %s\n", field)
		}
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global, stdOut)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		return checkConfig(cfg, opts.configPath, logger)
	}

	registry, err := server.NewAppRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 App 注册表失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → App 注册表 → 快照存储 → worker 容器 → Fiber server。
	store, err := cache.Open(ctx, storeOptions(cfg))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化快照存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	workers, err := buildWorkers(cfg, registry, store, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 worker 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["apps"] = config.AppNames(cfg.Apps)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 预缓存在后台进行，期间请求按未受控处理直接回源。
	go workers.RegisterAll(ctx)
	go workers.RunSweeper(ctx, cfg.Global.ClientSweepInterval.DurationValue())

	forwarder := proxy.NewForwarder(workers, proxy.NewHandler(logger), logger)
	if err := startHTTPServer(ctx, cfg, registry, workers, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// checkConfig 额外解析每个 App 的资源清单，ManifestFile 缺失或为空时校验失败。
func checkConfig(cfg *config.Config, configPath string, logger *logrus.Logger) int {
	versions := make(map[string]string, len(cfg.Apps))
	for _, app := range cfg.Apps {
		manifest, err := app.ResolveManifest()
		if err != nil {
			fmt.Fprintf(stdErr, "App %s 清单无效: %v\n", app.Name, err)
			return 1
		}
		versions[app.Name] = fmt.Sprintf("%s (%d assets)", manifest.Version, len(manifest.Assets))
	}

	fields := logging.BaseFields("check_config", configPath)
	fields["apps"] = versions
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLGATE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLGATE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.AppRegistry,
	workers *worker.Registry,
	proxyHandler server.ProxyHandler,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, registry, workers)
	routes.RegisterControlRoutes(app, workers, logger)

	go func() {
		<-ctx.Done()
		logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("Fiber 服务关闭")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{"action": "shutdown"}).Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
