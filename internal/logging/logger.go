package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/metrics"
)

// InitLogger 根据全局配置初始化 JSON 结构化日志。
// console 为未配置 LogFilePath 或日志目录不可写时的输出目标，nil 表示 os.Stdout。
func InitLogger(cfg config.GlobalConfig, console io.Writer) (*logrus.Logger, error) {
	if console == nil {
		console = os.Stdout
	}
	rawLevel := strings.TrimSpace(cfg.LogLevel)
	if rawLevel == "" {
		rawLevel = "info"
	}
	level, err := logrus.ParseLevel(rawLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, fallbackErr := openOutput(cfg, console)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(levelCounterHook{})

	// 第三方库直接使用 logrus 标准 logger，保持输出一致。
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if fallbackErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(fallbackErr.Error())
	}
	return logger, nil
}

// openOutput 优先使用 lumberjack 轮转文件；目录无法创建时退回 console 并返回原因。
func openOutput(cfg config.GlobalConfig, console io.Writer) (io.Writer, error) {
	path := strings.TrimSpace(cfg.LogFilePath)
	if path == "" {
		return console, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return console, fmt.Errorf("创建日志目录失败: %w", err)
	}

	maxSize := cfg.LogMaxSize
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// levelCounterHook 把 warn 及以上级别的日志计入 shellgate_log_entries_total。
type levelCounterHook struct{}

func (levelCounterHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (levelCounterHook) Fire(entry *logrus.Entry) error {
	metrics.LogEntries.WithLabelValues(entry.Level.String()).Inc()
	return nil
}
