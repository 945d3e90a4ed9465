package clickseg

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogLevelEnv 日志级别环境变量: debug|info|warn|error|off
const LogLevelEnv = "CLICKSEG_LOG_LEVEL"

var logger = newLogger(os.Getenv(LogLevelEnv))

// Logger 返回包级结构化日志
func Logger() zerolog.Logger { return logger }

// SetLogger 替换包级日志
func SetLogger(l zerolog.Logger) { logger = l }

// ParseLevel 解析日志级别, 未知值按 info 处理
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "disabled":
		return zerolog.Disabled
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newLogger(level string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(ParseLevel(level)).
		With().Timestamp().
		Logger()
}
