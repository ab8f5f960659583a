package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

func init() {
	Log = zap.New(newCore(), zap.AddCaller())
	Sugar = Log.Sugar()
}

func newCore() zapcore.Core {
	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
	return zapcore.NewCore(encoder, sink(), levelFromEnv())
}

// sink opens a dated log file under logs/ so a long-running node does not
// grow one unbounded file across days. The interactive prompt owns stdout,
// so logs never go there; if the file cannot be opened the node still runs
// and logs land on stderr.
func sink() zapcore.WriteSyncer {
	if err := os.MkdirAll("logs", 0755); err != nil {
		return zapcore.Lock(os.Stderr)
	}
	name := filepath.Join("logs", fmt.Sprintf("fileshare-%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(file)
}

func levelFromEnv() zapcore.Level {
	level := zapcore.InfoLevel
	for _, key := range []string{"FILESHARE_LOG_LEVEL", "LOG_LEVEL"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			_ = level.UnmarshalText([]byte(strings.ToLower(v)))
			break
		}
	}
	return level
}

// ForNode stamps every entry with the node's short identity. Several nodes
// sharing one working directory (the usual local test topology) write to
// the same dated file, so entries must stay attributable.
func ForNode(id string) *zap.SugaredLogger {
	if len(id) > 8 {
		id = id[:8]
	}
	return Sugar.With("node", id)
}
