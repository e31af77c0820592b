// Package logger 封装全局 zap logger，支持 stdout 与 lumberjack 滚动文件输出。
package logger

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/mediaflow/genrelay/internal/pkg/ctxkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options 日志初始化参数
type Options struct {
	Level      string
	Format     string // json | console
	ToStdout   bool
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// Init 根据 Options 构建全局 logger；重复调用会替换旧实例。
func Init(opts Options) error {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(normalizeLevel(opts.Level))); err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if strings.EqualFold(opts.Format, "console") {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var sinks []zapcore.WriteSyncer
	if opts.ToStdout || strings.TrimSpace(opts.FilePath) == "" {
		sinks = append(sinks, zapcore.Lock(os.Stdout))
	}
	if path := strings.TrimSpace(opts.FilePath); path != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    positiveOr(opts.MaxSizeMB, 100),
			MaxBackups: positiveOr(opts.MaxBackups, 5),
			MaxAge:     positiveOr(opts.MaxAgeDays, 14),
			Compress:   opts.Compress,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	l := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	mu.Lock()
	global = l
	mu.Unlock()
	return nil
}

// L 返回全局 logger
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// ReplaceForTest 替换全局 logger，返回恢复函数。
func ReplaceForTest(l *zap.Logger) func() {
	mu.Lock()
	prev := global
	global = l
	mu.Unlock()
	return func() {
		mu.Lock()
		global = prev
		mu.Unlock()
	}
}

// FromContext 返回附带 request_id / user_id 的 logger。
func FromContext(ctx context.Context) *zap.Logger {
	l := L()
	if ctx == nil {
		return l
	}
	if id, ok := ctx.Value(ctxkey.ClientRequestID).(string); ok && id != "" {
		l = l.With(zap.String("request_id", id))
	}
	if uid, ok := ctx.Value(ctxkey.UserID).(string); ok && uid != "" {
		l = l.With(zap.String("user_id", uid))
	}
	return l
}

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return "info"
	}
	if level == "warning" {
		return "warn"
	}
	return level
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
