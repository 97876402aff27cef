// Package logger 提供结构化日志功能
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLogger atomic.Pointer[zap.Logger]

// Config 日志配置
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, file path
}

// Init 初始化日志
func Init(cfg Config) error {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writer zapcore.WriteSyncer
	switch cfg.Output {
	case "", "stdout":
		writer = zapcore.AddSync(os.Stdout)
	case "stderr":
		writer = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		writer = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, writer, parseLevel(cfg.Level))
	defaultLogger.Store(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))

	return nil
}

// Replace 替换默认 logger（测试中注入 zaptest / observer）
func Replace(l *zap.Logger) {
	defaultLogger.Store(l.WithOptions(zap.AddCallerSkip(1)))
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L 返回默认 logger
func L() *zap.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l, _ := zap.NewProduction(zap.AddCallerSkip(1))
	defaultLogger.CompareAndSwap(nil, l)
	return defaultLogger.Load()
}

// Debug 输出 debug 日志
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info 输出 info 日志
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn 输出 warn 日志
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error 输出 error 日志
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// With 创建带字段的 logger
func With(fields ...zap.Field) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).With(fields...)
}

// Named 创建带组件名的 logger
func Named(component string) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

// Sync 刷新日志缓冲
func Sync() error {
	return L().Sync()
}
