// Package logging builds the structured logger shared by both peer
// binaries.
//
// Adapted from the teacher's utils/log.go: the same zap + lumberjack
// wiring (JSON encoder, a single tee'd rotating-file core gated by a level
// enabler), renamed from a package-level init() tied to one global config
// object into an explicit constructor so cmd/r2tcli and cmd/r2tsrv each
// build their own logger from their own loaded config.Config, and so
// package tests never depend on a file on disk.
package logging

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rdp2tcp/config"
)

type stderrWriter struct{}

func (stderrWriter) Write(p []byte) (int, error) { return os.Stderr.Write(p) }

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// New builds a logger from cfg. When cfg.Path is empty, logs go to stderr
// instead of a rotated file — useful for the client, which by default has
// no log file configured and must not fight the RDP client for stdout/stdin
// (those are the channel transport, per spec.md §6).
func New(cfg config.Log) *zap.Logger {
	level, ok := levelMap[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	var sink zapcore.WriteSyncer
	if cfg.Path == "" {
		sink = zapcore.Lock(zapcore.AddSync(stderrWriter{}))
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    1024,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	core := zapcore.NewTee(zapcore.NewCore(encoder, sink, enabler))
	return zap.New(core, zap.AddCaller())
}
