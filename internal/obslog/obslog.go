// Package obslog builds the dual console + rotating-file zap logger every
// cmd/ entrypoint uses, grounded on the teacher's zap.NewProduction() +
// defer logger.Sync() habit in apps/discovery-service/cmd/api/main.go,
// generalized to two cores via zapcore.NewTee so every entrypoint also
// writes to a size-rotated file under the configured log directory
// (spec.md §6.4's log_dir, supplementing the original's weekly rotating
// file handler from sgeproxy/__main__.py).
package obslog

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a *zap.Logger writing structured JSON to both stderr and a
// rotated file named service+".log" under logDir.
func New(service, logDir string) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		zapcore.InfoLevel,
	)

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.Join(logDir, service+".log"),
			MaxSize:    100, // megabytes
			MaxBackups: 7,
			MaxAge:     7, // days a rotated backup is kept; rotation itself is by size only
			Compress:   true,
		}),
		zapcore.InfoLevel,
	)

	core := zapcore.NewTee(consoleCore, fileCore)
	return zap.New(core, zap.AddCaller()).With(zap.String("service", service))
}
