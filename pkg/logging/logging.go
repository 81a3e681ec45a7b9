// Package logging builds the zap logger shared by both binaries: console
// output on stdout plus a JSON file rotated by lumberjack.
package logging

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Dir holds <app>.log. Defaults to logs/ next to the executable.
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      zapcore.Level
}

// OptionsFromEnv reads the REMOTECTL_LOG_* knobs.
func OptionsFromEnv() Options {
	o := Options{
		MaxSizeMB:  getEnvInt("REMOTECTL_LOG_MAX_SIZE_MB", 20),
		MaxBackups: getEnvInt("REMOTECTL_LOG_MAX_BACKUPS", 5),
		MaxAgeDays: getEnvInt("REMOTECTL_LOG_MAX_AGE_DAYS", 7),
		Level:      zapcore.InfoLevel,
	}
	if v := os.Getenv("REMOTECTL_LOG_LEVEL"); v != "" {
		if lvl, err := zapcore.ParseLevel(v); err == nil {
			o.Level = lvl
		}
	}
	if os.Getenv("REMOTECTL_DEBUG") != "" {
		o.Level = zapcore.DebugLevel
	}
	return o
}

// New returns a logger named app writing to stdout and <Dir>/<app>.log. The
// returned closer flushes and closes the log file.
func New(app string, o Options) (*zap.SugaredLogger, func()) {
	if o.Dir == "" {
		exe, _ := os.Executable()
		o.Dir = filepath.Join(filepath.Dir(exe), "logs")
	}
	_ = os.MkdirAll(o.Dir, 0o755)
	file := &lumberjack.Logger{
		Filename:   filepath.Join(o.Dir, app+".log"),
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
		Compress:   false,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	level := zap.NewAtomicLevelAt(o.Level)
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level),
	)
	l := zap.New(core, zap.AddCaller()).Named(app)
	return l.Sugar(), func() {
		_ = l.Sync()
		_ = file.Close()
	}
}

func getEnvInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
