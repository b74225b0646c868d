package logger

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variable to configure log file path.
const envLogPath = "OFFLINE_AGENT_LOG"

var (
	mu      sync.Mutex
	base    *zap.Logger
	sugar   *zap.SugaredLogger
	logFile *os.File
)

// InitFromEnv initializes the logger using OFFLINE_AGENT_LOG or a default path.
func InitFromEnv() error {
	path := os.Getenv(envLogPath)
	if path == "" {
		// Default to the directory where the executable is located
		if exePath, err := os.Executable(); err == nil {
			path = filepath.Join(filepath.Dir(exePath), "offline-agent.log")
		} else {
			path = "./offline-agent.log"
		}
	}
	return Init(path)
}

// Init initializes the logger to write JSON lines to the provided file path.
// It creates parent directories if needed and opens the file in append mode.
// The special path "-" writes to stderr.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		return nil
	}

	var ws zapcore.WriteSyncer
	if path == "-" {
		ws = zapcore.Lock(os.Stderr)
	} else {
		if err := ensureParentDir(path); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		logFile = f
		ws = zapcore.AddSync(f)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zap.InfoLevel)
	base = zap.New(core)
	sugar = base.Sugar()
	return nil
}

// Close flushes buffered entries and closes the underlying log file, if open.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
	base, sugar = nil, nil
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// L returns the structured logger. It is a no-op logger until Init succeeds.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		return zap.NewNop()
	}
	return base
}

// Infof logs informational messages.
func Infof(format string, args ...any) { s().Infof(format, args...) }

// Warnf logs warnings.
func Warnf(format string, args ...any) { s().Warnf(format, args...) }

// Errorf logs errors.
func Errorf(format string, args ...any) { s().Errorf(format, args...) }

func s() *zap.SugaredLogger {
	mu.Lock()
	l := sugar
	mu.Unlock()
	if l == nil {
		// Fallback: initialize with default if not already.
		_ = InitFromEnv()
		mu.Lock()
		l = sugar
		mu.Unlock()
	}
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
