package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogFilePath  = "./logs/civic_realtime.log"
	defaultMaxSizeBytes = 20 * 1024 * 1024
	envLogFilePath      = "LOG_FILE_PATH"
	envLogMaxSizeMB     = "LOG_MAX_SIZE_MB"
	envLogFormat        = "LOG_FORMAT"
	envLogLevel         = "LOG_LEVEL"
	logFormatText       = "text"
	logFormatJSON       = "json"
	logFileDisabled     = "off"
)

var (
	globalMu sync.RWMutex
	global   = newLoggerFromEnv()
)

func newLoggerFromEnv() *zap.Logger {
	path := strings.TrimSpace(os.Getenv(envLogFilePath))
	if path == "" {
		path = defaultLogFilePath
	}

	maxSizeBytes := int64(defaultMaxSizeBytes)
	if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
		if sizeMB, err := strconv.Atoi(raw); err == nil && sizeMB > 0 {
			maxSizeBytes = int64(sizeMB) * 1024 * 1024
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat)))
	if format != logFormatJSON {
		format = logFormatText
	}
	level := parseLevel(os.Getenv(envLogLevel))

	consoleCfg := encoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
	}
	if path != logFileDisabled {
		var fileEncoder zapcore.Encoder
		if format == logFormatJSON {
			fileEncoder = zapcore.NewJSONEncoder(encoderConfig())
		} else {
			fileEncoder = zapcore.NewConsoleEncoder(encoderConfig())
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, newRotatingFile(path, maxSizeBytes), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(2))
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return cfg
}

func parseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Use swaps the process logger and returns a func restoring the previous one.
func Use(l *zap.Logger) func() {
	globalMu.Lock()
	prev := global
	global = l.WithOptions(zap.AddCallerSkip(2))
	globalMu.Unlock()
	return func() {
		globalMu.Lock()
		global = prev
		globalMu.Unlock()
	}
}

func Sync() {
	globalMu.RLock()
	defer globalMu.RUnlock()
	_ = global.Sync()
}

func Debugf(format string, args ...any) {
	logf(zapcore.DebugLevel, format, args...)
}

func Infof(format string, args ...any) {
	logf(zapcore.InfoLevel, format, args...)
}

func Warnf(format string, args ...any) {
	logf(zapcore.WarnLevel, format, args...)
}

func Errorf(format string, args ...any) {
	logf(zapcore.ErrorLevel, format, args...)
}

// Exceptionf logs at error level with a stack trace attached.
func Exceptionf(format string, args ...any) {
	logf(zapcore.ErrorLevel, format, append(args, exceptionMarker{})...)
}

type exceptionMarker struct{}

func logf(lv zapcore.Level, format string, args ...any) {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()

	var fields []zap.Field
	if n := len(args); n > 0 {
		if _, ok := args[n-1].(exceptionMarker); ok {
			args = args[:n-1]
			fields = append(fields, zap.Bool("exception", true), zap.StackSkip("stack", 2))
		}
	}
	if ce := l.Check(lv, fmt.Sprintf(format, args...)); ce != nil {
		ce.Write(fields...)
	}
}

type rotatingFile struct {
	mu           sync.Mutex
	filePath     string
	maxSizeBytes int64
	file         *os.File
}

func newRotatingFile(path string, maxSizeBytes int64) *rotatingFile {
	return &rotatingFile{filePath: path, maxSizeBytes: maxSizeBytes}
}

func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureOpen(); err != nil {
		fmt.Fprintf(os.Stderr, "logger open file error: %v\n", err)
		return 0, err
	}
	if err := f.rotateIfNeeded(int64(len(p))); err != nil {
		fmt.Fprintf(os.Stderr, "logger rotate error: %v\n", err)
		return 0, err
	}
	return f.file.Write(p)
}

func (f *rotatingFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return f.file.Sync()
}

func (f *rotatingFile) ensureOpen() error {
	if f.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.filePath), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(f.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	f.file = file
	return nil
}

func (f *rotatingFile) rotateIfNeeded(incomingSize int64) error {
	if f.file == nil {
		return nil
	}
	stat, err := f.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size()+incomingSize <= f.maxSizeBytes {
		return nil
	}

	if err := f.file.Sync(); err != nil {
		return err
	}
	if err := f.file.Close(); err != nil {
		return err
	}

	rotatedPath, err := nextRotatedPath(f.filePath)
	if err != nil {
		return err
	}
	if err := os.Rename(f.filePath, rotatedPath); err != nil {
		return err
	}

	file, err := os.OpenFile(f.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	f.file = file
	return nil
}

func nextRotatedPath(currentPath string) (string, error) {
	dir := filepath.Dir(currentPath)
	ext := filepath.Ext(currentPath)
	base := strings.TrimSuffix(filepath.Base(currentPath), ext)
	ts := time.Now().Format("20060102_150405")

	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", base, ts, index, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}
