package logs

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"rollup/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

var (
	mu       sync.RWMutex
	logLevel = LevelInfo
	logger   *Logger
)

// Logger 结构体
type Logger struct {
	traceLogger   *log.Logger
	debugLogger   *log.Logger
	verboseLogger *log.Logger
	infoLogger    *log.Logger
	warnLogger    *log.Logger
	errorLogger   *log.Logger
}

const logFlags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile

func newLogger(out, errOut io.Writer) *Logger {
	return &Logger{
		traceLogger:   log.New(out, "[TRACE]   ", logFlags),
		debugLogger:   log.New(out, "[DEBUG]   ", logFlags),
		verboseLogger: log.New(out, "[VERBOSE] ", logFlags),
		infoLogger:    log.New(out, "[INFO]    ", logFlags),
		warnLogger:    log.New(out, "[WARN]    ", logFlags),
		errorLogger:   log.New(errOut, "[ERROR]   ", logFlags),
	}
}

func init() {
	logger = newLogger(os.Stdout, os.Stderr)
}

// ParseLevel maps a config string to a level constant.
func ParseLevel(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "verbose":
		return LevelVerbose, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetLevel 设置全局日志级别
func SetLevel(level int) {
	mu.Lock()
	logLevel = level
	mu.Unlock()
}

// Init applies a LogConfig. With File set, output is also written to a
// rotating file.
func Init(cfg config.LogConfig) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	out, errOut := io.Writer(os.Stdout), io.Writer(os.Stderr)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		errOut = io.MultiWriter(os.Stderr, rotator)
	}
	mu.Lock()
	logger = newLogger(out, errOut)
	logLevel = level
	mu.Unlock()
	return nil
}

func output(level int, pick func(*Logger) *log.Logger, format string, v []interface{}) {
	mu.RLock()
	l, cur := logger, logLevel
	mu.RUnlock()
	if cur <= level {
		// 3: output -> Trace/Debug/... -> caller
		_ = pick(l).Output(3, fmt.Sprintf(format, v...))
	}
}

// 包级别的日志方法
func Trace(format string, v ...interface{}) {
	output(LevelTrace, func(l *Logger) *log.Logger { return l.traceLogger }, format, v)
}

func Debug(format string, v ...interface{}) {
	output(LevelDebug, func(l *Logger) *log.Logger { return l.debugLogger }, format, v)
}

func Verbose(format string, v ...interface{}) {
	output(LevelVerbose, func(l *Logger) *log.Logger { return l.verboseLogger }, format, v)
}

func Info(format string, v ...interface{}) {
	output(LevelInfo, func(l *Logger) *log.Logger { return l.infoLogger }, format, v)
}

func Warn(format string, v ...interface{}) {
	output(LevelWarning, func(l *Logger) *log.Logger { return l.warnLogger }, format, v)
}

func Error(format string, v ...interface{}) {
	output(LevelError, func(l *Logger) *log.Logger { return l.errorLogger }, format, v)
}
