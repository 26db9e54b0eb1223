package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the process-wide logger. All helpers are no-ops while it is nil so
// packages can be exercised in tests without calling Init.
var Log *zap.SugaredLogger

// Audit receives one record per housekeeping run. Falls back to Log when no
// audit sink is attached.
var Audit *zap.SugaredLogger

var (
	mu    sync.Mutex
	sinks []*lumberjack.Logger
)

// Options controls where log lines go and how verbose they are.
type Options struct {
	Level      string
	Dir        string // when set, logs also go to <Dir>/convodb.log
	MaxSizeMB  int
	MaxBackups int
}

// ParseLevel maps config strings onto zap levels, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.MessageKey = "event"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

func rotating(path string, opts Options) *lumberjack.Logger {
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	backups := opts.MaxBackups
	if backups <= 0 {
		backups = 5
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: backups,
		Compress:   true,
	}
	sinks = append(sinks, lj)
	return lj
}

// Init builds the global logger. Calling it again replaces the previous one.
func Init(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))
	enc := zapcore.NewJSONEncoder(encoderConfig())
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o700); err == nil {
			lj := rotating(filepath.Join(opts.Dir, "convodb.log"), opts)
			cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(lj), level))
		}
	}
	Log = zap.New(zapcore.NewTee(cores...)).Sugar()
}

// InitNop installs a logger that discards everything.
func InitNop() {
	mu.Lock()
	defer mu.Unlock()
	Log = zap.NewNop().Sugar()
	Audit = nil
}

// AttachAuditFileSink writes audit records as JSON lines to
// <auditDir>/audit.log.
func AttachAuditFileSink(auditDir string, opts Options) error {
	if auditDir == "" {
		return os.ErrInvalid
	}
	if err := os.MkdirAll(auditDir, 0o700); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	lj := rotating(filepath.Join(auditDir, "audit.log"), opts)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(lj), zapcore.InfoLevel)
	Audit = zap.New(core).Sugar()
	return nil
}

// Sync flushes buffered entries and closes file sinks.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if Log != nil {
		_ = Log.Sync()
	}
	if Audit != nil {
		_ = Audit.Sync()
	}
	for _, s := range sinks {
		_ = s.Close()
	}
	sinks = nil
}

func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debugw(msg, args...)
}

func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Infow(msg, args...)
}

func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warnw(msg, args...)
}

func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Errorw(msg, args...)
}

// AuditEvent records msg on the audit sink, or the main logger without one.
func AuditEvent(msg string, args ...any) {
	if Audit != nil {
		Audit.Infow(msg, args...)
		return
	}
	Info(msg, args...)
}
