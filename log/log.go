// Package log provides the module-scoped structured logger used across
// blockstackd-go, in the same spirit as the teacher's common/cache.go
// logger = log.NewModuleLogger(log.Common) idiom.
package log

import (
	"os"
	"sync"

	colorable "github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Well-known module names, mirroring the teacher's log.Common/log.API
// constants.
const (
	ModuleRPC       = "rpc"
	ModuleIndexer   = "indexer"
	ModuleAtlas     = "atlas"
	ModuleLifecycle = "lifecycle"
	ModuleNameDB    = "namedb"
	ModuleCommon    = "common"
	ModuleCmd       = "cmd"
)

var (
	mu      sync.Mutex
	base    *zap.Logger
	verbose bool
)

func init() {
	base = newBase(false)
}

// newBase builds the console logger, routing through go-colorable's
// Windows-safe ANSI writer so CapitalColorLevelEncoder's escape codes
// render the same way the teacher's api/debug/flags.go gets them to render
// on every platform, instead of just relying on the terminal's raw fd.
func newBase(debug bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(colorable.NewColorableStderr()), level)
	return zap.New(core, zap.AddCallerSkip(1))
}

// SetDebug toggles debug-level verbosity process-wide. Called once at
// startup from --debug.
func SetDebug(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = debug
	base = newBase(debug)
}

// SetOutputFile redirects every module logger to append to path. Nothing
// in this module calls it: Daemonize discards the daemonized process's
// stdout and stderr rather than sending them to a log file.
func SetOutputFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(cfg)
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(f), level)
	base = zap.New(core, zap.AddCallerSkip(1))
	return nil
}

// Logger is a module-scoped logger. Field order follows the teacher's
// logger.Error("message", "key", value, ...) convention, translated to
// zap's typed sugar API.
type Logger struct {
	module string
}

// NewModuleLogger returns the logger for the named module. Every call
// through it uses the base logger current at that moment, so SetDebug and
// SetOutputFile also apply to loggers created before them.
func NewModuleLogger(module string) *Logger {
	return &Logger{module: module}
}

func (l *Logger) sugar() *zap.SugaredLogger {
	mu.Lock()
	b := base
	mu.Unlock()
	return b.Sugar().With("module", l.module)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar().Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar().Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar().Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar().Errorw(msg, kv...) }

// Crit logs at error level and terminates the process. Used for the
// conditions spec.md §4.2/§4.6 mark FATAL (indexing errors escaping sync,
// corrupt PID files) — the Go analogue of the original's os.abort().
func (l *Logger) Crit(msg string, kv ...interface{}) {
	s := l.sugar()
	s.Errorw(msg, kv...)
	_ = s.Sync()
	os.Exit(2)
}
