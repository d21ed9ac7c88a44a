package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/AutoMQ/omnistreams/pkg/util/typeutil"
)

const (
	_defaultLogLevel  = "info"
	_defaultLogFormat = "json"
)

// Log is configuration item for logging, including configuration for Zap.Logger and log rotation
type Log struct {
	Zap            zap.Config `toml:"-"`
	Rotate         Rotate
	EnableRotation bool
	Level          string
	// Format is the zap encoding, "json" or "console"
	Format string
	// Output lists the output paths, "stdout", "stderr" or files
	Output []string
}

// Rotate configures the lumberjack logger behind every output file
type Rotate struct {
	MaxSize    int // megabytes
	MaxAge     int // days, 0 keeps old files
	MaxBackups int // 0 keeps all old files
	Compress   bool
}

// NewLog creates a default logging configuration.
func NewLog() *Log {
	log := &Log{
		Zap: zap.NewProductionConfig(),
	}
	log.Zap.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	log.Zap.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log.Zap.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	return log
}

// Adjust adjusts the configuration in Log.Zap based on additional settings
func (l *Log) Adjust() error {
	if l.Format != "" {
		l.Zap.Encoding = l.Format
	}
	if output := typeutil.CompactStrings(l.Output); len(output) > 0 {
		l.Zap.OutputPaths = output
		l.Zap.ErrorOutputPaths = nil
	}
	if l.Zap.ErrorOutputPaths == nil {
		l.Zap.ErrorOutputPaths = make([]string, len(l.Zap.OutputPaths))
		copy(l.Zap.ErrorOutputPaths, l.Zap.OutputPaths)
	}

	if l.EnableRotation {
		for i, path := range l.Zap.OutputPaths {
			if isStdPath(path) || filepath.IsAbs(path) {
				continue
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return errors.Wrapf(err, "resolve log file %s", path)
			}
			l.Zap.OutputPaths[i] = abs
		}
	}

	if l.Level == "" {
		l.Level = _defaultLogLevel
	}
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return errors.WithMessage(err, "parse log level")
	}
	l.Zap.Level = zap.NewAtomicLevelAt(level)

	return nil
}

// Logger creates a logger based on the configuration
func (l *Log) Logger() (*zap.Logger, error) {
	if l.EnableRotation {
		return l.rotatingLogger()
	}
	logger, err := l.Zap.Build()
	if err != nil {
		return nil, errors.WithMessage(err, "build logger")
	}
	return logger, nil
}

// rotatingLogger writes files through lumberjack and the standard streams as they are.
func (l *Log) rotatingLogger() (*zap.Logger, error) {
	var encoder zapcore.Encoder
	switch l.Zap.Encoding {
	case "json":
		encoder = zapcore.NewJSONEncoder(l.Zap.EncoderConfig)
	case "console":
		encoder = zapcore.NewConsoleEncoder(l.Zap.EncoderConfig)
	default:
		return nil, errors.Errorf("unknown log format `%s`", l.Zap.Encoding)
	}

	writers := make([]zapcore.WriteSyncer, 0, len(l.Zap.OutputPaths))
	for _, path := range l.Zap.OutputPaths {
		writers = append(writers, l.writer(path))
	}
	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), l.Zap.Level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func (l *Log) writer(path string) zapcore.WriteSyncer {
	switch path {
	case "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    l.Rotate.MaxSize,
		MaxAge:     l.Rotate.MaxAge,
		MaxBackups: l.Rotate.MaxBackups,
		Compress:   l.Rotate.Compress,
	})
}

func isStdPath(path string) bool {
	return path == "stdout" || path == "stderr"
}

func logConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("log-level", _defaultLogLevel, "the minimum enabled logging level")
	fs.String("log-format", _defaultLogFormat, "log encoding, json or console")
	fs.StringSlice("log-output", []string{"stderr"}, "log output paths, files are rotated when log rotation is enabled")
	fs.Bool("log-enable-rotation", false, "rotate the log files")
	fs.Int("log-rotate-max-size", 64, "maximum size in megabytes of a log file before it gets rotated")
	fs.Int("log-rotate-max-age", 0, "maximum number of days to retain old log files, 0 to keep them")
	fs.Int("log-rotate-max-backups", 0, "maximum number of old log files to retain, 0 to retain all")
	fs.Bool("log-rotate-compress", false, "gzip the rotated log files")
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log.format", fs.Lookup("log-format"))
	_ = v.BindPFlag("log.output", fs.Lookup("log-output"))
	_ = v.BindPFlag("log.enableRotation", fs.Lookup("log-enable-rotation"))
	_ = v.BindPFlag("log.rotate.maxSize", fs.Lookup("log-rotate-max-size"))
	_ = v.BindPFlag("log.rotate.maxAge", fs.Lookup("log-rotate-max-age"))
	_ = v.BindPFlag("log.rotate.maxBackups", fs.Lookup("log-rotate-max-backups"))
	_ = v.BindPFlag("log.rotate.compress", fs.Lookup("log-rotate-compress"))
}
