package mlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger is a zap.SugaredLogger-backed Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a ZapLogger. env selects the encoder ("production"
// for JSON, anything else for a colorized console encoder); level sets
// the minimum enabled level.
func NewZapLogger(env string, level Level) (*ZapLogger, error) {
	var cfg zap.Config

	if env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{sugar: logger.Sugar()}, nil
}

func toZapLevel(l Level) zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *ZapLogger) Info(args ...any)                  { l.sugar.Info(args...) }
func (l *ZapLogger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *ZapLogger) Error(args ...any)                 { l.sugar.Error(args...) }
func (l *ZapLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }
func (l *ZapLogger) Warn(args ...any)                  { l.sugar.Warn(args...) }
func (l *ZapLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *ZapLogger) Debug(args ...any)                 { l.sugar.Debug(args...) }
func (l *ZapLogger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *ZapLogger) Sync() error                       { return l.sugar.Sync() }

//nolint:ireturn
func (l *ZapLogger) WithFields(fields ...any) Logger {
	return &ZapLogger{sugar: l.sugar.With(fields...)}
}

// NewDefault returns a ZapLogger using LOG_LEVEL/ENV_NAME env vars,
// falling back to info/development, never failing construction.
func NewDefault() Logger {
	lvl := InfoLevel

	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if parsed, err := ParseLevel(v); err == nil {
			lvl = parsed
		}
	}

	logger, err := NewZapLogger(os.Getenv("ENV_NAME"), lvl)
	if err != nil {
		return &NoneLogger{}
	}

	return logger
}
