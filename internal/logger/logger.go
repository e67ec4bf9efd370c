package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

// Config mirrors the logging section of the bound viper config.
type Config struct {
	Level      string
	Format     string
	OutputPath string
}

func Initialize(cfg Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn", "warning":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		zapConfig.OutputPaths = []string{cfg.OutputPath}
		zapConfig.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	built, err := zapConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	Logger = built
	Sugar = built.Sugar()
	return built, nil
}

func Get() *zap.Logger {
	if Logger == nil {
		l, _ := zap.NewProduction()
		Logger = l
		Sugar = l.Sugar()
	}
	return Logger
}

func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

// NewRequestLogger scopes a logger to one Dispatch call's trace id.
func NewRequestLogger(traceID string) *zap.Logger {
	return Get().With(zap.String("trace_id", traceID))
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

func init() {
	if Logger == nil {
		var l *zap.Logger
		if os.Getenv("ENV") == "production" {
			l, _ = zap.NewProduction()
		} else {
			l, _ = zap.NewDevelopment()
		}
		Logger = l
		Sugar = l.Sugar()
	}
}
