package loggers

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	ceramicrepo "github.com/ceramicnetwork/go-ceramic-repo"
	"github.com/ceramicnetwork/go-ceramic-repo/common"
	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// NewLogger builds the process-wide logger. Every line carries the service
// name, plus the deployment environment when ENV is set, so per-stream child
// loggers (ForStream) stay correlatable across nodes.
func NewLogger() models.Logger {
	level := zap.NewAtomicLevelAt(zap.DebugLevel)

	logLevel := os.Getenv(ceramicrepo.Env_LogLevel)
	if len(logLevel) > 0 {
		if parsedLevel, err := zap.ParseAtomicLevel(logLevel); err != nil {
			log.Fatalf("Error parsing log level %s: %v", logLevel, err)
		} else {
			level = parsedLevel
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.InitialFields = map[string]interface{}{"service": common.ServiceName}
	if env := os.Getenv(ceramicrepo.Env_Env); len(env) > 0 {
		cfg.InitialFields["env"] = env
	}
	baseLogger := zap.Must(cfg.Build())

	return baseLogger.Sugar()
}

func NewTestLogger() models.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "timestamp"
	baseLogger := zap.Must(cfg.Build())

	return baseLogger.Sugar()
}

// ForStream returns a child logger scoped to one stream, so load, apply, and
// anchor flows for the same stream can be correlated across the two
// execution queues. Falls back to the base logger for non-zap
// implementations.
func ForStream(logger models.Logger, streamId string) models.Logger {
	if sugared, ok := logger.(*zap.SugaredLogger); ok {
		return sugared.With("stream", streamId)
	}
	return logger
}
