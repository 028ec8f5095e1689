package service

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the global logger.
// Usage elsewhere: service.Logger.Info("order placed", zap.String("order_id", id))
var Logger *zap.Logger

// InitLogger builds the production zap logger.
func InitLogger() {
	config := zap.NewProductionConfig()

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"

	// To also write to a file: config.OutputPaths = []string{"stdout", "log/app.log"}

	var err error
	Logger, err = config.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
}
