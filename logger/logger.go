package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// Init builds a zap logger for env and installs it as the global logger.
// "development" gets the human readable console encoder, anything else the
// production JSON encoder.
func Init(env string) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if env == "development" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build logger -> %w", err)
	}

	zap.ReplaceGlobals(log)
	return log, nil
}
