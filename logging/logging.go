// Package logging provides centralized logging for the ensnet commands using
// the zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

var log *zap.SugaredLogger
var baseLogger *zap.Logger

// Init initializes the package-level logger. With debug set, a development
// console encoder is used; otherwise structured production output.
func Init(debug bool) error {
	var zapLogger *zap.Logger
	var err error

	if debug {
		zapLogger, err = zap.NewDevelopment(zap.AddCallerSkip(1))
	} else {
		zapLogger, err = zap.NewProduction(zap.AddCallerSkip(1))
	}
	if err != nil {
		return fmt.Errorf("can't initialize zap logger: %v", err)
	}

	baseLogger = zapLogger
	log = zapLogger.Sugar()
	return nil
}

// Sugared returns the sugared logger instance for components that hold their
// own logger reference.
func Sugared() *zap.SugaredLogger {
	if log == nil {
		baseLogger, _ = zap.NewProduction(zap.AddCallerSkip(1))
		log = baseLogger.Sugar()
	}
	return log
}

// Sync flushes any buffered log entries.
func Sync() {
	if log != nil {
		log.Sync()
	}
}

func Debugf(template string, args ...interface{}) {
	Sugared().Debugf(template, args...)
}

func Infof(template string, args ...interface{}) {
	Sugared().Infof(template, args...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	Sugared().Infow(msg, keysAndValues...)
}

func Warnf(template string, args ...interface{}) {
	Sugared().Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	Sugared().Errorf(template, args...)
}

func Fatalf(template string, args ...interface{}) {
	Sugared().Fatalf(template, args...)
}
