// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package log provides the leveled logging facade used across the catalog
// services. It wraps a zap SugaredLogger behind package-level functions so
// callers never carry a logger handle around.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

func init() {
	l, _ := defaultConfig("info").Build(zap.AddCallerSkip(1))
	logger = l.Sugar()
}

func defaultConfig(level string) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg
}

// SetupLogger (re)configures the package logger with the given minimum level.
// It is called once from the CLI after the configuration is resolved; tests
// may call it again to raise or lower verbosity.
func SetupLogger(level string) error {
	l, err := defaultConfig(level).Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l.Sugar()
	mu.Unlock()
	return nil
}

// ReplaceLogger swaps in an externally built zap logger. Used by tests to
// capture output.
func ReplaceLogger(l *zap.Logger) {
	mu.Lock()
	logger = l.Sugar().WithOptions(zap.AddCallerSkip(1))
	mu.Unlock()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debugf formats message according to format specifier and logs it at the debug level.
func Debugf(format string, params ...interface{}) {
	get().Debugf(format, params...)
}

// Infof formats message according to format specifier and logs it at the info level.
func Infof(format string, params ...interface{}) {
	get().Infof(format, params...)
}

// Warnf formats message according to format specifier and logs it at the warn level.
func Warnf(format string, params ...interface{}) {
	get().Warnf(format, params...)
}

// Errorf formats message according to format specifier and logs it at the error level.
func Errorf(format string, params ...interface{}) {
	get().Errorf(format, params...)
}

// Flush flushes any buffered log entries.
func Flush() {
	_ = get().Sync()
}
