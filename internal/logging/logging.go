// Package logging builds the zap logger shared by the dissector packages.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Verbose bool
	Debug   bool
	// File receives info and above in addition to the console. Empty
	// disables the file sink.
	File string
	// Console defaults to stderr.
	Console io.Writer
}

// ConsoleLevel is warn unless Verbose (info) or Debug (debug) is set.
func (o Options) ConsoleLevel() zapcore.Level {
	switch {
	case o.Debug:
		return zapcore.DebugLevel
	case o.Verbose:
		return zapcore.InfoLevel
	default:
		return zapcore.WarnLevel
	}
}

// New returns the logger and a function that flushes and closes its sinks.
func New(o Options) (*zap.Logger, func(), error) {
	console := o.Console
	if console == nil {
		console = os.Stderr
	}
	consoleEnc := zap.NewDevelopmentEncoderConfig()
	consoleEnc.TimeKey = ""
	consoleEnc.CallerKey = ""
	consoleEnc.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.AddSync(console), o.ConsoleLevel()),
	}
	closers := []func() error{}

	if o.File != "" {
		f, err := os.OpenFile(o.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		fileLevel := zapcore.InfoLevel
		if o.Debug {
			fileLevel = zapcore.DebugLevel
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileEnc), zapcore.AddSync(f), fileLevel))
		closers = append(closers, f.Close)
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	closeFn := func() {
		_ = logger.Sync()
		for _, c := range closers {
			_ = c()
		}
	}
	return logger, closeFn, nil
}
