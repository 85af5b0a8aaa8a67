// Package log builds the process-wide zap logger.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	grovessh "github.com/jbweber/grove/internal/ssh"
)

// ParseLevel converts a level name (debug, info, warn, error) into an
// AtomicLevel.
func ParseLevel(name string) (zap.AtomicLevel, error) {
	lvl, err := zap.ParseAtomicLevel(name)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return lvl, nil
}

// InitLog builds a console logger at lvl. Logs go to stderr so command
// output on stdout stays machine readable; file, when set, receives a copy.
func InitLog(lvl zap.AtomicLevel, file string) (*zap.Logger, error) {
	outputs := []string{"stderr"}
	if file != "" {
		outputs = append(outputs, grovessh.ExpandPath(file))
	}

	loggerCfg := &zap.Config{
		Level:    lvl,
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "severity",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerCfg.Build(zap.AddStacktrace(zap.DPanicLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// Setup builds the logger from a level name and installs it as the zap
// global. The returned function restores the previous globals and flushes.
func Setup(level, file string) (*zap.Logger, func(), error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	logger, err := InitLog(lvl, file)
	if err != nil {
		return nil, nil, err
	}
	undo := zap.ReplaceGlobals(logger)
	return logger, func() {
		_ = logger.Sync()
		undo()
	}, nil
}
