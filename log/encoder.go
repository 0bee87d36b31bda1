package log

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

type Level int8

const (
	DebugLevel = Level(zapcore.DebugLevel)
	InfoLevel  = Level(zapcore.InfoLevel)
	WarnLevel  = Level(zapcore.WarnLevel)
	ErrorLevel = Level(zapcore.ErrorLevel)
)

func ParseLevel(text string) (Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(text))); err != nil {
		return InfoLevel, errors.WithMessagef(err, "unknown log level %s", text)
	}
	return Level(l), nil
}

type OutputEncoder func(config zapcore.EncoderConfig) zapcore.Encoder

var (
	JsonOutputEncoder    OutputEncoder = zapcore.NewJSONEncoder
	ConsoleOutputEncoder OutputEncoder = zapcore.NewConsoleEncoder
)

func ParseOutputEncoder(text string) (OutputEncoder, error) {
	switch strings.ToLower(text) {
	case "", "json":
		return JsonOutputEncoder, nil
	case "console":
		return ConsoleOutputEncoder, nil
	default:
		return nil, errors.Errorf("unknown log encoder %s", text)
	}
}

type LevelEncoder func(zapcore.Level, zapcore.PrimitiveArrayEncoder)

var (
	BracketLevelEncoder LevelEncoder = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + l.CapitalString() + "]")
	}
	CapitalLevelEncoder LevelEncoder = zapcore.CapitalLevelEncoder
)

type CallerEncoder func(zapcore.EntryCaller, zapcore.PrimitiveArrayEncoder)

var ShortCallerEncoder CallerEncoder = zapcore.ShortCallerEncoder

type NameEncoder func(string, zapcore.PrimitiveArrayEncoder)

var BracketNameEncoder NameEncoder = func(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + name + "]")
}
