package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	outputEncoder OutputEncoder
	level         Level
	// callerEncoder nil disables caller reporting
	callerEncoder CallerEncoder
	levelEncoder  LevelEncoder
	nameEncoder   NameEncoder
	// stacktrace on warn and above
	stacktrace bool
	timeLayout string
	name       string
	// writer replaces both stdout and stderr
	writer zapcore.WriteSyncer
}

func (o *Options) WithStacktrace(stacktrace bool) *Options {
	o.stacktrace = stacktrace
	return o
}

func (o *Options) WithTimeLayout(timeLayout string) *Options {
	o.timeLayout = timeLayout
	return o
}

func (o *Options) WithOutputEncoder(outputEncoder OutputEncoder) *Options {
	o.outputEncoder = outputEncoder
	return o
}

func (o *Options) WithLevel(level Level) *Options {
	o.level = level
	return o
}

// WithCaller reports the short caller of every entry.
func (o *Options) WithCaller(enabled bool) *Options {
	if enabled {
		o.callerEncoder = ShortCallerEncoder
	} else {
		o.callerEncoder = nil
	}
	return o
}

func (o *Options) WithLevelEncoder(encoder LevelEncoder) *Options {
	o.levelEncoder = encoder
	return o
}

func (o *Options) WithNameEncoder(encoder NameEncoder) *Options {
	o.nameEncoder = encoder
	return o
}

func (o *Options) WithNamed(name string) *Options {
	o.name = name
	return o
}

func (o *Options) WithWriter(writer zapcore.WriteSyncer) *Options {
	o.writer = writer
	return o
}

func (o *Options) encoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.LevelEncoder(o.levelEncoder)
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(o.timeLayout)
	if o.nameEncoder != nil {
		encoderConfig.EncodeName = zapcore.NameEncoder(o.nameEncoder)
	}
	if o.callerEncoder != nil {
		encoderConfig.EncodeCaller = zapcore.CallerEncoder(o.callerEncoder)
	}
	encoderConfig.ConsoleSeparator = " "
	return o.outputEncoder(encoderConfig)
}

// core writes below-warn levels to stdout and the rest to stderr, unless a writer is set.
func (o *Options) core() zapcore.Core {
	infoSyncer, errSyncer := zapcore.AddSync(os.Stdout), zapcore.AddSync(os.Stderr)
	if o.writer != nil {
		infoSyncer, errSyncer = o.writer, o.writer
	}
	minLevel := zapcore.Level(o.level)
	return zapcore.NewTee(
		zapcore.NewCore(o.encoder(), infoSyncer, zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= minLevel && lvl < zapcore.WarnLevel
		})),
		zapcore.NewCore(o.encoder(), errSyncer, zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
			return lvl >= minLevel && lvl >= zapcore.WarnLevel
		})),
	)
}

func (o *Options) zapOptions() []zap.Option {
	var opts []zap.Option
	if o.callerEncoder != nil {
		opts = append(opts, zap.AddCaller())
	}
	if o.stacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.WarnLevel))
	}
	return opts
}

func DefaultOptions() *Options {
	return &Options{
		level:         InfoLevel,
		timeLayout:    "02/Jan/2006:15:04:05 +0800",
		levelEncoder:  BracketLevelEncoder,
		nameEncoder:   BracketNameEncoder,
		outputEncoder: JsonOutputEncoder,
	}
}
