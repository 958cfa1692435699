package logging

import (
	"io"

	"github.com/rs/zerolog"
)

// NewZerolog builds the JSON logger used by the dispatcher and the
// InfluxDB sink. Unknown levels fall back to info.
func NewZerolog(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// KVLogger exposes a zerolog.Logger through the key/value interface the
// dispatcher expects. Pairs whose key is not a string are skipped, as is a
// trailing key without a value.
type KVLogger struct {
	zl zerolog.Logger
}

// NewKVLogger tags every entry with component when it is not empty.
func NewKVLogger(zl zerolog.Logger, component string) *KVLogger {
	if component != "" {
		zl = zl.With().Str("component", component).Logger()
	}
	return &KVLogger{zl: zl}
}

func (l *KVLogger) Debug(msg string, kv ...any) { l.zl.Debug().Fields(kv).Msg(msg) }
func (l *KVLogger) Info(msg string, kv ...any)  { l.zl.Info().Fields(kv).Msg(msg) }
func (l *KVLogger) Error(msg string, kv ...any) { l.zl.Error().Fields(kv).Msg(msg) }
