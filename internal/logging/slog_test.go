package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// setupBuffer returns a manager writing text records into a buffer.
func setupBuffer(t *testing.T, opts Options) (*SlogManager, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	opts.File = &buf
	if opts.Level == "" {
		opts.Level = "info"
	}
	m := NewSlogManager()
	m.Setup(opts)
	return m, &buf
}

// withStdout points console output at a pipe until the returned func
// is called, which yields what was written.
func withStdout(t *testing.T) func() string {
	t.Helper()
	r, w, err := osPipe()
	require.NoError(t, err)

	prev := osStdout
	osStdout = w
	return func() string {
		_ = w.Close()
		osStdout = prev
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		_ = r.Close()
		return buf.String()
	}
}

func TestSetup_Destination(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		stdout := withStdout(t)
		m, buf := setupBuffer(t, Options{})
		m.Logger().Info("stored step", "key", 1)

		assert.Contains(t, buf.String(), "stored step")
		assert.Empty(t, stdout())
	})

	t.Run("console", func(t *testing.T) {
		stdout := withStdout(t)
		m := NewSlogManager()
		m.Setup(Options{Level: "info"})
		m.Logger().Info("reconstructed step")

		assert.Contains(t, stdout(), "reconstructed step")
	})
}

func TestSetup_LevelFilter(t *testing.T) {
	for level, wantDebug := range map[string]bool{"debug": true, "info": false, "warn": false} {
		t.Run(level, func(t *testing.T) {
			m, buf := setupBuffer(t, Options{Level: level})
			m.Logger().Debug("frame bits")
			m.Logger().Warn("group pending")

			assert.Contains(t, buf.String(), "group pending")
			assert.Equal(t, wantDebug, strings.Contains(buf.String(), "frame bits"))
		})
	}
}

func TestSetup_SecondCallReplacesOutputs(t *testing.T) {
	m, first := setupBuffer(t, Options{})
	m.Logger().Info("before")

	var second bytes.Buffer
	m.Setup(Options{File: &second, Level: "info"})
	m.Logger().Info("after")

	assert.Contains(t, first.String(), "before")
	assert.NotContains(t, first.String(), "after")
	assert.Contains(t, second.String(), "after")
}

func TestSetup_TimeIsUTC(t *testing.T) {
	m, buf := setupBuffer(t, Options{})
	m.Logger().Info("tick")
	assert.Regexp(t, `time=\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z`, buf.String())
}

func TestLogger_BeforeSetup(t *testing.T) {
	assert.Same(t, slog.Default(), NewSlogManager().Logger())
}

func TestWriteLog(t *testing.T) {
	m, buf := setupBuffer(t, Options{Level: "debug"})

	m.WriteLog("storage", "migrating schema", "debug")
	m.WriteLog("storage", "dropped rows", "WARN")
	m.WriteLog("postgres", "connect failed", "error")
	m.WriteLog("sqlite", "dumped", "verbose")

	out := buf.String()
	assert.Contains(t, out, `level=DEBUG msg="migrating schema" component=storage`)
	assert.Contains(t, out, `level=WARN msg="dropped rows" component=storage`)
	assert.Contains(t, out, `level=ERROR msg="connect failed" component=postgres`)
	assert.Contains(t, out, `level=INFO msg=dumped component=sqlite`)
}

func TestWriteLog_BeforeSetup(t *testing.T) {
	assert.NotPanics(t, func() {
		NewSlogManager().WriteLog("storage", "ignored", "info")
	})
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	} {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestFlush(t *testing.T) {
	m := NewSlogManager()
	assert.NoError(t, m.Flush(context.Background()))

	m, buf := setupBuffer(t, Options{Provider: sdklog.NewLoggerProvider()})
	m.Logger().Info("bridged")
	assert.Contains(t, buf.String(), "bridged")
	assert.NoError(t, m.Flush(context.Background()))
}

func TestSetup_ContextAttrs(t *testing.T) {
	m, buf := setupBuffer(t, Options{
		Context: func() []slog.Attr {
			return []slog.Attr{slog.String("session", "20240309_140507")}
		},
	})

	ctx := WithAttrs(context.Background(), slog.String("request_id", "abc"))
	m.Logger().InfoContext(ctx, "decoded")
	assert.Contains(t, buf.String(), "session=20240309_140507")
	assert.Contains(t, buf.String(), "request_id=abc")
}

func TestSetup_RequestAttrsWithoutProvider(t *testing.T) {
	m, buf := setupBuffer(t, Options{})
	m.Logger().InfoContext(WithAttrs(context.Background(), slog.Int("order_key", 3)), "stored")
	assert.Contains(t, buf.String(), "order_key=3")
}

func TestSetup_GraylogReceivesRecords(t *testing.T) {
	gw := &fakeGELF{}
	m, _ := setupBuffer(t, Options{Graylog: gw, ServiceName: "stepbus-test"})

	m.Logger().Warn("group pending", "orderKey", 7)

	require.NotEmpty(t, gw.messages)
	last := gw.messages[len(gw.messages)-1]
	assert.Equal(t, "group pending", last.Short)
	assert.Equal(t, "stepbus-test", last.Facility)
	assert.Equal(t, int64(7), last.Extra["_orderKey"])
}
