package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stepbus/stepbus/internal/config"
	"github.com/stepbus/stepbus/internal/logging"
	intOtel "github.com/stepbus/stepbus/internal/otel"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// logOutputs are the writers opened by setupLogging.
type logOutputs struct {
	file    io.WriteCloser
	path    string
	zerolog zerolog.Logger
}

func (o *logOutputs) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// setupLogging routes slog to a rotating file under logsDir, optionally
// mirrored to stdout, plus OTel and Graylog when enabled. The returned
// zerolog logger writes to the same file for the dispatcher and InfluxDB.
func setupLogging(name string, console bool) (*logOutputs, error) {
	level := viper.GetString("logLevel")

	// console only until the log file exists
	SlogManager.Setup(logging.Options{Level: level, ServiceName: appName})
	Logger = SlogManager.Logger()

	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("create logs dir %s: %w", logsDir, err)
	}

	path := logging.LogFilePath(logsDir, name, SessionStartTime)
	file := logging.NewRotatingFile(path, viper.GetInt("logMaxSizeMB"), viper.GetInt("logMaxBackups"))

	var out io.Writer = file
	if console {
		out = io.MultiWriter(os.Stdout, file)
	}

	otelCfg := config.GetOTelConfig()
	var otelLogProvider *sdklog.LoggerProvider
	if otelCfg.Enabled {
		provider, err := intOtel.New(intOtel.FromConfig(otelCfg, file))
		if err != nil {
			Logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			OTelProvider = provider
			otelLogProvider = provider.LoggerProvider()
		}
	}

	opts := logging.Options{
		File:        out,
		Level:       level,
		Provider:    otelLogProvider,
		ServiceName: otelCfg.ServiceName,
		Context: func() []slog.Attr {
			return []slog.Attr{slog.String("session", SessionStartTime.Format("20060102_150405"))}
		},
	}

	if viper.GetBool("graylog.enabled") {
		addr := viper.GetString("graylog.address")
		w, err := logging.DialGraylog(addr)
		if err != nil {
			Logger.Warn("Graylog unreachable, continuing without it", "address", addr, "error", err)
		} else {
			opts.Graylog = w
		}
	}

	SlogManager.Setup(opts)
	Logger = SlogManager.Logger()
	if OTelProvider != nil {
		Logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
	}
	Logger.Debug("Log file opened", "path", path)

	return &logOutputs{
		file:    file,
		path:    path,
		zerolog: logging.NewZerolog(out, level),
	}, nil
}
