// Package archive writes reconstructed steps, frames and events to a JSON
// export and optionally ships it to S3.
package archive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stepbus/stepbus/internal/config"
	"github.com/stepbus/stepbus/pkg/core"
)

// Export is the root JSON structure of an archive file.
type Export struct {
	ExportedAt time.Time                `json:"exportedAt"`
	Steps      []core.ReconstructedStep `json:"steps"`
	Frames     []core.Frame             `json:"frames"`
	Events     []core.Event             `json:"events"`
}

// Source supplies the data to export.
type Source interface {
	List(ctx context.Context) ([]core.ReconstructedStep, error)
	Frames(ctx context.Context, limit int) ([]core.Frame, error)
	Events(ctx context.Context) ([]core.Event, error)
}

// Collect reads everything the source holds into an Export. Frames come
// newest first, as the source lists them.
func Collect(ctx context.Context, src Source) (Export, error) {
	steps, err := src.List(ctx)
	if err != nil {
		return Export{}, fmt.Errorf("list steps: %w", err)
	}
	frames, err := src.Frames(ctx, 0)
	if err != nil {
		return Export{}, fmt.Errorf("list frames: %w", err)
	}
	events, err := src.Events(ctx)
	if err != nil {
		return Export{}, fmt.Errorf("list events: %w", err)
	}
	return Export{
		ExportedAt: time.Now().UTC(),
		Steps:      nonNil(steps),
		Frames:     nonNil(frames),
		Events:     nonNil(events),
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// FileName builds the export file name from its timestamp.
func FileName(name string, ts time.Time, compress bool) string {
	name = strings.NewReplacer(" ", "_", ":", "_", "/", "_").Replace(name)
	if name == "" {
		name = "stepbus"
	}
	filename := fmt.Sprintf("%s_%s.json", name, ts.UTC().Format("20060102_150405"))
	if compress {
		filename += ".gz"
	}
	return filename
}

// Write stores export under cfg.OutputDir and returns the file path.
func Write(cfg config.ArchiveConfig, name string, export Export) (string, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(cfg.OutputDir, FileName(name, export.ExportedAt, cfg.Compress))

	f, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if cfg.Compress {
		gzWriter := gzip.NewWriter(f)
		defer gzWriter.Close()
		w = gzWriter
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(export); err != nil {
		return "", fmt.Errorf("failed to encode export: %w", err)
	}
	return outputPath, nil
}

// ReadFile loads an export written by Write; ".gz" files are decompressed.
func ReadFile(path string) (Export, error) {
	f, err := os.Open(path)
	if err != nil {
		return Export{}, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return Export{}, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var export Export
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return Export{}, fmt.Errorf("failed to decode export: %w", err)
	}
	return export, nil
}
