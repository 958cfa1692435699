package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stepbus/stepbus/internal/archive"
	"github.com/stepbus/stepbus/internal/config"
	"github.com/stepbus/stepbus/internal/reconstruct"
)

func newExportCmd() *cobra.Command {
	var (
		name   string
		upload bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored steps, frames and events to a JSON archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, key, err := runExport(cmd.Context(), name, upload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			if key != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "uploaded to", key)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "steps", "archive name prefix")
	cmd.Flags().BoolVar(&upload, "upload", false, "upload the archive to archive.s3Bucket")
	return cmd
}

func runExport(ctx context.Context, name string, upload bool) (path, key string, err error) {
	outs, err := setupLogging(appName+".export", false)
	if err != nil {
		return "", "", err
	}
	defer outs.Close()

	order, err := config.GetByteOrder()
	if err != nil {
		return "", "", err
	}
	backend, err := openStorage(SlogManager, outs.zerolog)
	if err != nil {
		return "", "", err
	}
	defer backend.Close()

	service := reconstruct.New(reconstruct.Dependencies{
		Backend:      backend,
		LogManager:   SlogManager,
		DefaultOrder: order,
	})

	export, err := archive.Collect(ctx, service)
	if err != nil {
		return "", "", err
	}

	cfg := config.GetArchiveConfig()
	path, err = archive.Write(cfg, name, export)
	if err != nil {
		return "", "", err
	}
	Logger.Info("Archive written", "path", path, "steps", len(export.Steps), "frames", len(export.Frames), "events", len(export.Events))

	if !upload {
		return path, "", nil
	}
	if cfg.S3Bucket == "" {
		return path, "", fmt.Errorf("archive.s3Bucket is not set")
	}
	uploader, err := archive.NewS3UploaderFromConfig(ctx, cfg)
	if err != nil {
		return path, "", err
	}
	key, err = uploader.Upload(ctx, path)
	if err != nil {
		return path, "", err
	}
	Logger.Info("Archive uploaded", "bucket", cfg.S3Bucket, "key", key)
	return path, key, nil
}
