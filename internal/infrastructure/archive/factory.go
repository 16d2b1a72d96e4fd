package archive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
	"github.com/davidleathers/compliance-tracker/internal/infrastructure/config"
)

// NewSink builds the report sink selected by cfg.Sink
func NewSink(ctx context.Context, cfg config.ReportsConfig, logger *zap.Logger) (Sink, error) {
	switch cfg.Sink {
	case "dir", "directory", "":
		return NewDirectorySink(cfg.Directory, logger)
	case "s3", "aws":
		if cfg.Bucket == "" {
			return nil, errors.NewValidationError("INVALID_CONFIG", "reports.bucket is required for the s3 sink")
		}
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sink := NewS3Sink(client, cfg.Bucket, cfg.Prefix, logger)
		if err := sink.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, errors.NewValidationError("UNKNOWN_PROVIDER",
			fmt.Sprintf("unknown report sink: %s", cfg.Sink))
	}
}
