package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/errors"
)

// DirectorySink writes reports into a local directory. Each report is
// written to a temporary file and renamed into place, so readers never see a
// partial report.
type DirectorySink struct {
	dir    string
	logger *zap.Logger
}

// NewDirectorySink creates dir if needed
func NewDirectorySink(dir string, logger *zap.Logger) (*DirectorySink, error) {
	if dir == "" {
		return nil, errors.NewValidationError("INVALID_CONFIG", "report directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.NewInternalError("failed to create report directory").WithCause(err)
	}
	return &DirectorySink{dir: dir, logger: logger.Named("directory_sink")}, nil
}

// Dir returns the target directory
func (s *DirectorySink) Dir() string {
	return s.dir
}

// Deliver atomically writes payload to dir/filename
func (s *DirectorySink) Deliver(ctx context.Context, filename, _ string, payload []byte) (err error) {
	if err := validateFilename(filename); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+filename+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp report: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(payload); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync report: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o640); err != nil {
		return fmt.Errorf("failed to set report permissions: %w", err)
	}

	target := filepath.Join(s.dir, filename)
	if err = os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move report into place: %w", err)
	}

	s.logger.Info("audit report written",
		zap.String("path", target),
		zap.Int("bytes", len(payload)))
	return nil
}

func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return errors.NewValidationError("INVALID_FILENAME", fmt.Sprintf("invalid report filename %q", name))
	}
	return nil
}
