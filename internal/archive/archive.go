// Package archive copies finished recordings to long-term storage.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Destination is a storage target for finished recording files.
type Destination interface {
	// Store uploads the content of r under name.
	Store(ctx context.Context, name string, r io.Reader) error
}

// Upload stores the file at path on every destination. Failures are
// logged per destination; the first error is returned so the operator
// sees a non-zero exit, but the local file is never touched.
func Upload(ctx context.Context, dests []Destination, path string, logger *slog.Logger) error {
	var firstErr error
	for i, dest := range dests {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open recording for archive: %w", err)
		}
		err = dest.Store(ctx, filepath.Base(path), f)
		f.Close()
		if err != nil {
			logger.Error("archive destination failed", "destination", i, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Info("recording archived", "destination", i, "file", filepath.Base(path))
	}
	return firstErr
}
