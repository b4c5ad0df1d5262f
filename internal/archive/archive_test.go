package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type fakeDestination struct {
	stored map[string][]byte
	err    error
}

func (d *fakeDestination) Store(_ context.Context, name string, r io.Reader) error {
	if d.err != nil {
		return d.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if d.stored == nil {
		d.stored = map[string][]byte{}
	}
	d.stored[name] = data
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRecording(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.mcap")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing recording: %v", err)
	}
	return path
}

func TestUpload_StoresUnderBaseName(t *testing.T) {
	path := writeRecording(t, "mcap bytes")
	dest := &fakeDestination{}

	if err := Upload(context.Background(), []Destination{dest}, path, discardLogger()); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !bytes.Equal(dest.stored["session.mcap"], []byte("mcap bytes")) {
		t.Errorf("stored = %q", dest.stored["session.mcap"])
	}
}

func TestUpload_ContinuesPastFailures(t *testing.T) {
	path := writeRecording(t, "data")
	boom := errors.New("bucket unavailable")
	failing := &fakeDestination{err: boom}
	working := &fakeDestination{}

	err := Upload(context.Background(), []Destination{failing, working}, path, discardLogger())
	if !errors.Is(err, boom) {
		t.Errorf("Upload = %v, want the first failure", err)
	}
	if _, ok := working.stored["session.mcap"]; !ok {
		t.Error("later destination skipped after an earlier failure")
	}
}

func TestUpload_MissingFile(t *testing.T) {
	dest := &fakeDestination{}
	err := Upload(context.Background(), []Destination{dest},
		filepath.Join(t.TempDir(), "gone.mcap"), discardLogger())
	if err == nil {
		t.Fatal("expected error for missing recording")
	}
	if len(dest.stored) != 0 {
		t.Error("destination received data for a missing file")
	}
}

func TestUpload_NoDestinations(t *testing.T) {
	path := writeRecording(t, "data")
	if err := Upload(context.Background(), nil, path, discardLogger()); err != nil {
		t.Errorf("Upload with no destinations = %v", err)
	}
}
