package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/bomfile"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/resilience"
)

// ArtifactPath resolves a request filename against the uploads directory.
// Absolute names are used as given; names from untrusted callers go
// through UploadPath first.
func ArtifactPath(dir, filename string) string {
	if dir == "" || filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(dir, filename)
}

// UploadPath resolves a client-supplied filename inside the uploads
// directory. Absolute names and names escaping dir are input errors.
func UploadPath(dir, filename string) (string, error) {
	if !filepath.IsLocal(filename) {
		return "", eris.Wrapf(ErrInputInvalid, "pipeline: filename %q must be relative to the uploads directory", filename)
	}
	return filepath.Join(dir, filename), nil
}

// FileVerifier checks uploaded artifacts on the local filesystem.
type FileVerifier struct {
	Dir string
}

// Verify implements ArtifactVerifier.
func (v FileVerifier) Verify(_ context.Context, req model.BOMProcessingRequest) error {
	path := ArtifactPath(v.Dir, req.Filename)
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(ErrInputInvalid, "pipeline: artifact %s does not exist", path)
	}
	if err != nil {
		return eris.Wrapf(err, "pipeline: stat artifact %s", path)
	}
	if fi.IsDir() {
		return eris.Wrapf(ErrInputInvalid, "pipeline: artifact %s is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(ErrInputInvalid, "pipeline: artifact %s is not readable: %v", path, err)
	}
	return f.Close()
}

// LineItemStore counts stored line items.
type LineItemStore interface {
	CountLineItems(ctx context.Context, bomID string) (int, error)
}

// StoredItemCounter verifies that the stored line items match the rows in
// the artifact. Store failures are transient; parse failures, an empty BOM
// and a count mismatch are input errors.
type StoredItemCounter struct {
	Store LineItemStore
	Dir   string
}

// Count implements LineItemCounter.
func (c StoredItemCounter) Count(ctx context.Context, req model.BOMProcessingRequest) (int, error) {
	stored, err := c.Store.CountLineItems(ctx, req.BOMID)
	if err != nil {
		return 0, resilience.NewTransientError(eris.Wrap(err, "pipeline: count stored line items"), 0)
	}
	if stored == 0 {
		return 0, eris.Wrapf(ErrInputInvalid, "pipeline: no line items stored for %s", req.BOMID)
	}

	expected, err := bomfile.Count(ctx, ArtifactPath(c.Dir, req.Filename))
	if err != nil {
		return 0, eris.Wrapf(ErrInputInvalid, "pipeline: read artifact: %v", err)
	}
	if expected != stored {
		return 0, eris.Wrapf(ErrInputInvalid, "pipeline: artifact has %d line items, %d stored", expected, stored)
	}
	return stored, nil
}

// LineItemWriter replaces the stored line items of a BOM.
type LineItemWriter interface {
	InsertLineItems(ctx context.Context, bomID string, items []model.LineItem) error
}

// ImportLineItems parses the artifact at path and replaces the stored line
// items of bomID. Unparseable and empty artifacts are input errors.
func ImportLineItems(ctx context.Context, st LineItemWriter, bomID, path string) (int, error) {
	items, err := bomfile.Parse(ctx, bomID, path)
	if err != nil {
		return 0, eris.Wrapf(ErrInputInvalid, "pipeline: parse %s: %v", filepath.Base(path), err)
	}
	if len(items) == 0 {
		return 0, eris.Wrapf(ErrInputInvalid, "pipeline: %s contains no line items", filepath.Base(path))
	}
	if err := st.InsertLineItems(ctx, bomID, items); err != nil {
		return 0, eris.Wrap(err, "pipeline: store line items")
	}
	zap.L().Info("pipeline: line items imported",
		zap.String("bom_id", bomID),
		zap.String("file", path),
		zap.Int("items", len(items)),
	)
	return len(items), nil
}
