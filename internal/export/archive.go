package export

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/inkwellhq/inkwell/internal/blob"
)

// buildZIP assembles the staged page images into one archive. Entries
// live under a folder named after the sanitized book title so the
// archive unpacks tidily.
func buildZIP(ctx context.Context, blobs blob.Store, root string, keys []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, key := range keys {
		data, err := blobs.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("fetching staged page %s: %w", key, err)
		}
		entry, err := zw.Create(path.Join(root, path.Base(key)))
		if err != nil {
			return nil, fmt.Errorf("creating archive entry for %s: %w", key, err)
		}
		if _, err := entry.Write(data); err != nil {
			return nil, fmt.Errorf("writing archive entry for %s: %w", key, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// buildPDF assembles the staged page images into a print-ready PDF,
// one image per page, in key order.
func buildPDF(ctx context.Context, blobs blob.Store, keys []string) ([]byte, error) {
	readers := make([]io.Reader, 0, len(keys))
	for _, key := range keys {
		data, err := blobs.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("fetching staged page %s: %w", key, err)
		}
		readers = append(readers, bytes.NewReader(data))
	}

	var buf bytes.Buffer
	if err := api.ImportImages(nil, &buf, readers, nil, nil); err != nil {
		return nil, fmt.Errorf("assembling pdf: %w", err)
	}
	return buf.Bytes(), nil
}
