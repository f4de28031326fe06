// Package zip bundles downloaded assets into a single archive.
package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"
	"time"
)

type Asset struct {
	Filename string
	MIME     string
	Modified time.Time
	Data     []byte
}

// Write streams the assets into w as a zip archive. Media files are stored
// without compression since they are already compressed.
func Write(w io.Writer, assets []Asset) error {
	zw := zip.NewWriter(w)
	for _, asset := range assets {
		header := &zip.FileHeader{
			Name:     asset.Filename,
			Method:   methodFor(asset.MIME),
			Modified: asset.Modified,
		}
		fw, err := zw.CreateHeader(header)
		if err != nil {
			_ = zw.Close()
			return fmt.Errorf("zip: add %s: %w", asset.Filename, err)
		}
		if _, err := fw.Write(asset.Data); err != nil {
			_ = zw.Close()
			return fmt.Errorf("zip: write %s: %w", asset.Filename, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip: finish: %w", err)
	}
	return nil
}

func methodFor(mime string) uint16 {
	for _, prefix := range []string{"image/", "video/", "audio/"} {
		if strings.HasPrefix(mime, prefix) {
			return zip.Store
		}
	}
	return zip.Deflate
}
