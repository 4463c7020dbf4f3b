package engine

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const sessionArchiveName = "session.tgz"

// WriteSessionArchive tars the session logs root into session.tgz inside the
// same directory, skipping entries matching any exclude glob. Globs are
// doublestar patterns matched against slash-separated paths relative to the
// logs root (e.g. "journal.bin", "panic-*.txt", "**/*.tmp").
func WriteSessionArchive(logsRoot string, excludeGlobs []string) (string, error) {
	archivePath := filepath.Join(logsRoot, sessionArchiveName)
	f, err := os.Create(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(logsRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(logsRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == sessionArchiveName || excludedFromArchive(rel, excludeGlobs) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		src.Close()
		return err
	})
	if err != nil {
		tw.Close()
		gz.Close()
		return "", err
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return archivePath, nil
}

func excludedFromArchive(rel string, globs []string) bool {
	for _, g := range globs {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}
