package fsutil

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// TarGzDir packs the directory at srcDir into a gzipped tarball at dstPath.
// Entries are stored relative to srcDir under its base name, so extraction
// yields a single folder. The tarball is written to a temp file and renamed
// into place; callers may safely remove srcDir once this returns nil.
func TarGzDir(srcDir, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".archive-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	gw := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gw)

	base := filepath.Base(srcDir)
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if d.Type()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(base, rel))
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		return err
	})

	if walkErr != nil {
		tw.Close()
		gw.Close()
		tmp.Close()
		return fmt.Errorf("pack %s: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dstPath)
}
