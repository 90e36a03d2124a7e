package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ExtractToDisk extracts every entry in a local ZIP archive to tgtPath. No
// other component in this module calls it (the other archive consumers in
// this package never touch disk directly; they serve single files straight
// out of the blob store via Engine.Open).
//
// Guards against zip-slip by rejecting any entry whose resolved path would
// escape tgtPath.
func ExtractToDisk(zipPath, tgtPath string) error {
	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer archive.Close()

	cleanTarget := filepath.Clean(tgtPath)

	for _, f := range archive.File {
		filePath := filepath.Join(tgtPath, f.Name)

		if !strings.HasPrefix(filePath, cleanTarget+string(os.PathSeparator)) {
			return fmt.Errorf("entry %q escapes target directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(filePath, os.ModePerm); err != nil {
				return fmt.Errorf("mkdir %s: %w", filePath, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(filePath), os.ModePerm); err != nil {
			return fmt.Errorf("mkdir parent of %s: %w", filePath, err)
		}

		if err := extractOne(f, filePath); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{"zip": zipPath, "target": tgtPath, "entries": len(archive.File)}).Info("extracted archive to disk")
	return nil
}

func extractOne(f *zip.File, filePath string) error {
	dstFile, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", filePath, err)
	}
	defer dstFile.Close()

	fileInArchive, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer fileInArchive.Close()

	if _, err := io.Copy(dstFile, fileInArchive); err != nil {
		return fmt.Errorf("copy %s: %w", f.Name, err)
	}
	return nil
}
