package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestZip creates a test ZIP file with specified files and directories.
func createTestZip(t *testing.T, baseDir string, files map[string]string, dirs []string) string {
	t.Helper()
	zipPath := filepath.Join(baseDir, "test.zip")
	zipFile, err := os.Create(zipPath)
	require.NoError(t, err)
	defer zipFile.Close()

	w := zip.NewWriter(zipFile)
	defer w.Close()

	for _, dir := range dirs {
		_, err := w.Create(dir + "/")
		require.NoError(t, err)
	}

	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}

	return zipPath
}

// createMaliciousZip creates a ZIP file with a path traversal attempt.
func createMaliciousZip(t *testing.T, baseDir string, maliciousPath string) string {
	t.Helper()
	zipPath := filepath.Join(baseDir, "malicious.zip")
	zipFile, err := os.Create(zipPath)
	require.NoError(t, err)
	defer zipFile.Close()

	w := zip.NewWriter(zipFile)
	defer w.Close()

	f, err := w.Create(maliciousPath)
	require.NoError(t, err)
	_, err = f.Write([]byte("malicious content"))
	require.NoError(t, err)

	return zipPath
}

func TestExtractToDisk_BasicExtraction(t *testing.T) {
	tmpDir := t.TempDir()

	files := map[string]string{
		"test.txt":        "Hello, World!",
		"subdir/file.txt": "Nested file content",
	}
	dirs := []string{"emptydir"}

	zipPath := createTestZip(t, tmpDir, files, dirs)
	targetDir := filepath.Join(tmpDir, "extracted")

	require.NoError(t, ExtractToDisk(zipPath, targetDir))

	content, err := os.ReadFile(filepath.Join(targetDir, "test.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", string(content))

	nested, err := os.ReadFile(filepath.Join(targetDir, "subdir", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Nested file content", string(nested))

	info, err := os.Stat(filepath.Join(targetDir, "emptydir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestExtractToDisk_EmptyArchive(t *testing.T) {
	tmpDir := t.TempDir()

	zipPath := createTestZip(t, tmpDir, map[string]string{}, []string{})
	targetDir := filepath.Join(tmpDir, "extracted")

	assert.NoError(t, ExtractToDisk(zipPath, targetDir))
}

func TestExtractToDisk_PathTraversalRejected(t *testing.T) {
	tests := []struct {
		name          string
		maliciousPath string
	}{
		{"relative traversal", "../../malicious.txt"},
		{"multiple traversal", "../../../etc/passwd"},
		{"mixed path", "good/../../../bad.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			zipPath := createMaliciousZip(t, tmpDir, tt.maliciousPath)
			targetDir := filepath.Join(tmpDir, "extracted")

			err := ExtractToDisk(zipPath, targetDir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "escapes target directory")
		})
	}
}

func TestExtractToDisk_MissingArchive(t *testing.T) {
	tmpDir := t.TempDir()
	err := ExtractToDisk(filepath.Join(tmpDir, "nope.zip"), filepath.Join(tmpDir, "out"))
	assert.Error(t, err)
}

func TestExtractToDisk_PreservesFileMode(t *testing.T) {
	tmpDir := t.TempDir()
	zipPath := filepath.Join(tmpDir, "mode.zip")

	zipFile, err := os.Create(zipPath)
	require.NoError(t, err)
	w := zip.NewWriter(zipFile)

	header := &zip.FileHeader{Name: "script.sh", Method: zip.Deflate}
	header.SetMode(0o755)
	fw, err := w.CreateHeader(header)
	require.NoError(t, err)
	_, err = fw.Write([]byte("#!/bin/sh\necho hi\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, zipFile.Close())

	targetDir := filepath.Join(tmpDir, "extracted")
	require.NoError(t, ExtractToDisk(zipPath, targetDir))

	info, err := os.Stat(filepath.Join(targetDir, "script.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
