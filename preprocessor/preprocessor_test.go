package preprocessor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodogs/DocumentEvaluator-sub001/db"
)

func newTestPreprocessor(maxFileSize int64, exts ...string) *Preprocessor {
	p := New(nil, nil, maxFileSize)
	p.extensions = make(map[string]struct{}, len(exts))
	for _, e := range exts {
		p.extensions[e] = struct{}{}
	}
	return p
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func statEntry(t *testing.T, path string) os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() == filepath.Base(path) {
			return e
		}
	}
	t.Fatalf("entry not found: %s", path)
	return nil
}

func TestBuildDocumentValidation(t *testing.T) {
	dir := t.TempDir()
	p := newTestPreprocessor(1024, "txt", "pdf")

	tests := []struct {
		name       string
		file       string
		size       int
		wantValid  string
		wantReason string
	}{
		{
			name:      "valid text file",
			file:      "good.txt",
			size:      10,
			wantValid: db.DocumentValid,
		},
		{
			name:       "empty file",
			file:       "empty.txt",
			size:       0,
			wantValid:  db.DocumentInvalid,
			wantReason: "file is empty",
		},
		{
			name:       "oversized file",
			file:       "big.txt",
			size:       2048,
			wantValid:  db.DocumentInvalid,
			wantReason: "exceeds limit",
		},
		{
			name:       "unknown extension",
			file:       "archive.zip",
			size:       10,
			wantValid:  db.DocumentInvalid,
			wantReason: "not in the document type catalog",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.size)
			doc := p.buildDocument(7, path, statEntry(t, path))

			assert.Equal(t, uint(7), doc.FolderID)
			assert.Equal(t, path, doc.Filepath)
			assert.Equal(t, tt.file, doc.Filename)
			assert.Equal(t, int64(tt.size), doc.FileSize)
			assert.Equal(t, tt.wantValid, doc.Valid)
			if tt.wantReason != "" {
				assert.Contains(t, doc.ValidationReason, tt.wantReason)
			} else {
				assert.Empty(t, doc.ValidationReason)
			}
		})
	}
}

func TestBuildDocumentEmptyBeforeSize(t *testing.T) {
	// An empty file must report "empty", not an extension failure.
	dir := t.TempDir()
	p := newTestPreprocessor(1024, "txt")

	path := writeFile(t, dir, "empty.zip", 0)
	doc := p.buildDocument(1, path, statEntry(t, path))

	assert.Equal(t, db.DocumentInvalid, doc.Valid)
	assert.Equal(t, "file is empty", doc.ValidationReason)
}

func TestValidExtensionCaseInsensitive(t *testing.T) {
	p := newTestPreprocessor(1024, "pdf")

	ok, err := p.validExtension("PDF")
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.validExtension("exe")
	assert.NoError(t, err)
	assert.False(t, ok)
}
