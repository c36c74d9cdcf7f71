package upload

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	tmp := t.TempDir()
	s, err := Open(filepath.Join(tmp, "uploads"), filepath.Join(tmp, "data", "uploads.db"), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSave(t *testing.T) {
	s := newTestStore(t, 0)
	s.now = func() time.Time { return time.UnixMilli(1700000000123) }

	f, err := s.Save("orders.xlsx", strings.NewReader("workbook"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(f.Filename, "1700000000123-"), f.Filename)
	assert.True(t, strings.HasSuffix(f.Filename, "-orders.xlsx"), f.Filename)
	assert.Equal(t, "orders.xlsx", f.OriginalName)
	assert.Equal(t, int64(8), f.Size)

	path, err := s.Resolve(f.Filename)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "workbook", string(data))
}

func TestSaveRejects(t *testing.T) {
	s := newTestStore(t, 4)

	_, err := s.Save("orders.csv", strings.NewReader("a"))
	assert.ErrorIs(t, err, ErrNotSpreadsheet)

	_, err = s.Save("", strings.NewReader("a"))
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = s.Save("big.xlsx", strings.NewReader("too large"))
	assert.ErrorIs(t, err, ErrTooLarge)

	files, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, files, "rejected uploads leave nothing behind")
}

func TestSaveStripsPath(t *testing.T) {
	s := newTestStore(t, 0)

	f, err := s.Save(`..\..\evil..xlsx`, strings.NewReader("x"))
	require.NoError(t, err)
	assert.NotContains(t, f.Filename, "..")
	assert.NotContains(t, f.Filename, `\`)

	_, err = s.Resolve(f.Filename)
	assert.NoError(t, err)
}

func TestResolve(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, os.Mkdir(filepath.Join(s.dir, "nested.xlsx"), 0755))

	tests := []struct {
		name    string
		file    string
		wantErr error
	}{
		{"empty", "", ErrInvalidName},
		{"traversal", "../secret.xlsx", ErrInvalidName},
		{"dots", "..", ErrInvalidName},
		{"backslash", `a\b.xlsx`, ErrInvalidName},
		{"missing", "missing.xlsx", ErrNotFound},
		{"directory", "nested.xlsx", ErrIsDirectory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Resolve(tt.file)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSetPreviewAndGet(t *testing.T) {
	s := newTestStore(t, 0)

	f, err := s.Save("orders.xlsx", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, s.SetPreview(f.Filename, 3, 5))

	got, err := s.Get(f.Filename)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalEmails)
	assert.Equal(t, 5, got.TotalOrders)
	assert.Equal(t, "orders.xlsx", got.OriginalName)

	assert.ErrorIs(t, s.SetPreview("missing.xlsx", 1, 1), ErrNotFound)
}

func TestGetUnindexedFile(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "manual.xlsx"), []byte("abc"), 0644))

	f, err := s.Get("manual.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "manual.xlsx", f.OriginalName)
	assert.Equal(t, int64(3), f.Size)
}

func TestListAndTotalBytes(t *testing.T) {
	s := newTestStore(t, 0)

	base := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return base }
	older, err := s.Save("a.xlsx", bytes.NewReader(make([]byte, 10)))
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(time.Minute) }
	newer, err := s.Save("b.xlsx", bytes.NewReader(make([]byte, 5)))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("skip"), 0644))

	files, err := s.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, newer.Filename, files[0].Filename)
	assert.Equal(t, older.Filename, files[1].Filename)

	total, err := s.TotalBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(15), total)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, 0)

	f, err := s.Save("orders.xlsx", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(f.Filename))

	_, err = s.Resolve(f.Filename)
	assert.ErrorIs(t, err, ErrNotFound)

	f2, err := s.lookup(f.Filename)
	require.NoError(t, err)
	assert.Nil(t, f2)

	assert.ErrorIs(t, s.Delete(f.Filename), ErrNotFound)
	assert.ErrorIs(t, s.Delete("../x"), ErrInvalidName)
}

func TestReopenKeepsIndex(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "uploads")
	index := filepath.Join(tmp, "uploads.db")

	s, err := Open(dir, index, 0)
	require.NoError(t, err)
	f, err := s.Save("orders.xlsx", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, s.SetPreview(f.Filename, 7, 9))
	require.NoError(t, s.Close())

	s, err = Open(dir, index, 0)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(f.Filename)
	require.NoError(t, err)
	assert.Equal(t, 7, got.TotalEmails)
}
