// Package upload stores uploaded spreadsheets and indexes them in bbolt.
package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketUploads = []byte("uploads")

// Input errors
var (
	ErrInvalidName    = errors.New("invalid filename")
	ErrNotFound       = errors.New("file not found")
	ErrIsDirectory    = errors.New("path is a directory")
	ErrNotSpreadsheet = errors.New("only .xlsx files are accepted")
	ErrTooLarge       = errors.New("file exceeds upload size limit")
)

// File is an uploaded spreadsheet
type File struct {
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploadedAt"`
	TotalEmails  int       `json:"totalEmails"`
	TotalOrders  int       `json:"totalOrders"`
}

// Store keeps uploads in a directory with metadata in bbolt
type Store struct {
	dir      string
	maxBytes int64
	db       *bolt.DB
	now      func() time.Time
}

// Open creates the uploads directory and opens the index
func Open(dir, indexPath string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(indexPath, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUploads); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketUploads, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{dir: dir, maxBytes: maxBytes, db: db, now: time.Now}, nil
}

// DB returns the underlying database for components sharing the file
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Close closes the index
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores an upload as <unix-ms>-<random>-<original name>
func (s *Store) Save(originalName string, r io.Reader) (*File, error) {
	base := filepath.Base(strings.ReplaceAll(originalName, "\\", "/"))
	if base == "." || base == ".." || base == "/" || base == "" {
		return nil, ErrInvalidName
	}
	for strings.Contains(base, "..") {
		base = strings.ReplaceAll(base, "..", ".")
	}
	if !strings.EqualFold(filepath.Ext(base), ".xlsx") {
		return nil, ErrNotSpreadsheet
	}

	now := s.now()
	f := &File{
		Filename:     fmt.Sprintf("%d-%d-%s", now.UnixMilli(), rand.Int64N(1e9), base),
		OriginalName: originalName,
		UploadedAt:   now,
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return nil, ErrTooLarge
	}
	f.Size = n

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, f.Filename)); err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	if err := s.put(f); err != nil {
		os.Remove(filepath.Join(s.dir, f.Filename))
		return nil, err
	}

	return f, nil
}

// Resolve validates a stored filename and returns its path
func (s *Store) Resolve(filename string) (string, error) {
	if filename == "" || strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return "", ErrInvalidName
	}

	path := filepath.Join(s.dir, filename)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return "", ErrIsDirectory
	}

	return path, nil
}

// Get returns metadata for a stored file. Files placed in the directory
// without an upload are described from the filesystem.
func (s *Store) Get(filename string) (*File, error) {
	path, err := s.Resolve(filename)
	if err != nil {
		return nil, err
	}

	f, err := s.lookup(filename)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return f, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	return &File{
		Filename:     filename,
		OriginalName: filename,
		Size:         info.Size(),
		UploadedAt:   info.ModTime(),
	}, nil
}

// SetPreview records grouping counts for a stored file
func (s *Store) SetPreview(filename string, emails, orders int) error {
	f, err := s.Get(filename)
	if err != nil {
		return err
	}
	f.TotalEmails = emails
	f.TotalOrders = orders
	return s.put(f)
}

// List returns the spreadsheets in the uploads directory, newest first
func (s *Store) List() ([]File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read uploads directory: %w", err)
	}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.EqualFold(filepath.Ext(e.Name()), ".xlsx") {
			continue
		}
		f, err := s.Get(e.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].UploadedAt.Equal(files[j].UploadedAt) {
			return files[i].Filename > files[j].Filename
		}
		return files[i].UploadedAt.After(files[j].UploadedAt)
	})
	return files, nil
}

// Delete removes a stored file and its metadata
func (s *Store) Delete(filename string) error {
	path, err := s.Resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUploads).Delete([]byte(filename))
	})
}

// TotalBytes returns the size of all stored spreadsheets
func (s *Store) TotalBytes() (int64, error) {
	files, err := s.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

func (s *Store) put(f *File) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal file info: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketUploads).Put([]byte(f.Filename), data); err != nil {
			return fmt.Errorf("failed to store file info: %w", err)
		}
		return nil
	})
}

func (s *Store) lookup(filename string) (*File, error) {
	var f *File
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUploads).Get([]byte(filename))
		if data == nil {
			return nil
		}
		f = &File{}
		return json.Unmarshal(data, f)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read file info: %w", err)
	}
	return f, nil
}
