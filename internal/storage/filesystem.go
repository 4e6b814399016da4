package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// uploadsDir holds the parts of pending uploads, per bucket and upload ID.
const uploadsDir = ".uploads"

const defaultContentType = "application/octet-stream"

// FileSystem is a Storage keeping object data in files under a data
// directory and everything else in a SQLite metadata database.
type FileSystem struct {
	dataDir  string
	metadata *Metadata
	faults   *Faults
}

var _ Storage = (*FileSystem)(nil)

// NewFileSystem opens a store rooted at dataDir with its metadata in
// metadataDB. Both are created when missing.
func NewFileSystem(dataDir string, metadataDB string) (*FileSystem, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	metadata, err := NewMetadata(metadataDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata: %w", err)
	}
	return &FileSystem{dataDir: dataDir, metadata: metadata, faults: NewFaults()}, nil
}

// objectPath maps a key to its data file, refusing keys that would escape the
// bucket directory.
func (fs *FileSystem) objectPath(bucket, key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	for seg := range strings.SplitSeq(key, "/") {
		if seg == "." || seg == ".." {
			return "", ErrInvalidKey
		}
	}
	return filepath.Join(fs.dataDir, bucket, filepath.FromSlash(key)), nil
}

func (fs *FileSystem) bucketDir(bucket string) string {
	return filepath.Join(fs.dataDir, bucket)
}

func (fs *FileSystem) partsDir(bucket, uploadID string) string {
	return filepath.Join(fs.dataDir, uploadsDir, bucket, uploadID)
}

func (fs *FileSystem) requireBucket(ctx context.Context, bucket string) error {
	switch exists, err := fs.metadata.BucketExists(ctx, bucket); {
	case err != nil:
		return err
	case !exists:
		return ErrBucketNotFound
	}
	return nil
}

// storeFile streams body into path through a temp file in the same
// directory, so readers never see a partial file. It returns the size, the
// MD5 of the received bytes and their block checksums.
func (fs *FileSystem) storeFile(path string, body io.Reader) (int64, []byte, []Block, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	on, _ := fs.faults.Get(FaultDataCorruption)
	n, sum, blocks, err := writeBlocks(tmp, body, on)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, nil, nil, fmt.Errorf("failed to flush data: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, nil, nil, fmt.Errorf("failed to move data into place: %w", err)
	}
	return n, sum, blocks, nil
}

// CreateBucket implements BucketStore.
func (fs *FileSystem) CreateBucket(ctx context.Context, name string) error {
	switch exists, err := fs.metadata.BucketExists(ctx, name); {
	case err != nil:
		return err
	case exists:
		return ErrBucketAlreadyExists
	}
	if err := os.MkdirAll(fs.bucketDir(name), 0755); err != nil {
		return fmt.Errorf("failed to create bucket directory: %w", err)
	}
	return fs.metadata.CreateBucket(ctx, name, time.Now())
}

// DeleteBucket removes an empty bucket. Pending uploads are discarded with
// it.
func (fs *FileSystem) DeleteBucket(ctx context.Context, name string) error {
	if err := fs.requireBucket(ctx, name); err != nil {
		return err
	}
	n, err := fs.metadata.CountObjects(ctx, name)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrBucketNotEmpty
	}

	for _, dir := range []string{fs.bucketDir(name), filepath.Join(fs.dataDir, uploadsDir, name)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	// upload and part rows cascade
	return fs.metadata.DeleteBucket(ctx, name)
}

// HeadBucket implements BucketStore.
func (fs *FileSystem) HeadBucket(ctx context.Context, name string) (*Bucket, error) {
	b, err := fs.metadata.GetBucket(ctx, name)
	switch {
	case err != nil:
		return nil, err
	case b == nil:
		return nil, ErrBucketNotFound
	}
	return b, nil
}

// ListBuckets implements BucketStore.
func (fs *FileSystem) ListBuckets(ctx context.Context) ([]Bucket, error) {
	return fs.metadata.ListBuckets(ctx)
}

// SetFault implements FaultSwitch.
func (fs *FileSystem) SetFault(mode string, enabled bool) error {
	if err := fs.faults.Set(mode, enabled); err != nil {
		return err
	}
	log.Info().Str("mode", mode).Bool("enabled", enabled).Msg("Fault switched")
	return nil
}

// Fault implements FaultSwitch.
func (fs *FileSystem) Fault(mode string) (bool, error) {
	return fs.faults.Get(mode)
}

// Close releases the metadata database.
func (fs *FileSystem) Close() error {
	return fs.metadata.Close()
}
