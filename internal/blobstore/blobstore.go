package blobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/jaywantadh/DedupVault/internal/compressor"
	"github.com/jaywantadh/DedupVault/internal/hasher"
	"github.com/jaywantadh/DedupVault/pkg/logging"
	"github.com/sirupsen/logrus"
)

// ErrBlobNotFound is returned when no blob exists for a digest.
var ErrBlobNotFound = errors.New("blob not found")

const blobKeyPrefix = "blob:"

// Options holds tunables for the blob store.
type Options struct {
	CompressionEnabled   bool
	CompressionThreshold int64 // minimum raw size to attempt compression
}

// DefaultOptions returns the default blob store configuration.
func DefaultOptions() *Options {
	return &Options{
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
	}
}

// BlobInfo is the bookkeeping record for one stored blob.
type BlobInfo struct {
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`        // raw content bytes
	StoredSize int64     `json:"stored_size"` // bytes on disk after compression
	Compressed bool      `json:"compressed"`
	RefCount   int       `json:"ref_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store keeps at most one physical blob per content digest on the local
// filesystem, with bookkeeping (size, compression, reference count) in
// BadgerDB. Blob files are named by digest hex.
type Store struct {
	basePath string
	db       *badger.DB
	opts     *Options
	logger   *logrus.Entry
}

// NewStore creates a blob store rooted at basePath, with bookkeeping in db.
func NewStore(basePath string, db *badger.DB, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Store{
		basePath: basePath,
		db:       db,
		opts:     opts,
		logger:   logging.WithComponent("blobstore"),
	}, nil
}

func blobKey(digest hasher.Digest) []byte {
	return []byte(blobKeyPrefix + digest.Hex())
}

func (s *Store) blobPath(digest hasher.Digest) string {
	return filepath.Join(s.basePath, digest.Hex())
}

// Staged is a spooled upload whose digest and size are known but which has
// not yet been committed to the store.
type Staged struct {
	Digest hasher.Digest
	Size   int64
	path   string
	done   bool
}

// Discard removes the staged temp file. Safe to call after Commit (no-op).
func (st *Staged) Discard() {
	if st.done {
		return
	}
	st.done = true
	os.Remove(st.path)
}

// Stage spools r to a temp file in the store directory while hashing it.
// Nothing is visible in the store until Commit; a discarded or abandoned
// stage leaves no blob behind.
func (s *Store) Stage(r io.Reader) (*Staged, error) {
	tmp, err := os.CreateTemp(s.basePath, ".staging-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	digest, size, err := hasher.Sum(io.TeeReader(r, tmp))
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to flush staging file: %w", cerr)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return &Staged{Digest: digest, Size: size, path: tmp.Name()}, nil
}

// Commit atomically installs a staged blob under its digest. If a blob for
// the digest already exists the staged bytes are discarded, the existing
// reference count is left untouched and alreadyExisted is true. Otherwise
// the blob is (optionally compressed and) moved into place with a reference
// count of 1.
func (s *Store) Commit(st *Staged) (alreadyExisted bool, err error) {
	defer st.Discard()

	key := blobKey(st.Digest)
	err = s.db.Update(func(txn *badger.Txn) error {
		_, gerr := txn.Get(key)
		if gerr == nil {
			alreadyExisted = true
			return nil
		}
		if !errors.Is(gerr, badger.ErrKeyNotFound) {
			return gerr
		}

		info := &BlobInfo{
			Digest:     st.Digest.Hex(),
			Size:       st.Size,
			StoredSize: st.Size,
			RefCount:   1,
			CreatedAt:  time.Now(),
		}

		path := st.path
		if s.opts.CompressionEnabled && st.Size >= s.opts.CompressionThreshold {
			if cpath, csize, cerr := compressor.CompressFile(st.path); cerr == nil {
				// Only keep the compressed form when it saves at least 10%.
				if float64(st.Size)/float64(csize) > 1.1 {
					path = cpath
					info.Compressed = true
					info.StoredSize = csize
				} else {
					os.Remove(cpath)
				}
			}
		}

		if rerr := os.Rename(path, s.blobPath(st.Digest)); rerr != nil {
			return fmt.Errorf("failed to install blob: %w", rerr)
		}
		if path != st.path {
			os.Remove(st.path)
		}
		st.done = true

		val, merr := json.Marshal(info)
		if merr != nil {
			return merr
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit blob %s: %w", st.Digest.Hex(), err)
	}

	if alreadyExisted {
		s.logger.Debugf("🔄 Blob %s already stored, discarding staged copy", st.Digest.Hex())
	} else {
		s.logger.Debugf("📦 Stored blob %s (%d bytes)", st.Digest.Hex(), st.Size)
	}
	return alreadyExisted, nil
}

// Info returns the bookkeeping record for a digest.
func (s *Store) Info(digest hasher.Digest) (*BlobInfo, error) {
	var info BlobInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(digest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBlobNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

type blobReader struct {
	io.Reader
	file *os.File
}

func (r *blobReader) Close() error {
	return r.file.Close()
}

// Open returns the raw content stream for a digest (transparently
// decompressed) together with its raw byte length.
func (s *Store) Open(digest hasher.Digest) (io.ReadCloser, int64, error) {
	info, err := s.Info(digest)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(s.blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("failed to open blob file: %w", err)
	}
	if info.Compressed {
		return &blobReader{Reader: compressor.NewDecompressingReader(file), file: file}, info.Size, nil
	}
	return file, info.Size, nil
}

// Retain increments the reference count for a digest.
func (s *Store) Retain(digest hasher.Digest) error {
	return s.updateRefCount(digest, +1)
}

// Release decrements the reference count for a digest. When the count
// reaches zero the physical blob and its record are removed. Releasing an
// unknown digest returns ErrBlobNotFound; callers treat that as an
// integrity violation, not a no-op.
func (s *Store) Release(digest hasher.Digest) error {
	return s.updateRefCount(digest, -1)
}

func (s *Store) updateRefCount(digest hasher.Digest, delta int) error {
	key := blobKey(digest)
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBlobNotFound
		}
		if err != nil {
			return err
		}
		var info BlobInfo
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		}); err != nil {
			return err
		}
		info.RefCount += delta
		if info.RefCount <= 0 {
			removed = true
			return txn.Delete(key)
		}
		val, err := json.Marshal(&info)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return err
	}
	if removed {
		if rerr := os.Remove(s.blobPath(digest)); rerr != nil && !os.IsNotExist(rerr) {
			s.logger.Warnf("⚠️ Failed to remove blob file %s: %v", digest.Hex(), rerr)
		}
		s.logger.Debugf("🗑️ Blob %s released, physical copy removed", digest.Hex())
	}
	return nil
}

// RefCount returns the current reference count for a digest.
func (s *Store) RefCount(digest hasher.Digest) (int, error) {
	info, err := s.Info(digest)
	if err != nil {
		return 0, err
	}
	return info.RefCount, nil
}

// SetRefCount overwrites the reference count for a digest. A count of zero
// removes the blob. Used by the integrity auditor to repair drift.
func (s *Store) SetRefCount(digest hasher.Digest, count int) error {
	if count <= 0 {
		return s.Remove(digest)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(digest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBlobNotFound
		}
		if err != nil {
			return err
		}
		var info BlobInfo
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		}); err != nil {
			return err
		}
		info.RefCount = count
		val, err := json.Marshal(&info)
		if err != nil {
			return err
		}
		return txn.Set(blobKey(digest), val)
	})
}

// Remove deletes a blob and its record regardless of reference count. Used
// by the integrity auditor to reclaim orphaned blobs.
func (s *Store) Remove(digest hasher.Digest) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(digest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBlobNotFound
		}
		if err != nil {
			return err
		}
		return txn.Delete(blobKey(digest))
	})
	if err != nil {
		return err
	}
	if rerr := os.Remove(s.blobPath(digest)); rerr != nil && !os.IsNotExist(rerr) {
		s.logger.Warnf("⚠️ Failed to remove blob file %s: %v", digest.Hex(), rerr)
	}
	return nil
}

// ForEach calls fn for every blob record in the store.
func (s *Store) ForEach(fn func(*BlobInfo) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(blobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var info BlobInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			if err := fn(&info); err != nil {
				return err
			}
		}
		return nil
	})
}
