package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ErrEntryNotFound is returned when no entry exists for an id.
var ErrEntryNotFound = errors.New("entry not found")

const (
	entryKeyPrefix  = "entry:"
	digestKeyPrefix = "digest:"
)

// Entry is one logical upload. Several entries may share a digest; exactly
// one of them (IsDuplicate == false) holds the canonical role for that
// digest.
type Entry struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Digest      string    `json:"digest"` // hex content digest
	IsDuplicate bool      `json:"is_duplicate"`
}

// Canonical reports whether this entry is the reference-holder for its
// digest.
func (e *Entry) Canonical() bool {
	return !e.IsDuplicate
}

// Registry is the logical catalogue of uploads, backed by BadgerDB. It does
// no dedup logic of its own; the engine and auditor drive it.
type Registry struct {
	db *badger.DB
}

// NewRegistry creates a registry over the given BadgerDB.
func NewRegistry(db *badger.DB) *Registry {
	return &Registry{db: db}
}

func entryKey(id uuid.UUID) []byte {
	return []byte(entryKeyPrefix + id.String())
}

func digestKey(digest string) []byte {
	return []byte(digestKeyPrefix + digest)
}

// Create stores a new entry.
func (r *Registry) Create(e *Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.ID), val)
	})
}

// Get retrieves an entry by id.
func (r *Registry) Get(id uuid.UUID) (*Entry, error) {
	var e Entry
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes an entry by id.
func (r *Registry) Delete(id uuid.UUID) error {
	return r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(entryKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		return txn.Delete(entryKey(id))
	})
}

// SetDuplicateFlag flips the duplicate/canonical role of an entry.
func (r *Registry) SetDuplicateFlag(id uuid.UUID, duplicate bool) error {
	return r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		e.IsDuplicate = duplicate
		val, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		return txn.Set(entryKey(id), val)
	})
}

// CanonicalFor looks up the canonical entry id for a digest via the digest
// index. The second return value reports whether the index has a mapping.
func (r *Registry) CanonicalFor(digest string) (uuid.UUID, bool, error) {
	var raw string
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(digestKey(digest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			raw = string(val)
			return nil
		})
	})
	if err != nil || !found {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt digest index for %s: %v", digest, err)
	}
	return id, true, nil
}

// SetCanonical points the digest index at the given entry id.
func (r *Registry) SetCanonical(digest string, id uuid.UUID) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(digestKey(digest), []byte(id.String()))
	})
}

// ClearCanonical removes the digest index mapping for a digest.
func (r *Registry) ClearCanonical(digest string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(digestKey(digest))
	})
}

// ForEach calls fn for every entry in the registry.
func (r *Registry) ForEach(fn func(*Entry) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if err := fn(&e); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForEachDigest calls fn for every digest index mapping.
func (r *Registry) ForEachDigest(fn func(digest string, id uuid.UUID) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(digestKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			digest := strings.TrimPrefix(string(it.Item().Key()), digestKeyPrefix)
			var raw string
			if err := it.Item().Value(func(val []byte) error {
				raw = string(val)
				return nil
			}); err != nil {
				return err
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("corrupt digest index for %s: %v", digest, err)
			}
			if err := fn(digest, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearDigestIndex removes every digest index mapping. Used by the rebuild
// audit before recomputing canonical assignments.
func (r *Registry) ClearDigestIndex() error {
	var keys [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(digestKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// DuplicateVisibility controls whether duplicates appear in listings. The
// default hides them, showing one row per distinct content.
type DuplicateVisibility int

const (
	ExcludeDuplicates DuplicateVisibility = iota
	IncludeDuplicates
	OnlyDuplicates
)

// Filter narrows a listing. Zero values mean "no constraint".
type Filter struct {
	NameContains   string
	ContentType    string
	MinSize        int64
	MaxSize        int64
	UploadedAfter  time.Time
	UploadedBefore time.Time
	Duplicates     DuplicateVisibility
}

func (f *Filter) matches(e *Entry) bool {
	switch f.Duplicates {
	case ExcludeDuplicates:
		if e.IsDuplicate {
			return false
		}
	case OnlyDuplicates:
		if !e.IsDuplicate {
			return false
		}
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(e.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	if f.ContentType != "" && !strings.EqualFold(e.ContentType, f.ContentType) {
		return false
	}
	if f.MinSize > 0 && e.Size < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && e.Size > f.MaxSize {
		return false
	}
	if !f.UploadedAfter.IsZero() && e.UploadedAt.Before(f.UploadedAfter) {
		return false
	}
	if !f.UploadedBefore.IsZero() && e.UploadedAt.After(f.UploadedBefore) {
		return false
	}
	return true
}

// SortField selects the listing order.
type SortField string

const (
	SortByName       SortField = "name"
	SortBySize       SortField = "size"
	SortByUploadedAt SortField = "uploaded_at"
)

// Sort describes the listing order; the zero value is newest-first.
type Sort struct {
	Field      SortField
	Descending bool
}

// List returns entries matching filter in the requested order.
func (r *Registry) List(filter Filter, order Sort) ([]*Entry, error) {
	var entries []*Entry
	err := r.ForEach(func(e *Entry) error {
		if filter.matches(e) {
			entry := *e
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	field := order.Field
	desc := order.Descending
	if field == "" {
		field = SortByUploadedAt
		desc = true
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if desc {
			a, b = b, a
		}
		switch field {
		case SortByName:
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		case SortBySize:
			if a.Size != b.Size {
				return a.Size < b.Size
			}
		default:
			if !a.UploadedAt.Equal(b.UploadedAt) {
				return a.UploadedAt.Before(b.UploadedAt)
			}
		}
		return a.ID.String() < b.ID.String()
	})
	return entries, nil
}
