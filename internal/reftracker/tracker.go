package reftracker

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	// ErrReferenceNotFound is returned when a duplicate has no reference.
	ErrReferenceNotFound = errors.New("reference not found")
	// ErrInvariant is returned when a link would break the one-level
	// reference structure.
	ErrInvariant = errors.New("reference invariant violation")
)

const refKeyPrefix = "ref:"

// Reference records that a duplicate entry shares content with its original
// (canonical) entry. A duplicate has at most one reference, so references
// are keyed by duplicate id.
type Reference struct {
	ID          uuid.UUID `json:"id"`
	OriginalID  uuid.UUID `json:"original_id"`
	DuplicateID uuid.UUID `json:"duplicate_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tracker maintains the per-digest reference sets, backed by BadgerDB.
type Tracker struct {
	db *badger.DB
}

// NewTracker creates a tracker over the given BadgerDB.
func NewTracker(db *badger.DB) *Tracker {
	return &Tracker{db: db}
}

func refKey(duplicateID uuid.UUID) []byte {
	return []byte(refKeyPrefix + duplicateID.String())
}

// Link records that duplicateID shares content with originalID. The caller
// (the engine, which holds both entries) is responsible for checking that
// the two entries share a digest and that originalID is canonical; the
// tracker enforces the structural rules it can see on its own: no
// self-reference, no chained references, one reference per duplicate.
func (t *Tracker) Link(originalID, duplicateID uuid.UUID) (*Reference, error) {
	return t.LinkAt(originalID, duplicateID, time.Now())
}

// LinkAt is Link with an explicit creation time. The rebuild audit uses it
// to preserve upload order when reference records are recreated, keeping
// promotion order stable across rebuilds.
func (t *Tracker) LinkAt(originalID, duplicateID uuid.UUID, at time.Time) (*Reference, error) {
	if originalID == duplicateID {
		return nil, ErrInvariant
	}
	ref := &Reference{
		ID:          uuid.New(),
		OriginalID:  originalID,
		DuplicateID: duplicateID,
		CreatedAt:   at,
	}
	val, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	err = t.db.Update(func(txn *badger.Txn) error {
		// The original must not itself be somebody's duplicate, and the
		// duplicate must not already be linked.
		if _, gerr := txn.Get(refKey(originalID)); gerr == nil {
			return ErrInvariant
		} else if !errors.Is(gerr, badger.ErrKeyNotFound) {
			return gerr
		}
		if _, gerr := txn.Get(refKey(duplicateID)); gerr == nil {
			return ErrInvariant
		} else if !errors.Is(gerr, badger.ErrKeyNotFound) {
			return gerr
		}
		return txn.Set(refKey(duplicateID), val)
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// ByDuplicate returns the reference held by a duplicate entry.
func (t *Tracker) ByDuplicate(duplicateID uuid.UUID) (*Reference, error) {
	var ref Reference
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(refKey(duplicateID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrReferenceNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ref)
		})
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// UnlinkByDuplicate removes the reference held by a duplicate entry.
func (t *Tracker) UnlinkByDuplicate(duplicateID uuid.UUID) error {
	return t.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(refKey(duplicateID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrReferenceNotFound
		}
		if err != nil {
			return err
		}
		return txn.Delete(refKey(duplicateID))
	})
}

// Rewrite points an existing reference at a new original entry. Used during
// promotion, when the remaining duplicates of a deleted canonical entry are
// re-linked to the promoted one.
func (t *Tracker) Rewrite(duplicateID, newOriginalID uuid.UUID) error {
	return t.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(refKey(duplicateID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrReferenceNotFound
		}
		if err != nil {
			return err
		}
		var ref Reference
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ref)
		}); err != nil {
			return err
		}
		ref.OriginalID = newOriginalID
		val, err := json.Marshal(&ref)
		if err != nil {
			return err
		}
		return txn.Set(refKey(duplicateID), val)
	})
}

// ReferencesOf returns the references pointing at an original entry,
// ordered by creation time (ties broken by duplicate id) so promotion
// candidates are picked deterministically.
func (t *Tracker) ReferencesOf(originalID uuid.UUID) ([]*Reference, error) {
	var refs []*Reference
	err := t.ForEach(func(ref *Reference) error {
		if ref.OriginalID == originalID {
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].CreatedAt.Before(refs[j].CreatedAt)
		}
		return refs[i].DuplicateID.String() < refs[j].DuplicateID.String()
	})
	return refs, nil
}

// Count returns the number of duplicates referencing an original entry.
func (t *Tracker) Count(originalID uuid.UUID) (int, error) {
	n := 0
	err := t.ForEach(func(ref *Reference) error {
		if ref.OriginalID == originalID {
			n++
		}
		return nil
	})
	return n, err
}

// ForEach calls fn for every reference.
func (t *Tracker) ForEach(fn func(*Reference) error) error {
	return t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(refKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ref Reference
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ref)
			}); err != nil {
				return err
			}
			if err := fn(&ref); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes every reference. Used by the rebuild audit.
func (t *Tracker) Clear() error {
	var keys [][]byte
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(refKeyPrefix)
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
	return t.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
