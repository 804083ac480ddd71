package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/jaywantadh/DedupVault/internal/blobstore"
	"github.com/jaywantadh/DedupVault/internal/hasher"
	"github.com/jaywantadh/DedupVault/internal/reftracker"
	"github.com/jaywantadh/DedupVault/internal/registry"
	"github.com/jaywantadh/DedupVault/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Engine composes the hasher, blob store, entry registry and reference
// tracker into the deduplicating storage core: each distinct content is
// stored once, every logical upload gets its own entry, and duplicates are
// linked to the canonical entry for their digest.
type Engine struct {
	db      *badger.DB
	blobs   *blobstore.Store
	entries *registry.Registry
	refs    *reftracker.Tracker
	locks   digestLocks
	logger  *logrus.Entry

	parallelism int
}

// Options holds engine tunables.
type Options struct {
	Blobs       *blobstore.Options
	Parallelism int // audit worker count; <=0 means one per CPU pair
}

// Open creates (or reopens) an engine with blobs under storagePath and
// metadata in a BadgerDB at dbPath.
func Open(storagePath, dbPath string, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata DB: %v", err)
	}
	blobs, err := blobstore.NewStore(storagePath, db, opts.Blobs)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Engine{
		db:          db,
		blobs:       blobs,
		entries:     registry.NewRegistry(db),
		refs:        reftracker.NewTracker(db),
		logger:      logging.WithComponent("dedup"),
		parallelism: opts.Parallelism,
	}, nil
}

// Close closes the underlying metadata DB.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Registry exposes the entry registry for read-only consumers.
func (e *Engine) Registry() *registry.Registry {
	return e.entries
}

// UploadResult describes the outcome of an upload.
type UploadResult struct {
	EntryID   uuid.UUID `json:"entry_id"`
	Digest    string    `json:"digest"`
	Canonical bool      `json:"canonical"`
	Size      int64     `json:"size"`
}

// Upload stores one logical upload. The stream is spooled and hashed once;
// if the content is new a canonical entry is created, otherwise a duplicate
// entry referencing the existing canonical one. A cancelled context before
// the blob is committed leaves no state behind.
func (e *Engine) Upload(ctx context.Context, name, contentType string, r io.Reader) (*UploadResult, error) {
	staged, err := e.blobs.Stage(r)
	if err != nil {
		return nil, err
	}
	defer staged.Discard()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(staged.Digest)
	defer unlock()

	alreadyExisted, err := e.blobs.Commit(staged)
	if err != nil {
		return nil, err
	}

	digestHex := staged.Digest.Hex()
	entry := &registry.Entry{
		ID:          uuid.New(),
		Name:        name,
		ContentType: contentType,
		Size:        staged.Size,
		UploadedAt:  time.Now(),
		Digest:      digestHex,
		IsDuplicate: alreadyExisted,
	}

	if !alreadyExisted {
		if err := e.entries.Create(entry); err != nil {
			return nil, err
		}
		if err := e.entries.SetCanonical(digestHex, entry.ID); err != nil {
			return nil, err
		}
		e.logger.Infof("📦 Stored new content %s as entry %s (%q, %d bytes)", digestHex, entry.ID, name, staged.Size)
		return &UploadResult{EntryID: entry.ID, Digest: digestHex, Canonical: true, Size: staged.Size}, nil
	}

	canonicalID, ok, err := e.entries.CanonicalFor(digestHex)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A blob with no canonical entry is drift the auditor must repair;
		// fabricating a second canonical here would make it worse.
		return nil, &InconsistentStateError{Digest: digestHex, Reason: "blob exists but no canonical entry is indexed"}
	}
	canonical, err := e.entries.Get(canonicalID)
	if err != nil {
		if errors.Is(err, registry.ErrEntryNotFound) {
			return nil, &InconsistentStateError{Digest: digestHex, Reason: "digest index points at a missing entry"}
		}
		return nil, err
	}
	if canonical.IsDuplicate || canonical.Digest != digestHex {
		return nil, &InconsistentStateError{Digest: digestHex, Reason: "digest index points at a non-canonical entry"}
	}

	if err := e.entries.Create(entry); err != nil {
		return nil, err
	}
	if _, err := e.refs.Link(canonicalID, entry.ID); err != nil {
		return nil, err
	}
	if err := e.blobs.Retain(staged.Digest); err != nil {
		return nil, err
	}
	e.logger.Infof("🔄 Deduplicated entry %s (%q) against canonical %s", entry.ID, name, canonicalID)
	return &UploadResult{EntryID: entry.ID, Digest: digestHex, Canonical: false, Size: staged.Size}, nil
}

// GetContent returns the content stream for an entry, canonical or
// duplicate alike, along with its byte length.
func (e *Engine) GetContent(id uuid.UUID) (io.ReadCloser, int64, error) {
	entry, err := e.entries.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrEntryNotFound) {
			return nil, 0, fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		return nil, 0, err
	}
	digest, err := hasher.ParseDigest(entry.Digest)
	if err != nil {
		return nil, 0, err
	}
	rc, size, err := e.blobs.Open(digest)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return nil, 0, &InconsistentStateError{Digest: entry.Digest, Reason: "entry resolves to a missing blob"}
		}
		return nil, 0, err
	}
	return rc, size, nil
}

// GetEntry returns entry metadata by id.
func (e *Engine) GetEntry(id uuid.UUID) (*registry.Entry, error) {
	entry, err := e.entries.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrEntryNotFound) {
			return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return entry, nil
}

// List returns entries matching filter in the requested order.
func (e *Engine) List(filter registry.Filter, order registry.Sort) ([]*registry.Entry, error) {
	return e.entries.List(filter, order)
}

// DuplicateCount returns how many duplicates reference a canonical entry.
// It is zero for duplicates.
func (e *Engine) DuplicateCount(id uuid.UUID) (int, error) {
	entry, err := e.GetEntry(id)
	if err != nil {
		return 0, err
	}
	if entry.IsDuplicate {
		return 0, nil
	}
	return e.refs.Count(id)
}

// Delete removes one logical upload. Duplicates and childless canonical
// entries delete immediately. Deleting a canonical entry that still has
// duplicates silently promotes another entry, so it is refused with
// RequiresConfirmationError until the caller passes confirmed=true; the
// oldest duplicate (ties broken by id) is then promoted and the remaining
// references are rewired to it.
func (e *Engine) Delete(id uuid.UUID, confirmed bool) error {
	entry, err := e.entries.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrEntryNotFound) {
			return fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		return err
	}
	digest, err := hasher.ParseDigest(entry.Digest)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(digest)
	defer unlock()

	// Re-read under the digest lock: a concurrent promotion may have
	// flipped the entry's role since the lookup above.
	entry, err = e.entries.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrEntryNotFound) {
			return fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		return err
	}

	if entry.IsDuplicate {
		return e.deleteDuplicate(entry, digest)
	}

	count, err := e.refs.Count(id)
	if err != nil {
		return err
	}
	if count == 0 {
		return e.deleteLastCanonical(entry, digest)
	}
	if !confirmed {
		return &RequiresConfirmationError{DuplicateCount: count}
	}
	return e.deleteCanonicalWithPromotion(entry, digest)
}

func (e *Engine) deleteDuplicate(entry *registry.Entry, digest hasher.Digest) error {
	if err := e.refs.UnlinkByDuplicate(entry.ID); err != nil {
		if !errors.Is(err, reftracker.ErrReferenceNotFound) {
			return err
		}
		// Drift: a duplicate without a reference. Deletion still proceeds;
		// the verify audit reports and repairs this class of problem.
		e.logger.Warnf("⚠️ Duplicate entry %s had no reference record", entry.ID)
	}
	if err := e.releaseBlob(entry, digest); err != nil {
		return err
	}
	if err := e.entries.Delete(entry.ID); err != nil {
		return err
	}
	e.logger.Infof("🗑️ Deleted duplicate entry %s (%q)", entry.ID, entry.Name)
	return nil
}

func (e *Engine) deleteLastCanonical(entry *registry.Entry, digest hasher.Digest) error {
	if err := e.releaseBlob(entry, digest); err != nil {
		return err
	}
	if err := e.entries.ClearCanonical(entry.Digest); err != nil {
		return err
	}
	if err := e.entries.Delete(entry.ID); err != nil {
		return err
	}
	e.logger.Infof("🗑️ Deleted canonical entry %s (%q), content %s released", entry.ID, entry.Name, entry.Digest)
	return nil
}

func (e *Engine) deleteCanonicalWithPromotion(entry *registry.Entry, digest hasher.Digest) error {
	refs, err := e.refs.ReferencesOf(entry.ID)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return e.deleteLastCanonical(entry, digest)
	}

	candidate := refs[0].DuplicateID
	if err := e.entries.SetDuplicateFlag(candidate, false); err != nil {
		return err
	}
	if err := e.entries.SetCanonical(entry.Digest, candidate); err != nil {
		return err
	}
	for _, ref := range refs[1:] {
		if err := e.refs.Rewrite(ref.DuplicateID, candidate); err != nil {
			return err
		}
	}
	// The promoted entry no longer references itself.
	if err := e.refs.UnlinkByDuplicate(candidate); err != nil {
		return err
	}
	if err := e.releaseBlob(entry, digest); err != nil {
		return err
	}
	if err := e.entries.Delete(entry.ID); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"deleted":  entry.ID,
		"promoted": candidate,
		"rewired":  len(refs) - 1,
		"digest":   entry.Digest,
	}).Infof("👑 Promoted %s to canonical after deleting %s", candidate, entry.ID)
	return nil
}

func (e *Engine) releaseBlob(entry *registry.Entry, digest hasher.Digest) error {
	if err := e.blobs.Release(digest); err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return &InconsistentStateError{Digest: entry.Digest, Reason: "entry resolves to a missing blob"}
		}
		return err
	}
	return nil
}
