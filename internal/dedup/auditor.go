package dedup

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jaywantadh/DedupVault/internal/blobstore"
	"github.com/jaywantadh/DedupVault/internal/hasher"
	"github.com/jaywantadh/DedupVault/internal/reftracker"
	"github.com/jaywantadh/DedupVault/internal/registry"
	"github.com/sirupsen/logrus"
)

// AuditMode selects which integrity pass to run.
type AuditMode string

const (
	// AuditRebuild recomputes canonical roles and references from scratch.
	AuditRebuild AuditMode = "rebuild"
	// AuditVerify scans for drift and repairs what it finds.
	AuditVerify AuditMode = "verify"
)

// AuditReport summarizes what an integrity pass saw and repaired.
type AuditReport struct {
	Mode              AuditMode `json:"mode"`
	EntriesScanned    int       `json:"entries_scanned"`
	ReferencesScanned int       `json:"references_scanned"`
	BlobsScanned      int       `json:"blobs_scanned"`
	Promoted          int       `json:"promoted"`
	Demoted           int       `json:"demoted"`
	RefsCreated       int       `json:"refs_created"`
	RefsRewired       int       `json:"refs_rewired"`
	DanglingRefs      int       `json:"dangling_refs_removed"`
	IndexRepairs      int       `json:"index_repairs"`
	RefCountFixes     int       `json:"ref_count_fixes"`
	OrphanBlobs       int       `json:"orphan_blobs_reclaimed"`
	MissingBlobs      int       `json:"missing_blobs"`
}

// Repairs returns the total number of repair actions performed.
func (r *AuditReport) Repairs() int {
	return r.Promoted + r.Demoted + r.RefsCreated + r.RefsRewired +
		r.DanglingRefs + r.IndexRepairs + r.RefCountFixes + r.OrphanBlobs
}

// Audit runs an integrity pass. Both modes require exclusive access: no
// concurrent uploads or deletions while the pass runs. Hosts typically run
// one at startup or from a maintenance job.
func (e *Engine) Audit(mode AuditMode) (*AuditReport, error) {
	switch mode {
	case AuditRebuild:
		return e.auditRebuild()
	case AuditVerify:
		return e.auditVerify()
	default:
		return nil, fmt.Errorf("unknown audit mode %q", mode)
	}
}

// snapshotGroups loads every entry grouped by digest, each group ordered
// oldest-first with ties broken by id, so canonical selection is
// deterministic.
func (e *Engine) snapshotGroups() (map[string][]*registry.Entry, int, error) {
	groups := make(map[string][]*registry.Entry)
	total := 0
	err := e.entries.ForEach(func(entry *registry.Entry) error {
		total++
		groups[entry.Digest] = append(groups[entry.Digest], entry)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].UploadedAt.Equal(group[j].UploadedAt) {
				return group[i].UploadedAt.Before(group[j].UploadedAt)
			}
			return group[i].ID.String() < group[j].ID.String()
		})
	}
	return groups, total, nil
}

// auditRebuild drops all references, duplicate flags and index state, then
// recomputes them from the entries alone: the oldest entry of each digest
// group becomes canonical, the rest become duplicates referencing it.
// Running it twice in a row changes nothing observable.
func (e *Engine) auditRebuild() (*AuditReport, error) {
	report := &AuditReport{Mode: AuditRebuild}
	e.logger.Info("🔧 Rebuilding references and canonical assignments")

	groups, total, err := e.snapshotGroups()
	if err != nil {
		return nil, err
	}
	report.EntriesScanned = total

	if err := e.refs.Clear(); err != nil {
		return nil, err
	}
	if err := e.entries.ClearDigestIndex(); err != nil {
		return nil, err
	}

	for digest, group := range groups {
		canonical := group[0]
		if canonical.IsDuplicate {
			report.Promoted++
		}
		if err := e.entries.SetDuplicateFlag(canonical.ID, false); err != nil {
			return nil, err
		}
		if err := e.entries.SetCanonical(digest, canonical.ID); err != nil {
			return nil, err
		}
		for _, dup := range group[1:] {
			if !dup.IsDuplicate {
				report.Demoted++
			}
			if err := e.entries.SetDuplicateFlag(dup.ID, true); err != nil {
				return nil, err
			}
			if _, err := e.refs.LinkAt(canonical.ID, dup.ID, dup.UploadedAt); err != nil {
				return nil, err
			}
			report.RefsCreated++
		}
		if err := e.syncBlobRefCount(digest, len(group), report); err != nil {
			return nil, err
		}
	}

	if err := e.reclaimOrphanBlobs(groups, report); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"entries": report.EntriesScanned,
		"groups":  len(groups),
		"refs":    report.RefsCreated,
		"orphans": report.OrphanBlobs,
	}).Info("✅ Rebuild complete")
	return report, nil
}

type groupTask struct {
	digest string
	group  []*registry.Entry
}

// auditVerify scans for drift and repairs it: duplicates with no
// reference, references at non-canonical targets, dangling references,
// digest index drift, blob reference-count drift and orphaned blobs.
// Digest groups are independent, so they are verified by a worker pool.
func (e *Engine) auditVerify() (*AuditReport, error) {
	report := &AuditReport{Mode: AuditVerify}
	e.logger.Info("🔍 Verifying registry/tracker consistency")

	groups, total, err := e.snapshotGroups()
	if err != nil {
		return nil, err
	}
	report.EntriesScanned = total

	entryDigests := make(map[uuid.UUID]string, total)
	for digest, group := range groups {
		for _, entry := range group {
			entryDigests[entry.ID] = digest
		}
	}

	refsByDup := make(map[uuid.UUID]*reftracker.Reference)
	err = e.refs.ForEach(func(ref *reftracker.Reference) error {
		report.ReferencesScanned++
		refsByDup[ref.DuplicateID] = ref
		return nil
	})
	if err != nil {
		return nil, err
	}

	numWorkers := e.parallelism
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU() / 2
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	taskChan := make(chan groupTask, numWorkers*2)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errOnce sync.Once
	var verifyErr error

	fail := func(err error) {
		errOnce.Do(func() {
			verifyErr = err
		})
	}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				if err := e.verifyGroup(task.digest, task.group, refsByDup, report, &mu); err != nil {
					fail(err)
					return
				}
			}
		}()
	}

	for digest, group := range groups {
		taskChan <- groupTask{digest: digest, group: group}
	}
	close(taskChan)
	wg.Wait()

	if verifyErr != nil {
		return nil, verifyErr
	}

	// Dangling references: the duplicate endpoint no longer exists.
	for dupID, ref := range refsByDup {
		if _, ok := entryDigests[dupID]; ok {
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"reference": ref.ID,
			"original":  ref.OriginalID,
			"duplicate": ref.DuplicateID,
		}).Warn("🔧 Removing dangling reference")
		if err := e.refs.UnlinkByDuplicate(dupID); err != nil && err != reftracker.ErrReferenceNotFound {
			return nil, err
		}
		report.DanglingRefs++
	}

	// Index mappings for digests with no entries left.
	var staleIndex []string
	err = e.entries.ForEachDigest(func(digest string, id uuid.UUID) error {
		if _, ok := groups[digest]; !ok {
			staleIndex = append(staleIndex, digest)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, digest := range staleIndex {
		e.logger.WithField("digest", digest).Warn("🔧 Removing stale digest index mapping")
		if err := e.entries.ClearCanonical(digest); err != nil {
			return nil, err
		}
		report.IndexRepairs++
	}

	if err := e.reclaimOrphanBlobs(groups, report); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"entries": report.EntriesScanned,
		"refs":    report.ReferencesScanned,
		"repairs": report.Repairs(),
		"missing": report.MissingBlobs,
	}).Info("✅ Verify complete")
	return report, nil
}

// verifyGroup repairs a single digest group. Groups touch disjoint keys, so
// workers only share the report (guarded by mu).
func (e *Engine) verifyGroup(digest string, group []*registry.Entry, refsByDup map[uuid.UUID]*reftracker.Reference, report *AuditReport, mu *sync.Mutex) error {
	// Prefer an entry already flagged canonical (oldest wins); promote the
	// oldest entry when the whole group is flagged duplicate.
	var canonical *registry.Entry
	for _, entry := range group {
		if !entry.IsDuplicate {
			canonical = entry
			break
		}
	}
	if canonical == nil {
		canonical = group[0]
		e.logger.WithFields(logrus.Fields{
			"entry":  canonical.ID,
			"digest": digest,
			"before": "duplicate",
			"after":  "canonical",
		}).Warn("🔧 Promoting entry with no canonical sibling")
		if err := e.entries.SetDuplicateFlag(canonical.ID, false); err != nil {
			return err
		}
		mu.Lock()
		report.Promoted++
		mu.Unlock()
	}

	// The canonical entry must not hold a reference itself.
	mu.Lock()
	_, canonicalHasRef := refsByDup[canonical.ID]
	mu.Unlock()
	if canonicalHasRef {
		e.logger.WithFields(logrus.Fields{
			"entry":  canonical.ID,
			"digest": digest,
		}).Warn("🔧 Removing self-held reference on canonical entry")
		if err := e.refs.UnlinkByDuplicate(canonical.ID); err != nil && err != reftracker.ErrReferenceNotFound {
			return err
		}
		mu.Lock()
		delete(refsByDup, canonical.ID)
		report.DanglingRefs++
		mu.Unlock()
	}

	for _, entry := range group {
		if entry.ID == canonical.ID {
			continue
		}
		if !entry.IsDuplicate {
			e.logger.WithFields(logrus.Fields{
				"entry":  entry.ID,
				"digest": digest,
				"before": "canonical",
				"after":  "duplicate",
			}).Warn("🔧 Demoting extra canonical entry")
			if err := e.entries.SetDuplicateFlag(entry.ID, true); err != nil {
				return err
			}
			mu.Lock()
			report.Demoted++
			mu.Unlock()
		}

		mu.Lock()
		ref := refsByDup[entry.ID]
		mu.Unlock()
		switch {
		case ref == nil:
			e.logger.WithFields(logrus.Fields{
				"entry":    entry.ID,
				"original": canonical.ID,
				"digest":   digest,
			}).Warn("🔧 Creating missing reference for duplicate")
			newRef, err := e.refs.LinkAt(canonical.ID, entry.ID, entry.UploadedAt)
			if err != nil {
				return err
			}
			mu.Lock()
			refsByDup[entry.ID] = newRef
			report.RefsCreated++
			mu.Unlock()
		case ref.OriginalID != canonical.ID:
			e.logger.WithFields(logrus.Fields{
				"entry":  entry.ID,
				"before": ref.OriginalID,
				"after":  canonical.ID,
				"digest": digest,
			}).Warn("🔧 Re-pointing reference at true canonical")
			if err := e.refs.Rewrite(entry.ID, canonical.ID); err != nil {
				return err
			}
			mu.Lock()
			report.RefsRewired++
			mu.Unlock()
		}
	}

	// Digest index must point at the canonical entry.
	indexed, ok, err := e.entries.CanonicalFor(digest)
	if err != nil {
		return err
	}
	if !ok || indexed != canonical.ID {
		e.logger.WithFields(logrus.Fields{
			"digest": digest,
			"before": indexed,
			"after":  canonical.ID,
		}).Warn("🔧 Repairing digest index")
		if err := e.entries.SetCanonical(digest, canonical.ID); err != nil {
			return err
		}
		mu.Lock()
		report.IndexRepairs++
		mu.Unlock()
	}

	return e.syncBlobRefCountLocked(digest, len(group), report, mu)
}

func (e *Engine) syncBlobRefCount(digest string, want int, report *AuditReport) error {
	return e.syncBlobRefCountLocked(digest, want, report, nil)
}

func (e *Engine) syncBlobRefCountLocked(digestHex string, want int, report *AuditReport, mu *sync.Mutex) error {
	bump := func(field *int) {
		if mu != nil {
			mu.Lock()
			defer mu.Unlock()
		}
		*field++
	}
	digest, err := hasher.ParseDigest(digestHex)
	if err != nil {
		return err
	}
	info, err := e.blobs.Info(digest)
	if err != nil {
		if err == blobstore.ErrBlobNotFound {
			e.logger.WithField("digest", digestHex).Error("❌ Entries reference a missing blob")
			bump(&report.MissingBlobs)
			return nil
		}
		return err
	}
	if info.RefCount != want {
		e.logger.WithFields(logrus.Fields{
			"digest": digestHex,
			"before": info.RefCount,
			"after":  want,
		}).Warn("🔧 Fixing blob reference count")
		if err := e.blobs.SetRefCount(digest, want); err != nil {
			return err
		}
		bump(&report.RefCountFixes)
	}
	return nil
}

// reclaimOrphanBlobs removes blobs no entry references, e.g. the leftovers
// of uploads cancelled between blob write and entry creation.
func (e *Engine) reclaimOrphanBlobs(groups map[string][]*registry.Entry, report *AuditReport) error {
	var orphans []string
	err := e.blobs.ForEach(func(info *blobstore.BlobInfo) error {
		report.BlobsScanned++
		if _, ok := groups[info.Digest]; !ok {
			orphans = append(orphans, info.Digest)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, digestHex := range orphans {
		digest, err := hasher.ParseDigest(digestHex)
		if err != nil {
			return err
		}
		e.logger.WithField("digest", digestHex).Warn("🔧 Reclaiming orphaned blob")
		if err := e.blobs.Remove(digest); err != nil && err != blobstore.ErrBlobNotFound {
			return err
		}
		report.OrphanBlobs++
	}
	return nil
}
