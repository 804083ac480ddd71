package dedup

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jaywantadh/DedupVault/internal/hasher"
	"github.com/jaywantadh/DedupVault/internal/registry"
)

func TestRebuildFromScratch(t *testing.T) {
	engine := newTestEngine(t)

	// Three copies of one content, one standalone.
	c := mustUpload(t, engine, "c1", "rebuild me")
	d1 := mustUpload(t, engine, "c2", "rebuild me")
	d2 := mustUpload(t, engine, "c3", "rebuild me")
	mustUpload(t, engine, "solo", "standalone")

	// Wreck the tracker state on purpose.
	if err := engine.refs.Clear(); err != nil {
		t.Fatalf("failed to clear refs: %v", err)
	}
	if err := engine.entries.SetDuplicateFlag(c.EntryID, true); err != nil {
		t.Fatalf("failed to corrupt flag: %v", err)
	}

	report, err := engine.Audit(AuditRebuild)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if report.EntriesScanned != 4 {
		t.Errorf("expected 4 entries scanned, got %d", report.EntriesScanned)
	}
	if report.RefsCreated != 2 {
		t.Errorf("expected 2 references recreated, got %d", report.RefsCreated)
	}

	// The oldest entry is canonical again.
	entry, err := engine.GetEntry(c.EntryID)
	if err != nil {
		t.Fatalf("failed to get entry: %v", err)
	}
	if entry.IsDuplicate {
		t.Errorf("oldest entry should be canonical after rebuild")
	}
	for _, id := range []uuid.UUID{d1.EntryID, d2.EntryID} {
		entry, err := engine.GetEntry(id)
		if err != nil {
			t.Fatalf("failed to get entry: %v", err)
		}
		if !entry.IsDuplicate {
			t.Errorf("newer entry %s should be a duplicate after rebuild", id)
		}
	}

	count, err := engine.DuplicateCount(c.EntryID)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 duplicates after rebuild, got %d", count)
	}
}

func TestRebuildIdempotent(t *testing.T) {
	engine := newTestEngine(t)
	mustUpload(t, engine, "a", "same bytes")
	mustUpload(t, engine, "b", "same bytes")
	mustUpload(t, engine, "c", "other bytes")

	if _, err := engine.Audit(AuditRebuild); err != nil {
		t.Fatalf("first rebuild failed: %v", err)
	}
	statsBefore, err := engine.Stats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	flagsBefore := snapshotFlags(t, engine)

	if _, err := engine.Audit(AuditRebuild); err != nil {
		t.Fatalf("second rebuild failed: %v", err)
	}
	statsAfter, err := engine.Stats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	flagsAfter := snapshotFlags(t, engine)

	if !reflect.DeepEqual(statsValue(*statsBefore), statsValue(*statsAfter)) {
		t.Errorf("stats changed across idempotent rebuild: %+v vs %+v", statsBefore, statsAfter)
	}
	for id, flag := range flagsBefore {
		if flagsAfter[id] != flag {
			t.Errorf("canonical assignment for %s changed across rebuild", id)
		}
	}
}

// statsValue strips the map field so the struct compares by value.
func statsValue(s Stats) Stats {
	s.ByContentType = nil
	return s
}

func snapshotFlags(t *testing.T, engine *Engine) map[uuid.UUID]bool {
	t.Helper()
	flags := make(map[uuid.UUID]bool)
	err := engine.entries.ForEach(func(e *registry.Entry) error {
		flags[e.ID] = e.IsDuplicate
		return nil
	})
	if err != nil {
		t.Fatalf("failed to snapshot flags: %v", err)
	}
	return flags
}

func TestVerifyCreatesMissingReference(t *testing.T) {
	engine := newTestEngine(t)
	canonical := mustUpload(t, engine, "a", "shared stuff")
	dup := mustUpload(t, engine, "b", "shared stuff")

	if err := engine.refs.UnlinkByDuplicate(dup.EntryID); err != nil {
		t.Fatalf("failed to drop reference: %v", err)
	}

	report, err := engine.Audit(AuditVerify)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if report.RefsCreated != 1 {
		t.Errorf("expected 1 reference created, got %d", report.RefsCreated)
	}

	ref, err := engine.refs.ByDuplicate(dup.EntryID)
	if err != nil {
		t.Fatalf("reference not recreated: %v", err)
	}
	if ref.OriginalID != canonical.EntryID {
		t.Errorf("recreated reference points at wrong original")
	}
}

func TestVerifyDemotesExtraCanonical(t *testing.T) {
	engine := newTestEngine(t)
	mustUpload(t, engine, "a", "twice canonical")
	dup := mustUpload(t, engine, "b", "twice canonical")

	// Corrupt: flip the duplicate to canonical without touching its ref.
	if err := engine.entries.SetDuplicateFlag(dup.EntryID, false); err != nil {
		t.Fatalf("failed to corrupt flag: %v", err)
	}

	report, err := engine.Audit(AuditVerify)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if report.Demoted != 1 {
		t.Errorf("expected 1 demotion, got %d", report.Demoted)
	}
	entry, err := engine.GetEntry(dup.EntryID)
	if err != nil {
		t.Fatalf("failed to get entry: %v", err)
	}
	if !entry.IsDuplicate {
		t.Errorf("extra canonical should have been demoted")
	}
}

func TestVerifyRemovesDanglingReference(t *testing.T) {
	engine := newTestEngine(t)
	canonical := mustUpload(t, engine, "a", "dangling test")
	dup := mustUpload(t, engine, "b", "dangling test")

	// Remove the duplicate entry behind the tracker's back.
	if err := engine.entries.Delete(dup.EntryID); err != nil {
		t.Fatalf("failed to delete entry: %v", err)
	}

	report, err := engine.Audit(AuditVerify)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if report.DanglingRefs != 1 {
		t.Errorf("expected 1 dangling reference removed, got %d", report.DanglingRefs)
	}
	count, err := engine.refs.Count(canonical.EntryID)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no references left, got %d", count)
	}
	// The blob ref count is resynced to the surviving entry.
	if report.RefCountFixes != 1 {
		t.Errorf("expected 1 ref count fix, got %d", report.RefCountFixes)
	}
}

func TestVerifyReclaimsOrphanBlob(t *testing.T) {
	engine := newTestEngine(t)
	mustUpload(t, engine, "kept", "kept content")

	// Simulate an upload cancelled between blob write and entry creation.
	staged, err := engine.blobs.Stage(strings.NewReader("orphaned bytes"))
	if err != nil {
		t.Fatalf("failed to stage: %v", err)
	}
	if _, err := engine.blobs.Commit(staged); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	report, err := engine.Audit(AuditVerify)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if report.OrphanBlobs != 1 {
		t.Errorf("expected 1 orphan blob reclaimed, got %d", report.OrphanBlobs)
	}

	stats, err := engine.Stats()
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if stats.PhysicalBytes != int64(len("kept content")) {
		t.Errorf("orphan blob still counted: %d physical bytes", stats.PhysicalBytes)
	}
}

func TestVerifyRepairsDigestIndex(t *testing.T) {
	engine := newTestEngine(t)
	canonical := mustUpload(t, engine, "a", "indexed content")

	if err := engine.entries.SetCanonical(canonical.Digest, uuid.New()); err != nil {
		t.Fatalf("failed to corrupt index: %v", err)
	}

	report, err := engine.Audit(AuditVerify)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if report.IndexRepairs != 1 {
		t.Errorf("expected 1 index repair, got %d", report.IndexRepairs)
	}
	id, ok, err := engine.entries.CanonicalFor(canonical.Digest)
	if err != nil || !ok || id != canonical.EntryID {
		t.Errorf("index not repaired: id=%s ok=%v err=%v", id, ok, err)
	}
}

func TestVerifyReportsMissingBlob(t *testing.T) {
	engine := newTestEngine(t)
	result := mustUpload(t, engine, "a", "soon gone")

	digest, err := hasher.ParseDigest(result.Digest)
	if err != nil {
		t.Fatalf("failed to parse digest: %v", err)
	}
	if err := engine.blobs.Remove(digest); err != nil {
		t.Fatalf("failed to remove blob: %v", err)
	}

	report, err := engine.Audit(AuditVerify)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if report.MissingBlobs != 1 {
		t.Errorf("expected 1 missing blob reported, got %d", report.MissingBlobs)
	}
}

func TestVerifyCleanStateIsQuiet(t *testing.T) {
	engine := newTestEngine(t)
	mustUpload(t, engine, "a", "clean")
	mustUpload(t, engine, "b", "clean")
	mustUpload(t, engine, "c", "pristine")

	report, err := engine.Audit(AuditVerify)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if report.Repairs() != 0 {
		t.Errorf("verify of a clean store should repair nothing, got %d repairs: %+v", report.Repairs(), report)
	}
	if report.MissingBlobs != 0 {
		t.Errorf("no blobs should be missing, got %d", report.MissingBlobs)
	}
}

func TestUploadAfterIndexDriftFails(t *testing.T) {
	engine := newTestEngine(t)
	result := mustUpload(t, engine, "a", "drifted")

	// Blob present, canonical index gone: upload must surface the
	// inconsistency instead of fabricating a second canonical.
	if err := engine.entries.ClearCanonical(result.Digest); err != nil {
		t.Fatalf("failed to corrupt index: %v", err)
	}

	_, err := engine.Upload(context.Background(), "b", "text/plain", strings.NewReader("drifted"))
	var inconsistent *InconsistentStateError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("expected InconsistentStateError, got %v", err)
	}

	// The auditor is the recovery path.
	if _, err := engine.Audit(AuditVerify); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if _, err := engine.Upload(context.Background(), "b", "text/plain", strings.NewReader("drifted")); err != nil {
		t.Fatalf("upload should succeed after repair: %v", err)
	}
}
