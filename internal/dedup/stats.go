package dedup

import (
	"math"

	"github.com/jaywantadh/DedupVault/internal/blobstore"
	"github.com/jaywantadh/DedupVault/internal/registry"
)

// TypeStats breaks storage down for one declared content type.
type TypeStats struct {
	Entries      int   `json:"entries"`
	Duplicates   int   `json:"duplicates"`
	LogicalBytes int64 `json:"logical_bytes"`
}

// Stats reports physical vs. logical storage. Physical bytes count each
// distinct content once; logical bytes count what storage would cost if
// every entry kept its own copy.
type Stats struct {
	TotalEntries     int                   `json:"total_entries"`
	DuplicateEntries int                   `json:"duplicate_entries"`
	UniqueEntries    int                   `json:"unique_entries"`
	PhysicalBytes    int64                 `json:"physical_bytes"`
	LogicalBytes     int64                 `json:"logical_bytes"`
	SavedBytes       int64                 `json:"saved_bytes"`
	SavedPct         float64               `json:"saved_pct"`
	DedupRatio       float64               `json:"dedup_ratio"`
	ByContentType    map[string]*TypeStats `json:"by_content_type"`
}

// Stats aggregates storage statistics over the registry and blob store.
// Reads are not synchronized against writers; the result is an
// informational snapshot.
func (e *Engine) Stats() (*Stats, error) {
	stats := &Stats{ByContentType: make(map[string]*TypeStats)}

	err := e.entries.ForEach(func(entry *registry.Entry) error {
		stats.TotalEntries++
		stats.LogicalBytes += entry.Size
		if entry.IsDuplicate {
			stats.DuplicateEntries++
		}
		ts := stats.ByContentType[entry.ContentType]
		if ts == nil {
			ts = &TypeStats{}
			stats.ByContentType[entry.ContentType] = ts
		}
		ts.Entries++
		ts.LogicalBytes += entry.Size
		if entry.IsDuplicate {
			ts.Duplicates++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = e.blobs.ForEach(func(info *blobstore.BlobInfo) error {
		stats.PhysicalBytes += info.Size
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats.UniqueEntries = stats.TotalEntries - stats.DuplicateEntries
	stats.SavedBytes = stats.LogicalBytes - stats.PhysicalBytes
	if stats.LogicalBytes > 0 {
		stats.SavedPct = math.Round(float64(stats.SavedBytes)/float64(stats.LogicalBytes)*100*100) / 100
	}
	if stats.PhysicalBytes > 0 {
		stats.DedupRatio = math.Round(float64(stats.LogicalBytes)/float64(stats.PhysicalBytes)*100) / 100
	}
	return stats, nil
}
