package dedup

import (
	"sync"

	"github.com/jaywantadh/DedupVault/internal/hasher"
)

// digestLocks serializes operations per content digest without a global
// lock: uploads and deletions for the same digest queue up, operations on
// different digests proceed in parallel. Shards are indexed by the first
// digest byte, which is uniformly distributed.
type digestLocks struct {
	shards [256]sync.Mutex
}

func (l *digestLocks) lock(d hasher.Digest) func() {
	mu := &l.shards[d[0]]
	mu.Lock()
	return mu.Unlock
}
