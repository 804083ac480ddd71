package dedup

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an entry id or digest does not resolve.
var ErrNotFound = errors.New("not found")

// RequiresConfirmationError signals that deleting a canonical entry with
// live duplicates needs explicit caller confirmation, because it promotes
// another entry as a side effect. It is an expected alternate outcome, not
// a failure.
type RequiresConfirmationError struct {
	DuplicateCount int
}

func (e *RequiresConfirmationError) Error() string {
	return fmt.Sprintf("entry has %d duplicate(s); deletion requires confirmation", e.DuplicateCount)
}

// InconsistentStateError reports a broken internal invariant, e.g. a stored
// blob with no canonical entry. It is surfaced rather than repaired inline;
// the integrity auditor is the designated recovery path.
type InconsistentStateError struct {
	Digest string
	Reason string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state for digest %s: %s", e.Digest, e.Reason)
}
