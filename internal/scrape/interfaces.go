package scrape

import (
	"context"
	"time"
)

// Registry is the single source of truth for job records. All mutation flows
// through Patch so the "one writer per field" invariant holds at one choke
// point. Implementations must be safe for concurrent use.
type Registry interface {
	// GetOrCreate returns the job for id, creating a fresh queued record bound
	// to url when none exists. created reports whether this call made the
	// record; the check and the insert are one atomic operation so concurrent
	// callers cannot both observe a miss. ok is false when the id is
	// tombstoned by a pending deletion.
	GetOrCreate(id, url string) (job Job, created, ok bool)
	Get(id string) (Job, bool)
	List() []Job
	// Patch applies the given fields, refreshes UpdatedAt, and notifies
	// observers. It returns the updated record, or false when the job does not
	// exist or is tombstoned.
	Patch(id string, patch JobPatch) (Job, bool)
	Delete(id string)

	// Control sets, checked at every cooperative yield point.
	RequestStop(id string)
	StopRequested(id string) bool
	MarkDeleted(id string)
	Deleted(id string) bool
	// ClearControl removes id from both control sets once the in-flight task
	// has fully unwound.
	ClearControl(id string)
	Reset()
}

// Converter turns a raw image URL into encoded bytes. Implementations never
// fail the pipeline: an unavailable or failing converter reports a
// pass-through result with Converted=false.
type Converter interface {
	Convert(ctx context.Context, imageURL string) ConvertResult
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs for requests that do not supply one.
type IDGenerator interface {
	NewID() (string, error)
}
