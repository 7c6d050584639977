package jobs

// Store persists Job records. Implementations must be safe for use
// from a single goroutine at a time; the Engine serializes calls under
// its job-table lock.
type Store interface {
	// Load returns all persisted jobs, keyed by Id.
	Load() (map[string]*Job, error)

	// Put inserts or replaces a single job record.
	Put(*Job) error

	// PutAll inserts or replaces the given job records in one write.
	PutAll([]*Job) error

	// Delete removes the jobs with the given ids.
	Delete(ids []string) error

	// Close releases any resources held by the store.
	Close() error
}
