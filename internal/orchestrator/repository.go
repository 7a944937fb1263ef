package orchestrator

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Repository defines the concurrency-safe contract for accessing and mutating
// job records.
type Repository interface {
	// Create records a new job in the running finalize state.
	// If a job with the same id exists, ErrJobExists is returned.
	Create(job Job) error

	// Get returns a copy of the job.
	Get(id JobID) (Job, bool)

	// Current returns the most recently started job that has not ended.
	Current() (Job, bool)

	// MarkLastLayer flags the job as having reached its last layer. It
	// reports true only for the first call on a job; later calls are no-ops.
	MarkLastLayer(id JobID) (first bool, err error)

	// BeginFinalize moves a running job to finalizing. It reports false when
	// finalize has already begun, so at most one finalize runs per job.
	BeginFinalize(id JobID) (started bool, err error)

	// CompleteFinalize records the outcome of a finalize. A job that has
	// both ended and completed finalize is removed.
	CompleteFinalize(id JobID, state FinalizeState, video, videoID string, cause error) error

	// End marks the job ended. Ending an unknown or ended job is a no-op.
	End(id JobID) error

	// Update applies fn to the stored job. The id cannot be changed.
	Update(id JobID, fn func(*Job)) error

	// List returns copies of all jobs, newest first.
	List() []Job

	// ActiveJobCount returns the number of jobs that have not ended.
	// Used for metrics.
	ActiveJobCount() int
}

var (
	// ErrJobNotFound is returned for operations on an unknown job.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when creating a job whose id is taken.
	ErrJobExists = errors.New("job already exists")

	// ErrNotFinalizing is returned when completing a finalize that never began.
	ErrNotFinalizing = errors.New("job is not finalizing")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
	now   func() time.Time
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store, now: time.Now}
}

// Create implements Repository.Create.
func (r *InMemoryRepository) Create(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetJob(job.ID); exists {
		return ErrJobExists
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = r.now().UTC()
	}
	job.Finalize = FinalizeRunning
	job.Ended = false
	r.store.SetJob(&job)
	return nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id JobID) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.store.GetJob(id)
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Current implements Repository.Current.
func (r *InMemoryRepository) Current() (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cur *Job
	for _, id := range r.store.ListJobIDs() {
		j, ok := r.store.GetJob(id)
		if !ok || j.Ended {
			continue
		}
		if cur == nil || j.StartedAt.After(cur.StartedAt) {
			cur = j
		}
	}
	if cur == nil {
		return Job{}, false
	}
	return *cur, true
}

// MarkLastLayer implements Repository.MarkLastLayer.
func (r *InMemoryRepository) MarkLastLayer(id JobID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.store.GetJob(id)
	if !ok {
		return false, ErrJobNotFound
	}
	if j.LastLayer {
		return false, nil
	}
	j.LastLayer = true
	return true, nil
}

// BeginFinalize implements Repository.BeginFinalize.
func (r *InMemoryRepository) BeginFinalize(id JobID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.store.GetJob(id)
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Finalize != FinalizeRunning {
		return false, nil
	}
	j.Finalize = FinalizeFinalizing
	return true, nil
}

// CompleteFinalize implements Repository.CompleteFinalize.
func (r *InMemoryRepository) CompleteFinalize(id JobID, state FinalizeState, video, videoID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.store.GetJob(id)
	if !ok {
		return ErrJobNotFound
	}
	if j.Finalize != FinalizeFinalizing {
		return ErrNotFinalizing
	}
	j.Finalize = state
	j.Video = video
	j.VideoID = videoID
	if cause != nil {
		j.LastError = cause.Error()
	}
	r.removeIfDoneLocked(j)
	return nil
}

// End implements Repository.End.
func (r *InMemoryRepository) End(id JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.store.GetJob(id)
	if !ok || j.Ended {
		return nil
	}
	j.Ended = true
	j.EndedAt = r.now().UTC()
	r.removeIfDoneLocked(j)
	return nil
}

// Update implements Repository.Update.
func (r *InMemoryRepository) Update(id JobID, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.store.GetJob(id)
	if !ok {
		return ErrJobNotFound
	}
	fn(j)
	j.ID = id
	return nil
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListJobIDs()
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := r.store.GetJob(id); ok {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// ActiveJobCount implements Repository.ActiveJobCount.
func (r *InMemoryRepository) ActiveJobCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListJobIDs() {
		if j, ok := r.store.GetJob(id); ok && !j.Ended {
			n++
		}
	}
	return n
}

// removeIfDoneLocked drops a job that has ended and finished finalizing.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) removeIfDoneLocked(j *Job) {
	if j.Ended && j.Finalize.Terminal() {
		r.store.DeleteJob(j.ID)
	}
}
