package job

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultListLimit is used by ListRecent when no positive limit is given
const DefaultListLimit = 10

// Retention bounds how many finished jobs the registry keeps
type Retention struct {
	MaxAge   time.Duration // 0 = no age limit
	MaxCount int           // 0 = no count limit
}

// Registry holds all known jobs
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	seq       uint64
	retention Retention
	now       func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(retention Retention) *Registry {
	return &Registry{
		jobs:      make(map[string]*Job),
		retention: retention,
		now:       time.Now,
	}
}

func newID() string {
	return "job-" + uuid.New().String()
}

// Create registers a new pending job
func (r *Registry) Create(source string, total int) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	j := newJob(newID(), source, total, r.seq, r.now)
	r.jobs[j.id] = j
	return j
}

// Get returns a job by ID
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	return j, ok
}

// Len returns the number of tracked jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// ListRecent returns snapshots of the newest jobs first
func (r *Registry) ListRecent(limit int) []Snapshot {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	jobs := r.sorted()
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// sorted returns jobs newest first
func (r *Registry) sorted() []*Job {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].createdAt.Equal(jobs[b].createdAt) {
			return jobs[a].createdAt.After(jobs[b].createdAt)
		}
		return jobs[a].seq > jobs[b].seq
	})
	return jobs
}

// Stats returns the number of jobs per status
func (r *Registry) Stats() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[Status]int{
		StatusPending:    0,
		StatusInProgress: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for _, j := range r.jobs {
		stats[j.Status()]++
	}
	return stats
}

// Evict removes finished jobs past the retention limits and returns how many were removed.
// Pending and in-progress jobs are never removed.
func (r *Registry) Evict(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var finished []*Job
	removed := 0
	for id, j := range r.jobs {
		j.mu.Lock()
		terminal := j.status.IsTerminal()
		completedAt := j.completedAt
		j.mu.Unlock()

		if !terminal {
			continue
		}
		if r.retention.MaxAge > 0 && now.Sub(completedAt) > r.retention.MaxAge {
			delete(r.jobs, id)
			removed++
			continue
		}
		finished = append(finished, j)
	}

	if r.retention.MaxCount > 0 && len(finished) > r.retention.MaxCount {
		sort.Slice(finished, func(a, b int) bool {
			return finished[a].seq < finished[b].seq
		})
		for _, j := range finished[:len(finished)-r.retention.MaxCount] {
			delete(r.jobs, j.id)
			removed++
		}
	}

	return removed
}
