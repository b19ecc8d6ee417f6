package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"postbot/internal/task/engine"
)

// Job is the live handle of one pending or in-flight delivery.
// Cancel stops the timer and cancels the dispatch if it is already running.
type Job struct {
	PostID int64
	FireAt time.Time
	Seq    uint64

	handle  *engine.Handle
	running atomic.Bool

	mu    sync.Mutex
	timer Timer
}

func newJob(postID int64, fireAt time.Time, seq uint64) *Job {
	return &Job{PostID: postID, FireAt: fireAt, Seq: seq, handle: engine.NewHandle()}
}

func (j *Job) Cancel() {
	j.mu.Lock()
	t := j.timer
	j.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	j.handle.Cancel()
}

func (j *Job) Canceled() bool { return j.handle.Canceled() }

func (j *Job) Running() bool { return j.running.Load() }

// setTimer attaches t; a job cancelled before its timer was armed stops it at once.
func (j *Job) setTimer(t Timer) {
	j.mu.Lock()
	j.timer = t
	j.mu.Unlock()
	if j.Canceled() {
		t.Stop()
	}
}

// Registry maps post ids to their current Job. It holds at most one Job per id.
type Registry struct {
	mu   sync.Mutex
	jobs map[int64]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: map[int64]*Job{}}
}

// Put installs job for id, cancelling any previous job in the same critical section.
func (r *Registry) Put(id int64, job *Job) {
	r.mu.Lock()
	prev := r.jobs[id]
	r.jobs[id] = job
	if prev != nil && prev != job {
		prev.Cancel()
	}
	r.mu.Unlock()
}

// PutIfAbsent installs job only when id has no live job.
func (r *Registry) PutIfAbsent(id int64, job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return false
	}
	r.jobs[id] = job
	return true
}

// Remove cancels and removes the job for id.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	prev, ok := r.jobs[id]
	delete(r.jobs, id)
	if ok {
		prev.Cancel()
	}
	r.mu.Unlock()
	return ok
}

// RemoveIf removes the entry for id only if it is still job. It does not
// cancel; the caller owns job's completion.
func (r *Registry) RemoveIf(id int64, job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.jobs[id]; ok && cur == job {
		delete(r.jobs, id)
		return true
	}
	return false
}

func (r *Registry) Get(id int64) (*Job, bool) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	r.mu.Unlock()
	return j, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.jobs)
	r.mu.Unlock()
	return n
}

// Clear cancels and removes every job.
func (r *Registry) Clear() int {
	r.mu.Lock()
	jobs := r.jobs
	r.jobs = map[int64]*Job{}
	r.mu.Unlock()
	for _, j := range jobs {
		j.Cancel()
	}
	return len(jobs)
}

// JobInfo is a diagnostics view of one Job.
type JobInfo struct {
	PostID  int64     `json:"post_id"`
	FireAt  time.Time `json:"fire_at"`
	Seq     uint64    `json:"seq"`
	Running bool      `json:"running"`
}

// Snapshot lists jobs ordered by fire time.
func (r *Registry) Snapshot() []JobInfo {
	r.mu.Lock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, JobInfo{PostID: j.PostID, FireAt: j.FireAt, Seq: j.Seq, Running: j.Running()})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FireAt.Equal(out[k].FireAt) {
			return out[i].FireAt.Before(out[k].FireAt)
		}
		return out[i].PostID < out[k].PostID
	})
	return out
}
