// Package jobstore keeps the state and per-gene results of CV comparison jobs
// in memory.
package jobstore

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ErrJobNotFound is returned when updating a job that does not exist.
var ErrJobNotFound = errors.New("job not found")

// CVJobParams contains the parameters of a CV comparison job. Zero values
// select the configured defaults.
type CVJobParams struct {
	DatasetID  string   `json:"dataset_id"`
	GroupBy    string   `json:"group_by"`
	Groups     []string `json:"groups,omitempty"` // restrict to these groups
	SampleSize int      `json:"sample_size,omitempty"`
	Iterations int      `json:"iterations,omitempty"`
	Seed       uint64   `json:"seed,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	Tail       string   `json:"tail,omitempty"`
}

// JobProgress represents the progress of a job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// CVJob represents a CV comparison job.
type CVJob struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Status     JobStatus   `json:"status"`
	Params     CVJobParams `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	NGenes     int         `json:"n_genes"`
	NCells     int         `json:"n_cells"`
	Groups     []string    `json:"groups,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// CVGeneResult contains the comparison result for a single gene. Per-group
// slices follow the job's Groups order.
type CVGeneResult struct {
	Gene           string    `json:"gene"`
	Mean           []float64 `json:"mean"`
	Z              []float64 `json:"z"`
	SSM            float64   `json:"ssm"`
	SSMLower       float64   `json:"ssm_lower"`
	SSMUpper       float64   `json:"ssm_upper"`
	SSMSignificant bool      `json:"ssm_significant"`
	SAM            float64   `json:"sam"`
	SAMLower       float64   `json:"sam_lower"`
	SAMUpper       float64   `json:"sam_upper"`
	SAMSignificant bool      `json:"sam_significant"`
}

// Store holds jobs and results in memory.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*CVJob
	results map[string][]*CVGeneResult
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		jobs:    make(map[string]*CVJob),
		results: make(map[string][]*CVGeneResult),
		now:     time.Now,
	}
}

// Close releases the stored jobs.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*CVJob)
	s.results = make(map[string][]*CVGeneResult)
	return nil
}

// CreateJob stores a new job record.
func (s *Store) CreateJob(job *CVJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// GetJob returns a copy of the job, or nil if it does not exist.
func (s *Store) GetJob(jobID string) (*CVJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *Store) update(jobID string, fn func(*CVJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	fn(job)
	return nil
}

// UpdateJobStatus updates the job status and error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	return s.update(jobID, func(j *CVJob) {
		j.Status = status
		j.Error = errMsg
		if status.Finished() && j.FinishedAt == nil {
			t := s.now()
			j.FinishedAt = &t
		}
	})
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	return s.update(jobID, func(j *CVJob) {
		t := s.now()
		j.Status = JobStatusRunning
		j.StartedAt = &t
	})
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	return s.update(jobID, func(j *CVJob) {
		j.Progress = JobProgress{Phase: phase, Done: done, Total: total}
	})
}

// UpdateJobCounts records the size of the compared data.
func (s *Store) UpdateJobCounts(jobID string, nGenes, nCells int, groups []string) error {
	return s.update(jobID, func(j *CVJob) {
		j.NGenes, j.NCells = nGenes, nCells
		j.Groups = append([]string(nil), groups...)
	})
}

// InsertResults stores the gene results of a job, replacing earlier ones.
func (s *Store) InsertResults(jobID string, results []*CVGeneResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	s.results[jobID] = append([]*CVGeneResult(nil), results...)
	return nil
}

// QueryResults returns a page of results and the total result count. orderBy
// is one of "ssm" (default), "sam", "significant" or "gene". Metrics sort
// descending with undefined values last.
func (s *Store) QueryResults(jobID string, orderBy string, offset, limit int) ([]*CVGeneResult, int, error) {
	s.mu.RLock()
	all := append([]*CVGeneResult(nil), s.results[jobID]...)
	s.mu.RUnlock()

	var less func(a, b *CVGeneResult) bool
	switch orderBy {
	case "sam":
		less = func(a, b *CVGeneResult) bool { return descNaNLast(a.SAM, b.SAM) }
	case "gene":
		less = func(a, b *CVGeneResult) bool { return a.Gene < b.Gene }
	case "significant":
		less = func(a, b *CVGeneResult) bool {
			if a.SSMSignificant != b.SSMSignificant {
				return a.SSMSignificant
			}
			return descNaNLast(a.SSM, b.SSM)
		}
	default:
		less = func(a, b *CVGeneResult) bool { return descNaNLast(a.SSM, b.SSM) }
	}
	sort.SliceStable(all, func(i, j int) bool { return less(all[i], all[j]) })

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func descNaNLast(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a > b
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*CVJob, error) {
	jobs := s.list(func(j *CVJob) bool { return j.DatasetID == datasetID })
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs, nil
}

// ListQueuedJobs returns all queued jobs, oldest first.
func (s *Store) ListQueuedJobs() ([]*CVJob, error) {
	jobs := s.list(func(j *CVJob) bool { return j.Status == JobStatusQueued })
	sort.SliceStable(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

func (s *Store) list(keep func(*CVJob) bool) []*CVJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*CVJob
	for _, j := range s.jobs {
		if keep(j) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out
}

// MarkRunningAsFailed marks all running jobs as failed.
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning {
			j.Status = JobStatusFailed
			j.Error = errMsg
			j.FinishedAt = &now
		}
	}
	return nil
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	var deleted int64
	for id, j := range s.jobs {
		if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.results, id)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.results, jobID)
	delete(s.jobs, jobID)
	return nil
}
