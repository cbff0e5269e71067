// Package api provides HTTP handlers for the scstat server.
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hhaiyu/singleCellSeq/internal/jobstore"
)

// ErrStopped is returned when submitting to a stopped job manager.
var ErrStopped = errors.New("job manager stopped")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int // Max concurrent CV jobs (default 1)
	QueueSize     int // Pending jobs accepted before Submit fails the job (default 100)
	RetentionDays int // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
}

// JobManager runs CV comparison jobs on a fixed pool of workers.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual computation.
	Executor func(ctx context.Context, store *jobstore.Store, jobID string) error
}

// NewJobManager creates a new job manager with an in-memory store.
func NewJobManager(cfg JobManagerConfig) *JobManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	return &JobManager{
		cfg:     cfg,
		store:   jobstore.NewStore(),
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
func (jm *JobManager) Start() {
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still
// queued are marked cancelled.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		if err := jm.store.MarkRunningAsFailed("server stopped"); err != nil {
			log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
		}
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCancelled, "server stopped")
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil || job.Status != jobstore.JobStatusQueued {
		// cancelled or deleted while queued
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	// Mark as running
	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}

	start := time.Now()
	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	// Update final status
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCancelled, "cancelled by user")
		log.Printf("[JobManager] job %s cancelled after %v", jobID, time.Since(start))
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusFailed, execErr.Error())
		log.Printf("[JobManager] job %s failed: %v", jobID, execErr)
	default:
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCompleted, "")
		log.Printf("[JobManager] job %s completed in %v", jobID, time.Since(start))
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params jobstore.CVJobParams) (*jobstore.CVJob, error) {
	select {
	case <-jm.stopCh:
		return nil, ErrStopped
	default:
	}

	job := &jobstore.CVJob{
		ID:        uuid.NewString(),
		DatasetID: params.DatasetID,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- job.ID:
	default:
		// Queue full; mark as failed immediately
		jm.store.UpdateJobStatus(job.ID, jobstore.JobStatusFailed, "job queue is full; try again later")
		job.Status = jobstore.JobStatusFailed
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *jobstore.CVJob {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}
