package jobstore

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(now time.Time) (*Store, *time.Time) {
	s := NewStore()
	clock := now
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestStore_Lifecycle(t *testing.T) {
	s, _ := newTestStore(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	require.NoError(t, s.CreateJob(&CVJob{ID: "j1", DatasetID: "ipsc"}))
	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.False(t, job.CreatedAt.IsZero())

	require.NoError(t, s.UpdateJobStarted("j1"))
	require.NoError(t, s.UpdateJobProgress("j1", "bootstrap", 10, 1000))
	require.NoError(t, s.UpdateJobCounts("j1", 100, 60, []string{"A", "B", "C"}))
	require.NoError(t, s.UpdateJobStatus("j1", JobStatusCompleted, ""))

	job, err = s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, JobProgress{Phase: "bootstrap", Done: 10, Total: 1000}, job.Progress)
	assert.Equal(t, 100, job.NGenes)
	assert.Equal(t, []string{"A", "B", "C"}, job.Groups)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	missing, err := s.GetJob("nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
	assert.ErrorIs(t, s.UpdateJobStarted("nope"), ErrJobNotFound)
}

func TestStore_GetJobReturnsCopy(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.CreateJob(&CVJob{ID: "j1"}))
	job, _ := s.GetJob("j1")
	job.Status = JobStatusFailed

	again, _ := s.GetJob("j1")
	assert.Equal(t, JobStatusQueued, again.Status)
}

func TestStore_QueryResults(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.CreateJob(&CVJob{ID: "j1"}))
	require.NoError(t, s.InsertResults("j1", []*CVGeneResult{
		{Gene: "b", SSM: 1, SAM: 3},
		{Gene: "a", SSM: math.NaN(), SAM: 1},
		{Gene: "c", SSM: 5, SAM: 2, SSMSignificant: false},
		{Gene: "d", SSM: 0.5, SAM: 0.1, SSMSignificant: true},
	}))

	genes := func(rs []*CVGeneResult) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.Gene
		}
		return out
	}

	rs, total, err := s.QueryResults("j1", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"c", "b", "d", "a"}, genes(rs))

	rs, _, _ = s.QueryResults("j1", "sam", 0, 2)
	assert.Equal(t, []string{"b", "c"}, genes(rs))

	rs, _, _ = s.QueryResults("j1", "gene", 1, 2)
	assert.Equal(t, []string{"b", "c"}, genes(rs))

	rs, _, _ = s.QueryResults("j1", "significant", 0, 0)
	assert.Equal(t, []string{"d", "c", "b", "a"}, genes(rs))

	rs, total, _ = s.QueryResults("j1", "ssm", 10, 5)
	assert.Empty(t, rs)
	assert.Equal(t, 4, total)

	assert.ErrorIs(t, s.InsertResults("nope", nil), ErrJobNotFound)
}

func TestStore_Recovery(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.CreateJob(&CVJob{ID: "run"}))
	require.NoError(t, s.CreateJob(&CVJob{ID: "wait"}))
	require.NoError(t, s.UpdateJobStarted("run"))

	require.NoError(t, s.MarkRunningAsFailed("server restarted"))
	job, _ := s.GetJob("run")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "server restarted", job.Error)

	queued, err := s.ListQueuedJobs()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "wait", queued[0].ID)
}

func TestStore_DeleteExpiredJobs(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, clock := newTestStore(start)

	require.NoError(t, s.CreateJob(&CVJob{ID: "old", DatasetID: "ipsc"}))
	require.NoError(t, s.UpdateJobStatus("old", JobStatusCompleted, ""))
	require.NoError(t, s.InsertResults("old", []*CVGeneResult{{Gene: "g"}}))
	require.NoError(t, s.CreateJob(&CVJob{ID: "open", DatasetID: "ipsc"}))

	*clock = start.AddDate(0, 0, 3)
	require.NoError(t, s.CreateJob(&CVJob{ID: "new", DatasetID: "ipsc"}))
	require.NoError(t, s.UpdateJobStatus("new", JobStatusFailed, "boom"))

	*clock = start.AddDate(0, 0, 8)
	deleted, err := s.DeleteExpiredJobs(7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	jobs, err := s.ListJobsByDataset("ipsc")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].ID)
	_, total, _ := s.QueryResults("old", "", 0, 0)
	assert.Zero(t, total)

	require.NoError(t, s.DeleteJob("new"))
	gone, _ := s.GetJob("new")
	assert.Nil(t, gone)
}
