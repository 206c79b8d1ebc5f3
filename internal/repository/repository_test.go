package repository

import (
	"cdss-inference/internal/models"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repoFactory func(t *testing.T) JobRepository

func repositories() map[string]repoFactory {
	return map[string]repoFactory{
		"memory": func(t *testing.T) JobRepository {
			return NewMemoryRepository()
		},
		"sqlite": func(t *testing.T) JobRepository {
			repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "jobs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { repo.Close() })
			return repo
		},
	}
}

func newPendingJob(id string) *models.Job {
	return &models.Job{
		ID:             id,
		PredictionID:   "pred-" + id,
		Model:          models.ModelBrainMRI,
		InputReference: "https://pacs.example.com/instances/" + id + "/file",
		Status:         models.StatusPending,
	}
}

func forEachRepository(t *testing.T, fn func(t *testing.T, repo JobRepository)) {
	for name, factory := range repositories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestRepository_CreateAndGet(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, newPendingJob("job-1")))

		job, err := repo.GetJobByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, job.Status)
		assert.Equal(t, "pred-job-1", job.PredictionID)
		assert.Equal(t, models.ModelBrainMRI, job.Model)
		assert.Nil(t, job.Result)
		assert.Empty(t, job.Error)
		assert.False(t, job.CreatedAt.IsZero())
	})
}

func TestRepository_GetJobByID_NotFound(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		_, err := repo.GetJobByID(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestRepository_ClaimCompleteLifecycle(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, newPendingJob("job-1")))

		claimed, err := repo.ClaimJob(ctx, "job-1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		require.NotNil(t, claimed.LeaseExpiresAt)

		_, err = repo.ClaimJob(ctx, "job-1", time.Minute)
		assert.ErrorIs(t, err, ErrJobClaimed)

		require.NoError(t, repo.CompleteJob(ctx, "job-1", models.Result{Label: "glioma", Probability: 0.93}, true))

		job, err := repo.GetJobByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, job.Status)
		require.NotNil(t, job.Result)
		assert.Equal(t, "glioma", job.Result.Label)
		assert.InDelta(t, 0.93, job.Result.Probability, 1e-9)
		assert.True(t, job.UsedFallback)
		assert.Nil(t, job.LeaseExpiresAt)
		assert.NotNil(t, job.FinishedAt)
	})
}

func TestRepository_TerminalStateIsFinal(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, newPendingJob("job-1")))
		_, err := repo.ClaimJob(ctx, "job-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, repo.CompleteJob(ctx, "job-1", models.Result{Label: "glioma", Probability: 0.93}, false))

		// A duplicate execution must not overwrite the first result.
		err = repo.CompleteJob(ctx, "job-1", models.Result{Label: "meningioma", Probability: 0.5}, false)
		assert.ErrorIs(t, err, ErrJobTerminal)
		err = repo.FailJob(ctx, "job-1", "late failure")
		assert.ErrorIs(t, err, ErrJobTerminal)
		_, err = repo.ClaimJob(ctx, "job-1", time.Minute)
		assert.ErrorIs(t, err, ErrJobTerminal)

		job, err := repo.GetJobByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, job.Status)
		assert.Equal(t, "glioma", job.Result.Label)
		assert.Empty(t, job.Error)
	})
}

func TestRepository_FailJob(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, newPendingJob("job-1")))
		_, err := repo.ClaimJob(ctx, "job-1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, repo.FailJob(ctx, "job-1", "classification failed"))

		job, err := repo.GetJobByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailure, job.Status)
		assert.Equal(t, "classification failed", job.Error)
		assert.Nil(t, job.Result)

		assert.ErrorIs(t, repo.FailJob(ctx, "missing", "x"), ErrJobNotFound)
	})
}

func TestRepository_FailPendingJob(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, newPendingJob("job-1")))
		require.NoError(t, repo.FailJob(ctx, "job-1", "queue full"))

		job, err := repo.GetJobByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailure, job.Status)
	})
}

func TestRepository_LeaseJob_FIFO(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			require.NoError(t, repo.CreateJob(ctx, newPendingJob(fmt.Sprintf("job-%d", i))))
			time.Sleep(2 * time.Millisecond)
		}

		for i := 1; i <= 3; i++ {
			job, err := repo.LeaseJob(ctx, time.Minute)
			require.NoError(t, err)
			require.NotNil(t, job)
			assert.Equal(t, fmt.Sprintf("job-%d", i), job.ID)
			assert.Equal(t, models.StatusRunning, job.Status)
		}

		job, err := repo.LeaseJob(ctx, time.Minute)
		require.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestRepository_LeaseJob_ReclaimsExpiredLease(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateJob(ctx, newPendingJob("job-1")))

		first, err := repo.LeaseJob(ctx, 5*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, first)

		time.Sleep(20 * time.Millisecond)

		second, err := repo.LeaseJob(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, "job-1", second.ID)
		assert.Equal(t, 2, second.Attempts)
	})
}

func TestRepository_LeaseJob_ConcurrentSingleOwner(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		ctx := context.Background()
		const jobs = 10
		for i := 0; i < jobs; i++ {
			require.NoError(t, repo.CreateJob(ctx, newPendingJob(fmt.Sprintf("job-%02d", i))))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := repo.LeaseJob(ctx, time.Minute)
					if err != nil {
						continue
					}
					if job == nil {
						return
					}
					mu.Lock()
					seen[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, jobs)
		for id, count := range seen {
			assert.Equal(t, 1, count, "job %s leased more than once", id)
		}
	})
}

func TestRepository_ListAndCount(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo JobRepository) {
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			require.NoError(t, repo.CreateJob(ctx, newPendingJob(fmt.Sprintf("job-%d", i))))
		}
		_, err := repo.ClaimJob(ctx, "job-3", time.Minute)
		require.NoError(t, err)

		pending, err := repo.ListJobsByStatus(ctx, models.StatusPending)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		counts, err := repo.CountJobsByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.StatusPending])
		assert.Equal(t, 1, counts[models.StatusRunning])
	})
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateJob(ctx, newPendingJob("job-1")))

	job, err := repo.GetJobByID(ctx, "job-1")
	require.NoError(t, err)
	job.Status = models.StatusSuccess

	stored, err := repo.GetJobByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}
