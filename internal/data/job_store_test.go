package data

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/geoinfer-api/internal/domain/model"
	"github.com/target/geoinfer-api/internal/testutil"
)

// jobStore is the method set shared by JobRepo and SQLiteJobRepo.
type jobStore interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	UpdateStatus(ctx context.Context, id string, status model.JobStatus) (*model.Job, error)
	UpdateProgress(ctx context.Context, id string, update model.ProgressUpdate) (*model.Job, error)
	RecordWebhookAttempt(ctx context.Context, req model.RecordWebhookAttemptRequest) (*model.Job, error)
	List(ctx context.Context) ([]*model.Job, error)
	ClaimNext(ctx context.Context) (*model.Job, error)
	Complete(ctx context.Context, id string, req model.CompleteJobRequest) (*model.Job, error)
	Fail(ctx context.Context, id, reason string) (*model.Job, error)
	ListWebhookAttempts(ctx context.Context, id string) ([]model.WebhookAttempt, error)
	WaitForNotification(ctx context.Context) error
}

var (
	_ jobStore = (*JobRepo)(nil)
	_ jobStore = (*SQLiteJobRepo)(nil)
)

// forEachStore runs fn against SQLite and, when a test database is reachable, Postgres.
func forEachStore(t *testing.T, fn func(t *testing.T, store jobStore, clock *FixedTimeProvider)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		clock := NewFixedTimeProvider(testutil.TestTime())
		db := testutil.SetupSQLiteDB(t)
		fn(t, NewSQLiteJobRepo(db, RepoConfig{TimeProvider: clock}), clock)
	})

	t.Run("postgres", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			clock := NewFixedTimeProvider(testutil.TestTime())
			fn(t, NewJobRepo(db, RepoConfig{TimeProvider: clock}), clock)
		})
	})
}

func createJob(t *testing.T, store jobStore, id string, total int) *model.Job {
	t.Helper()
	files := make([]string, total)
	for i := range files {
		files[i] = fmt.Sprintf("/uploads/%s/tile_%d.tif", id, i)
	}
	job, err := store.Create(context.Background(), &model.CreateJobRequest{
		ID:         id,
		TotalFiles: total,
		InputFiles: files,
	})
	require.NoError(t, err)
	return job
}

func TestJobStore_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, _ *FixedTimeProvider) {
		ctx := context.Background()

		job, err := store.Create(ctx, &model.CreateJobRequest{
			ID:                 "job-1",
			TotalFiles:         2,
			NotificationTarget: testutil.StringPtr("https://hooks.example.com/done"),
			APIKey:             testutil.StringPtr("secret-token"),
			InputFiles:         []string{"a.tif", "b.tif"},
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, job.Status)
		assert.Equal(t, 2, job.TotalFiles)
		assert.Zero(t, job.ProcessedFiles)
		assert.Zero(t, job.Progress)
		assert.Zero(t, job.WebhookAttempts)
		assert.Nil(t, job.WebhookDeliveredAt)
		assert.True(t, job.CreatedAt.Equal(testutil.TestTime()))

		got, err := store.Get(ctx, "job-1")
		require.NoError(t, err)
		require.NotNil(t, got.NotificationTarget)
		assert.Equal(t, "https://hooks.example.com/done", *got.NotificationTarget)
		require.NotNil(t, got.APIKey)
		assert.Equal(t, "secret-token", *got.APIKey)
		assert.Equal(t, []string{"a.tif", "b.tif"}, got.InputFiles)
		assert.True(t, got.HasNotificationTarget())
	})
}

func TestJobStore_CreateErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, _ *FixedTimeProvider) {
		ctx := context.Background()
		createJob(t, store, "dup", 1)

		_, err := store.Create(ctx, &model.CreateJobRequest{ID: "dup", TotalFiles: 1})
		require.ErrorIs(t, err, ErrDuplicateJob)

		_, err = store.Create(ctx, &model.CreateJobRequest{ID: "", TotalFiles: 1})
		require.Error(t, err)

		_, err = store.Create(ctx, nil)
		require.Error(t, err)

		_, err = store.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobStore_UpdateStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, _ *FixedTimeProvider) {
		ctx := context.Background()
		createJob(t, store, "job-s", 1)

		job, err := store.UpdateStatus(ctx, "job-s", model.JobStatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, job.Status)

		_, err = store.UpdateStatus(ctx, "job-s", model.JobStatusQueued)
		require.ErrorIs(t, err, ErrInvalidTransition)

		job, err = store.UpdateStatus(ctx, "job-s", model.JobStatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Equal(t, 100, job.Progress)

		_, err = store.UpdateStatus(ctx, "job-s", model.JobStatusFailed)
		require.ErrorIs(t, err, ErrInvalidTransition)

		_, err = store.UpdateStatus(ctx, "missing", model.JobStatusProcessing)
		require.ErrorIs(t, err, ErrJobNotFound)

		_, err = store.UpdateStatus(ctx, "job-s", model.JobStatus("PAUSED"))
		require.Error(t, err)
	})
}

func TestJobStore_QueuedCannotCompleteDirectly(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, _ *FixedTimeProvider) {
		createJob(t, store, "job-q", 1)
		_, err := store.UpdateStatus(context.Background(), "job-q", model.JobStatusCompleted)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestJobStore_UpdateProgress(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, _ *FixedTimeProvider) {
		ctx := context.Background()
		createJob(t, store, "job-p", 4)
		_, err := store.UpdateStatus(ctx, "job-p", model.JobStatusProcessing)
		require.NoError(t, err)

		job, err := store.UpdateProgress(ctx, "job-p", model.ProgressUpdate{Progress: 50, ProcessedFiles: 2})
		require.NoError(t, err)
		assert.Equal(t, 50, job.Progress)
		assert.Equal(t, 2, job.ProcessedFiles)

		// A late writer carrying an older snapshot must not move values backwards.
		job, err = store.UpdateProgress(ctx, "job-p", model.ProgressUpdate{Progress: 25, ProcessedFiles: 1})
		require.NoError(t, err)
		assert.Equal(t, 50, job.Progress)
		assert.Equal(t, 2, job.ProcessedFiles)

		_, err = store.UpdateProgress(ctx, "job-p", model.ProgressUpdate{Progress: 101})
		require.ErrorIs(t, err, ErrInvalidProgress)
		_, err = store.UpdateProgress(ctx, "job-p", model.ProgressUpdate{Progress: 10, ProcessedFiles: -1})
		require.ErrorIs(t, err, ErrInvalidProgress)

		_, err = store.UpdateProgress(ctx, "missing", model.ProgressUpdate{Progress: 10})
		require.ErrorIs(t, err, ErrJobNotFound)

		_, err = store.Fail(ctx, "job-p", "boom")
		require.NoError(t, err)
		_, err = store.UpdateProgress(ctx, "job-p", model.ProgressUpdate{Progress: 75, ProcessedFiles: 3})
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestJobStore_ConcurrentProgressIsMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, _ *FixedTimeProvider) {
		ctx := context.Background()
		const total = 20
		createJob(t, store, "job-c", total)
		_, err := store.UpdateStatus(ctx, "job-c", model.JobStatusProcessing)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 1; i <= total; i++ {
			wg.Add(1)
			go func(done int) {
				defer wg.Done()
				progress := min(model.ComputeProgress(done, total), 99)
				_, uerr := store.UpdateProgress(ctx, "job-c", model.ProgressUpdate{Progress: progress, ProcessedFiles: done})
				assert.NoError(t, uerr)
			}(i)
		}
		wg.Wait()

		job, err := store.Get(ctx, "job-c")
		require.NoError(t, err)
		assert.Equal(t, total, job.ProcessedFiles)
		assert.Equal(t, 99, job.Progress)
	})
}

func TestJobStore_ProgressHundredOnlyWhenCompleted(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, _ *FixedTimeProvider) {
		ctx := context.Background()
		createJob(t, store, "job-h", 1)
		_, err := store.UpdateStatus(ctx, "job-h", model.JobStatusProcessing)
		require.NoError(t, err)

		_, err = store.UpdateProgress(ctx, "job-h", model.ProgressUpdate{Progress: 100, ProcessedFiles: 1})
		require.Error(t, err)

		job, err := store.Get(ctx, "job-h")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, job.Status)
		assert.NotEqual(t, 100, job.Progress)
	})
}

func TestJobStore_RecordWebhookAttempt(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, clock *FixedTimeProvider) {
		ctx := context.Background()
		createJob(t, store, "job-w", 1)

		job, err := store.RecordWebhookAttempt(ctx, model.RecordWebhookAttemptRequest{
			JobID: "job-w",
			Error: testutil.StringPtr("timeout"),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, job.WebhookAttempts)
		assert.Nil(t, job.WebhookLastStatusCode)
		require.NotNil(t, job.WebhookLastError)
		assert.Equal(t, "timeout", *job.WebhookLastError)
		assert.Nil(t, job.WebhookDeliveredAt)

		clock.Advance(time.Minute)
		firstDelivery := clock.Now()
		job, err = store.RecordWebhookAttempt(ctx, model.RecordWebhookAttemptRequest{
			JobID:      "job-w",
			StatusCode: testutil.IntPtr(200),
			Delivered:  true,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, job.WebhookAttempts)
		require.NotNil(t, job.WebhookLastStatusCode)
		assert.Equal(t, 200, *job.WebhookLastStatusCode)
		assert.Nil(t, job.WebhookLastError)
		require.NotNil(t, job.WebhookDeliveredAt)
		assert.True(t, job.WebhookDeliveredAt.Equal(firstDelivery))

		clock.Advance(time.Minute)
		job, err = store.RecordWebhookAttempt(ctx, model.RecordWebhookAttemptRequest{
			JobID:      "job-w",
			StatusCode: testutil.IntPtr(202),
			Delivered:  true,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, job.WebhookAttempts)
		require.NotNil(t, job.WebhookDeliveredAt)
		assert.True(t, job.WebhookDeliveredAt.Equal(firstDelivery), "delivered_at must not move once set")

		attempts, err := store.ListWebhookAttempts(ctx, "job-w")
		require.NoError(t, err)
		require.Len(t, attempts, 3)
		for i, a := range attempts {
			assert.Equal(t, i+1, a.AttemptNumber)
			assert.Equal(t, "job-w", a.JobID)
		}
		assert.False(t, attempts[0].Delivered)
		assert.True(t, attempts[1].Delivered)

		_, err = store.RecordWebhookAttempt(ctx, model.RecordWebhookAttemptRequest{JobID: "missing"})
		require.ErrorIs(t, err, ErrJobNotFound)
		_, err = store.ListWebhookAttempts(ctx, "missing")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobStore_RecordWebhookAttemptCountsEveryCall(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, _ *FixedTimeProvider) {
		ctx := context.Background()
		createJob(t, store, "job-n", 1)

		const n = 8
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.RecordWebhookAttempt(ctx, model.RecordWebhookAttemptRequest{
					JobID:      "job-n",
					StatusCode: testutil.IntPtr(500),
					Error:      testutil.StringPtr("Non-success status code 500"),
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		job, err := store.Get(ctx, "job-n")
		require.NoError(t, err)
		assert.Equal(t, n, job.WebhookAttempts)
		assert.Nil(t, job.WebhookDeliveredAt)
	})
}

func TestJobStore_ListOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, clock *FixedTimeProvider) {
		for _, id := range []string{"first", "second", "third"} {
			createJob(t, store, id, 0)
			clock.Advance(time.Second)
		}

		jobs, err := store.List(context.Background())
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "third", jobs[0].ID)
		assert.Equal(t, "second", jobs[1].ID)
		assert.Equal(t, "first", jobs[2].ID)
	})
}

func TestJobStore_ClaimNext(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, clock *FixedTimeProvider) {
		ctx := context.Background()

		_, err := store.ClaimNext(ctx)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		createJob(t, store, "older", 1)
		clock.Advance(time.Second)
		createJob(t, store, "newer", 1)

		job, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, "older", job.ID)
		assert.Equal(t, model.JobStatusProcessing, job.Status)

		job, err = store.ClaimNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, "newer", job.ID)

		_, err = store.ClaimNext(ctx)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestJobStore_CompleteAndFail(t *testing.T) {
	forEachStore(t, func(t *testing.T, store jobStore, _ *FixedTimeProvider) {
		ctx := context.Background()
		createJob(t, store, "done", 1)
		createJob(t, store, "broken", 1)

		_, err := store.Complete(ctx, "done", model.CompleteJobRequest{ArtifactPath: "results/done.json"})
		require.ErrorIs(t, err, ErrInvalidTransition, "queued jobs cannot complete")

		_, err = store.UpdateStatus(ctx, "done", model.JobStatusProcessing)
		require.NoError(t, err)
		job, err := store.Complete(ctx, "done", model.CompleteJobRequest{
			ArtifactPath:  "results/done_coco_results.json",
			ArtifactBytes: 1234,
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Equal(t, 100, job.Progress)
		require.NotNil(t, job.ArtifactPath)
		assert.Equal(t, "results/done_coco_results.json", *job.ArtifactPath)
		assert.Equal(t, int64(1234), job.ArtifactBytes)

		job, err = store.Fail(ctx, "broken", "no readable input")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, job.Status)
		require.NotNil(t, job.LastError)
		assert.Equal(t, "no readable input", *job.LastError)

		_, err = store.Fail(ctx, "done", "too late")
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestSQLiteJobRepo_WaitForNotification(t *testing.T) {
	repo := NewSQLiteJobRepo(testutil.SetupSQLiteDB(t), RepoConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, repo.WaitForNotification(ctx), context.DeadlineExceeded)

	createJob(t, repo, "queued", 0)
	require.NoError(t, repo.WaitForNotification(context.Background()))
}

func TestJobRepo_WaitForNotification(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})

		errCh := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errCh <- repo.WaitForNotification(ctx)
		}()

		// LISTEN is issued inside WaitForNotification, so keep queueing until it is heard.
		deadline := time.After(10 * time.Second)
		for i := 0; ; i++ {
			createJob(t, repo, fmt.Sprintf("notify-%d", i), 0)
			select {
			case err := <-errCh:
				require.NoError(t, err)
				return
			case <-deadline:
				t.Fatal("no notification received")
			case <-time.After(100 * time.Millisecond):
			}
		}
	})
}
