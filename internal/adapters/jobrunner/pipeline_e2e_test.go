package jobrunner_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/geoinfer-api/internal/adapters/artifact"
	"github.com/target/geoinfer-api/internal/adapters/coco"
	"github.com/target/geoinfer-api/internal/adapters/inference"
	"github.com/target/geoinfer-api/internal/adapters/jobrunner"
	"github.com/target/geoinfer-api/internal/adapters/webhook"
	"github.com/target/geoinfer-api/internal/data"
	"github.com/target/geoinfer-api/internal/domain/model"
	"github.com/target/geoinfer-api/internal/service"
	"github.com/target/geoinfer-api/internal/testutil"
)

const e2eSecret = "e2e-signing-secret"

type e2eStack struct {
	repo   *data.SQLiteJobRepo
	store  *artifact.FileStore
	runner *jobrunner.Runner
	events chan webhook.ReceivedEvent
	target string
}

func newE2EStack(t *testing.T) *e2eStack {
	t.Helper()
	repo := data.NewSQLiteJobRepo(testutil.SetupSQLiteDB(t), data.RepoConfig{})

	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	events := make(chan webhook.ReceivedEvent, 4)
	srv := httptest.NewServer(&webhook.Receiver{
		Secret:           e2eSecret,
		Tolerance:        time.Minute,
		RequireSignature: true,
		OnEvent:          func(ev webhook.ReceivedEvent) { events <- ev },
	})
	t.Cleanup(srv.Close)

	engine := webhook.NewEngine(webhook.Options{
		Config: webhook.Config{
			SigningSecret:  e2eSecret,
			BaseRetryDelay: time.Millisecond,
			Timeout:        5 * time.Second,
			BaseURL:        "http://geoinfer.test",
		},
		Recorder: func(ctx context.Context, req model.RecordWebhookAttemptRequest) error {
			_, err := repo.RecordWebhookAttempt(ctx, req)
			return err
		},
		ArtifactSize: store.Size,
	})

	pipeline := service.MustNewPipeline(service.PipelineOptions{
		Repo: repo,
		Inferencer: inference.NewSimulator(inference.SimulatorOptions{
			MinDelay: time.Millisecond,
			MaxDelay: 3 * time.Millisecond,
			Seed:     42,
		}),
		Converter:       coco.NewConverter(),
		Artifacts:       store,
		Webhooks:        engine,
		FileConcurrency: 2,
	})

	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:         repo,
		Processor:    pipeline,
		Workers:      2,
		PollInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	return &e2eStack{repo: repo, store: store, runner: runner, events: events, target: srv.URL + "/hook"}
}

func writeTiles(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("II*\x00tile"), 0o600))
		paths = append(paths, p)
	}
	return paths
}

func waitForJob(t *testing.T, repo *data.SQLiteJobRepo, id string, cond func(*model.Job) bool) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := repo.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return cond(j)
	}, 10*time.Second, 20*time.Millisecond)
	return job
}

func TestRunnerPipeline_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end pipeline test in short mode")
	}
	stack := newE2EStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	files := writeTiles(t, "north.tif", "south.tiff")
	files = append(files, filepath.Join(t.TempDir(), "missing.tif"))

	target := stack.target
	_, err := stack.repo.Create(ctx, &model.CreateJobRequest{
		ID:                 "job-e2e",
		TotalFiles:         len(files),
		NotificationTarget: &target,
		InputFiles:         files,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- stack.runner.Run(ctx) }()

	var ev webhook.ReceivedEvent
	select {
	case ev = <-stack.events:
	case <-time.After(10 * time.Second):
		t.Fatal("no webhook received")
	}
	assert.True(t, ev.SignatureValid)
	assert.Equal(t, model.WebhookEventCompleted, ev.Event)
	assert.Equal(t, "job-e2e", ev.JobID)

	var payload model.WebhookPayload
	require.NoError(t, json.Unmarshal(ev.Raw, &payload))
	assert.Equal(t, 3, payload.Summary.TotalFilesUploaded)
	assert.Equal(t, 2, payload.Summary.FilesSuccessfullyProcessed)
	assert.Equal(t, "http://geoinfer.test/results/job-e2e_coco_results.json", payload.Results.DownloadURL)

	job := waitForJob(t, stack.repo, "job-e2e", func(j *model.Job) bool { return j.WebhookDeliveredAt != nil })
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 3, job.ProcessedFiles, "failed files still count as processed")
	assert.Equal(t, 1, job.WebhookAttempts)
	require.NotNil(t, job.ArtifactPath)
	assert.Equal(t, stack.store.Location("job-e2e"), *job.ArtifactPath)
	assert.Equal(t, stack.store.Size(*job.ArtifactPath), job.ArtifactBytes)
	assert.Equal(t, payload.Results.FileSizeBytes, job.ArtifactBytes)

	attempts, err := stack.repo.ListWebhookAttempts(ctx, "job-e2e")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Delivered)

	rc, err := stack.store.Open(ctx, *job.ArtifactPath)
	require.NoError(t, err)
	defer rc.Close()
	var doc model.COCODocument
	require.NoError(t, json.NewDecoder(rc).Decode(&doc))
	assert.Len(t, doc.Images, 2)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerPipeline_JobWithoutTargetCompletesSilently(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end pipeline test in short mode")
	}
	stack := newE2EStack(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	files := writeTiles(t, "only.tif")
	_, err := stack.repo.Create(ctx, &model.CreateJobRequest{ID: "job-quiet", TotalFiles: 1, InputFiles: files})
	require.NoError(t, err)

	go func() { _ = stack.runner.Run(ctx) }()

	job := waitForJob(t, stack.repo, "job-quiet", func(j *model.Job) bool { return j.Status.Terminal() })
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Zero(t, job.WebhookAttempts)

	select {
	case ev := <-stack.events:
		t.Fatalf("unexpected webhook %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
