package jobrunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/geoinfer-api/internal/domain/model"
	"github.com/target/geoinfer-api/internal/mocks"
)

type chanNotifier struct{ ch chan struct{} }

func (n *chanNotifier) Listen(ctx context.Context) { <-ctx.Done() }
func (n *chanNotifier) Next() <-chan struct{}      { return n.ch }

type processorFunc func(ctx context.Context, job *model.Job) (*model.Job, error)

func (f processorFunc) Process(ctx context.Context, job *model.Job) (*model.Job, error) {
	return f(ctx, job)
}

type seenJobs struct {
	mu  sync.Mutex
	ids []string
}

func (s *seenJobs) add(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return len(s.ids)
}

func (s *seenJobs) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func runAsync(ctx context.Context, r *Runner) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
		return nil
	}
}

func TestNewRunner_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	noop := processorFunc(func(_ context.Context, j *model.Job) (*model.Job, error) { return j, nil })

	_, err := NewRunner(RunnerOptions{Processor: noop})
	require.Error(t, err)
	_, err = NewRunner(RunnerOptions{Jobs: repo})
	require.Error(t, err)

	r, err := NewRunner(RunnerOptions{Jobs: repo, Processor: noop})
	require.NoError(t, err)
	assert.Equal(t, 1, r.workers)
	assert.Equal(t, time.Second, r.errorBackoff)
	assert.NotNil(t, r.notifier)
}

func TestRunner_ProcessesClaimedJobs(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo.EXPECT().ClaimNext(gomock.Any()).Return(&model.Job{ID: "a", Status: model.JobStatusProcessing}, nil)
	repo.EXPECT().ClaimNext(gomock.Any()).Return(&model.Job{ID: "b", Status: model.JobStatusProcessing}, nil)
	repo.EXPECT().ClaimNext(gomock.Any()).Return(nil, model.ErrNoJobsAvailable).AnyTimes()

	seen := &seenJobs{}
	proc := processorFunc(func(_ context.Context, j *model.Job) (*model.Job, error) {
		if seen.add(j.ID) == 2 {
			cancel()
		}
		done := *j
		done.Status = model.JobStatusCompleted
		return &done, nil
	})

	r, err := NewRunner(RunnerOptions{
		Jobs:      repo,
		Processor: proc,
		Notifier:  &chanNotifier{ch: make(chan struct{})},
	})
	require.NoError(t, err)

	err = waitDone(t, runAsync(ctx, r))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a", "b"}, seen.list())
}

func TestRunner_WakesOnNotification(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	claimed := make(chan struct{})
	gomock.InOrder(
		repo.EXPECT().ClaimNext(gomock.Any()).DoAndReturn(func(context.Context) (*model.Job, error) {
			close(claimed)
			return nil, model.ErrNoJobsAvailable
		}),
		repo.EXPECT().ClaimNext(gomock.Any()).Return(&model.Job{ID: "late"}, nil),
		repo.EXPECT().ClaimNext(gomock.Any()).Return(nil, model.ErrNoJobsAvailable).AnyTimes(),
	)

	seen := &seenJobs{}
	proc := processorFunc(func(_ context.Context, j *model.Job) (*model.Job, error) {
		seen.add(j.ID)
		cancel()
		return j, nil
	})
	wake := make(chan struct{}, 1)
	r, err := NewRunner(RunnerOptions{Jobs: repo, Processor: proc, Notifier: &chanNotifier{ch: wake}})
	require.NoError(t, err)

	done := runAsync(ctx, r)
	<-claimed
	wake <- struct{}{}

	require.ErrorIs(t, waitDone(t, done), context.Canceled)
	assert.Equal(t, []string{"late"}, seen.list())
}

func TestRunner_ClaimErrorBacksOff(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		repo.EXPECT().ClaimNext(gomock.Any()).Return(nil, errors.New("db down")),
		repo.EXPECT().ClaimNext(gomock.Any()).Return(&model.Job{ID: "after-error"}, nil),
		repo.EXPECT().ClaimNext(gomock.Any()).Return(nil, model.ErrNoJobsAvailable).AnyTimes(),
	)

	seen := &seenJobs{}
	proc := processorFunc(func(_ context.Context, j *model.Job) (*model.Job, error) {
		seen.add(j.ID)
		cancel()
		return nil, errors.New("processing error is logged")
	})
	r, err := NewRunner(RunnerOptions{
		Jobs:         repo,
		Processor:    proc,
		Notifier:     &chanNotifier{ch: make(chan struct{})},
		ErrorBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	require.ErrorIs(t, waitDone(t, runAsync(ctx, r)), context.Canceled)
	assert.Equal(t, []string{"after-error"}, seen.list())
}

func TestRunner_Shutdown(t *testing.T) {
	tests := []struct {
		name         string
		drainTimeout time.Duration
		wantFinished bool
	}{
		{name: "drain lets in-flight job finish", drainTimeout: 5 * time.Second, wantFinished: true},
		{name: "no drain abandons in-flight job", drainTimeout: 0, wantFinished: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			repo := mocks.NewMockJobRepository(ctrl)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			repo.EXPECT().ClaimNext(gomock.Any()).Return(&model.Job{ID: "slow"}, nil)
			repo.EXPECT().ClaimNext(gomock.Any()).Return(nil, model.ErrNoJobsAvailable).AnyTimes()

			started := make(chan struct{})
			release := make(chan struct{})
			var finished bool
			proc := processorFunc(func(jobCtx context.Context, j *model.Job) (*model.Job, error) {
				close(started)
				select {
				case <-release:
					finished = true
					return j, nil
				case <-jobCtx.Done():
					return nil, jobCtx.Err()
				}
			})

			r, err := NewRunner(RunnerOptions{
				Jobs:         repo,
				Processor:    proc,
				Notifier:     &chanNotifier{ch: make(chan struct{})},
				DrainTimeout: tt.drainTimeout,
			})
			require.NoError(t, err)

			done := runAsync(ctx, r)
			<-started
			cancel()
			close(release)

			require.ErrorIs(t, waitDone(t, done), context.Canceled)
			assert.Equal(t, tt.wantFinished, finished)
		})
	}
}

func TestRunner_MultipleWorkers(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	next := 0
	repo.EXPECT().ClaimNext(gomock.Any()).DoAndReturn(func(context.Context) (*model.Job, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= 6 {
			return nil, model.ErrNoJobsAvailable
		}
		next++
		return &model.Job{ID: string(rune('a' + next - 1))}, nil
	}).AnyTimes()

	seen := &seenJobs{}
	proc := processorFunc(func(_ context.Context, j *model.Job) (*model.Job, error) {
		if seen.add(j.ID) == 6 {
			cancel()
		}
		return j, nil
	})
	r, err := NewRunner(RunnerOptions{
		Jobs:      repo,
		Processor: proc,
		Notifier:  &chanNotifier{ch: make(chan struct{})},
		Workers:   3,
	})
	require.NoError(t, err)

	require.ErrorIs(t, waitDone(t, runAsync(ctx, r)), context.Canceled)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f"}, seen.list())
}
