package inference

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/geoinfer-api/internal/domain/model"
)

func writeTile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("II*\x00fake-tiff"), 0o600))
	return path
}

func TestSimulator_Process(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	sim := NewSimulator(SimulatorOptions{Seed: 42, Now: func() time.Time { return at }})
	file := writeTile(t, "scene_01.tif")

	for range 50 {
		res := sim.Process(context.Background(), file)
		ok, isSuccess := res.(model.InferenceSuccess)
		require.True(t, isSuccess, "expected success, got %T", res)

		assert.Equal(t, "palm_v1.0_simulated", ok.ModelVersion)
		assert.Equal(t, model.BBoxFormatXYXY, ok.BBoxFormat)
		assert.Equal(t, at, ok.ProcessedAt)
		assert.Equal(t, model.ImageInfo{
			FileName:  "scene_01.tif",
			Width:     512,
			Height:    512,
			CRS:       "EPSG:4326",
			Transform: [6]float64{1, 0, 0, 0, 1, 0},
		}, ok.ImageInfo)

		require.GreaterOrEqual(t, len(ok.Detections), 1)
		require.LessOrEqual(t, len(ok.Detections), 10)
		for _, d := range ok.Detections {
			w := d.BBox[2] - d.BBox[0]
			h := d.BBox[3] - d.BBox[1]
			assert.GreaterOrEqual(t, w, 20.0)
			assert.LessOrEqual(t, w, 128.0)
			assert.GreaterOrEqual(t, h, 20.0)
			assert.LessOrEqual(t, h, 128.0)
			assert.GreaterOrEqual(t, d.BBox[0], 0.0)
			assert.LessOrEqual(t, d.BBox[2], 512.0)
			assert.LessOrEqual(t, d.BBox[3], 512.0)
			assert.InDelta(t, w*h, d.Area, 0)
			assert.GreaterOrEqual(t, d.Confidence, 0.5)
			assert.LessOrEqual(t, d.Confidence, 0.99)
			assert.Equal(t, Labels[d.ClassID], d.ClassName)
		}
	}
}

func TestSimulator_SeedIsDeterministic(t *testing.T) {
	file := writeTile(t, "a.tiff")
	a := NewSimulator(SimulatorOptions{Seed: 7}).Process(context.Background(), file).(model.InferenceSuccess)
	b := NewSimulator(SimulatorOptions{Seed: 7}).Process(context.Background(), file).(model.InferenceSuccess)
	assert.Equal(t, a.Detections, b.Detections)
}

func TestSimulator_MissingFile(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	res := sim.Process(context.Background(), filepath.Join(t.TempDir(), "missing.tif"))

	failure, ok := res.(model.InferenceFailure)
	require.True(t, ok)
	require.ErrorIs(t, failure, os.ErrNotExist)
}

func TestSimulator_Directory(t *testing.T) {
	res := NewSimulator(SimulatorOptions{}).Process(context.Background(), t.TempDir())
	_, ok := res.(model.InferenceFailure)
	assert.True(t, ok)
}

func TestSimulator_HonoursCancellation(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{MinDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := sim.Process(ctx, writeTile(t, "slow.tif"))
	failure, ok := res.(model.InferenceFailure)
	require.True(t, ok)
	require.ErrorIs(t, failure, context.Canceled)
}

func TestSimulator_DelayWithinBounds(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{MinDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Seed: 1})
	for range 100 {
		d := sim.delay()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}
}
