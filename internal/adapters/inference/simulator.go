// Package inference provides the detector used by the job orchestrator.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/target/geoinfer-api/internal/domain/model"
)

// Labels are the detector's classes, indexed by class id.
var Labels = []string{
	"palm_tree", "building", "road", "water", "vegetation",
	"vehicle", "person", "agriculture", "forest", "urban",
}

const (
	defaultModelVersion = "palm_v1.0_simulated"
	defaultCRS          = "EPSG:4326"
	defaultImageSize    = 512
	minBoxSide          = 20
	maxBoxSide          = 200
	maxDetections       = 10
)

// SimulatorOptions configures a Simulator. Zero values select the defaults.
type SimulatorOptions struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	Width        int
	Height       int
	ModelVersion string
	// Seed makes output deterministic when non-zero.
	Seed   uint64
	Logger *slog.Logger
	Now    func() time.Time
}

// Simulator stands in for the palm detection model. It checks that the input file is
// readable, waits a model-like latency, and returns random but well-formed detections.
type Simulator struct {
	minDelay, maxDelay time.Duration
	width, height      int
	modelVersion       string
	logger             *slog.Logger
	now                func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a Simulator.
func NewSimulator(opts SimulatorOptions) *Simulator {
	s := &Simulator{
		minDelay:     opts.MinDelay,
		maxDelay:     opts.MaxDelay,
		width:        opts.Width,
		height:       opts.Height,
		modelVersion: opts.ModelVersion,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if s.maxDelay < s.minDelay {
		s.maxDelay = s.minDelay
	}
	if s.width <= 0 {
		s.width = defaultImageSize
	}
	if s.height <= 0 {
		s.height = defaultImageSize
	}
	if s.modelVersion == "" {
		s.modelVersion = defaultModelVersion
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "inference")
	if s.now == nil {
		s.now = time.Now
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return s
}

// Process runs the simulated model over one file. Failures are returned as
// model.InferenceFailure rather than as an error.
func (s *Simulator) Process(ctx context.Context, file string) model.InferenceResult {
	if err := checkReadable(file); err != nil {
		return model.InferenceFailure{File: file, Err: err}
	}

	if err := sleep(ctx, s.delay()); err != nil {
		return model.InferenceFailure{File: file, Err: fmt.Errorf("inference interrupted: %w", err)}
	}

	detections := s.detections()
	s.logger.DebugContext(ctx, "inference complete", "file", file, "detections", len(detections))
	return model.InferenceSuccess{
		File:       file,
		Detections: detections,
		ImageInfo: model.ImageInfo{
			FileName:  filepath.Base(file),
			Width:     s.width,
			Height:    s.height,
			CRS:       defaultCRS,
			Transform: [6]float64{1, 0, 0, 0, 1, 0},
		},
		ModelVersion: s.modelVersion,
		BBoxFormat:   model.BBoxFormatXYXY,
		ProcessedAt:  s.now().UTC(),
	}
}

func checkReadable(file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}
	if info.IsDir() {
		return errors.New("input is a directory")
	}
	return nil
}

func (s *Simulator) delay() time.Duration {
	span := s.maxDelay - s.minDelay
	if span <= 0 {
		return s.minDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minDelay + time.Duration(s.rng.Int64N(int64(span)+1))
}

func (s *Simulator) detections() []model.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.rng.IntN(maxDetections) + 1
	maxW := max(minBoxSide, min(maxBoxSide, s.width/4))
	maxH := max(minBoxSide, min(maxBoxSide, s.height/4))

	out := make([]model.Detection, 0, n)
	for range n {
		classID := s.rng.IntN(len(Labels))
		w := minBoxSide + s.rng.IntN(maxW-minBoxSide+1)
		h := minBoxSide + s.rng.IntN(maxH-minBoxSide+1)
		x := s.rng.IntN(max(1, s.width-w+1))
		y := s.rng.IntN(max(1, s.height-h+1))
		out = append(out, model.Detection{
			BBox:       [4]float64{float64(x), float64(y), float64(x + w), float64(y + h)},
			Confidence: math.Round((0.5+s.rng.Float64()*0.49)*1000) / 1000,
			ClassID:    classID,
			ClassName:  Labels[classID],
			Area:       float64(w * h),
		})
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
