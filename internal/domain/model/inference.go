//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import "time"

// BBoxFormatXYXY is the corner-pair layout emitted by the detector.
const BBoxFormatXYXY = "xyxy"

// Detection is one labelled box produced by the model.
type Detection struct {
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Area       float64    `json:"area"`
}

// ImageInfo describes the raster a detection set belongs to.
type ImageInfo struct {
	FileName  string     `json:"file_name"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	CRS       string     `json:"crs"`
	Transform [6]float64 `json:"transform"`
}

// InferenceSuccess is the outcome of a file the model processed.
type InferenceSuccess struct {
	File         string      `json:"file"`
	Detections   []Detection `json:"detections"`
	ImageInfo    ImageInfo   `json:"image_info"`
	ModelVersion string      `json:"model_version"`
	BBoxFormat   string      `json:"bbox_format"`
	ProcessedAt  time.Time   `json:"processing_time"`
}

// InferenceFailure is the outcome of a file the model could not process.
type InferenceFailure struct {
	File string `json:"file"`
	Err  error  `json:"-"`
}

// Error implements error.
func (f InferenceFailure) Error() string {
	if f.Err == nil {
		return "inference failed"
	}
	return f.Err.Error()
}

// Unwrap returns the underlying cause.
func (f InferenceFailure) Unwrap() error { return f.Err }

// InferenceResult is either an InferenceSuccess or an InferenceFailure.
// Consumers switch on the concrete type; the interface is sealed to this package.
type InferenceResult interface {
	inferenceResult()
}

func (InferenceSuccess) inferenceResult() {}
func (InferenceFailure) inferenceResult() {}

// SplitResults partitions results, keeping only successes for conversion.
func SplitResults(results []InferenceResult) ([]InferenceSuccess, []InferenceFailure) {
	var ok []InferenceSuccess
	var failed []InferenceFailure
	for _, r := range results {
		switch v := r.(type) {
		case InferenceSuccess:
			ok = append(ok, v)
		case *InferenceSuccess:
			if v != nil {
				ok = append(ok, *v)
			}
		case InferenceFailure:
			failed = append(failed, v)
		case *InferenceFailure:
			if v != nil {
				failed = append(failed, *v)
			}
		}
	}
	return ok, failed
}
