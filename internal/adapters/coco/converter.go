// Package coco converts detector output into COCO-format documents.
package coco

import (
	"errors"
	"fmt"
	"time"

	"github.com/target/geoinfer-api/internal/domain/model"
)

// Categories mirrors the detector's class ids.
var Categories = []model.COCOCategory{
	{ID: 0, Name: "palm_tree", Supercategory: "vegetation"},
	{ID: 1, Name: "building", Supercategory: "structure"},
	{ID: 2, Name: "road", Supercategory: "infrastructure"},
	{ID: 3, Name: "water", Supercategory: "natural"},
	{ID: 4, Name: "vegetation", Supercategory: "natural"},
	{ID: 5, Name: "vehicle", Supercategory: "transport"},
	{ID: 6, Name: "person", Supercategory: "living"},
	{ID: 7, Name: "agriculture", Supercategory: "land_use"},
	{ID: 8, Name: "forest", Supercategory: "vegetation"},
	{ID: 9, Name: "urban", Supercategory: "land_use"},
}

const licenseID = 1

// Converter builds COCO documents. It holds no state besides the clock.
type Converter struct {
	Now func() time.Time
}

// NewConverter returns a Converter using the wall clock.
func NewConverter() *Converter {
	return &Converter{Now: time.Now}
}

// Convert turns successful inference results into a COCO document. Image ids follow
// result order starting at 0; annotation ids start at 1.
func (c *Converter) Convert(results []model.InferenceSuccess) (*model.COCODocument, error) {
	now := time.Now
	if c != nil && c.Now != nil {
		now = c.Now
	}
	created := now().UTC()

	doc := &model.COCODocument{
		Info: model.COCOInfo{
			Year:        created.Year(),
			Version:     "1.0",
			Description: "Palm Model Geospatial Inference Results",
			Contributor: "MLOps Pipeline",
			DateCreated: created.Format(time.RFC3339Nano),
		},
		Licenses: []model.COCOLicense{{
			ID:   licenseID,
			Name: "Attribution-NonCommercial-ShareAlike License",
			URL:  "http://creativecommons.org/licenses/by-nc-sa/2.0/",
		}},
		Images:      make([]model.COCOImage, 0, len(results)),
		Annotations: []model.COCOAnnotation{},
		Categories:  append([]model.COCOCategory(nil), Categories...),
	}

	annotationID := 1
	for _, r := range results {
		imageID := len(doc.Images)
		captured := r.ProcessedAt
		if captured.IsZero() {
			captured = created
		}
		doc.Images = append(doc.Images, model.COCOImage{
			ID:           imageID,
			Width:        r.ImageInfo.Width,
			Height:       r.ImageInfo.Height,
			FileName:     fileName(r),
			License:      licenseID,
			DateCaptured: captured.UTC().Format(time.RFC3339Nano),
			GeospatialInfo: model.GeospatialInfo{
				CRS:       r.ImageInfo.CRS,
				Transform: r.ImageInfo.Transform,
			},
		})

		for i, d := range r.Detections {
			ann, err := annotation(d, annotationID, imageID, r.BBoxFormat)
			if err != nil {
				return nil, fmt.Errorf("%s detection %d: %w", fileName(r), i, err)
			}
			doc.Annotations = append(doc.Annotations, ann)
			annotationID++
		}
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fileName(r model.InferenceSuccess) string {
	if r.ImageInfo.FileName != "" {
		return r.ImageInfo.FileName
	}
	return "unknown.tif"
}

func annotation(d model.Detection, id, imageID int, format string) (model.COCOAnnotation, error) {
	if format == "" {
		format = model.BBoxFormatXYXY
	}
	if format != model.BBoxFormatXYXY {
		return model.COCOAnnotation{}, fmt.Errorf("unsupported bbox format %q", format)
	}
	x, y, xMax, yMax := d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]
	w, h := xMax-x, yMax-y
	if w < 0 || h < 0 {
		return model.COCOAnnotation{}, fmt.Errorf("inverted bbox %v", d.BBox)
	}
	area := d.Area
	if area == 0 {
		area = w * h
	}
	return model.COCOAnnotation{
		ID:                 id,
		ImageID:            imageID,
		CategoryID:         d.ClassID,
		Segmentation:       [][]float64{},
		Area:               area,
		BBox:               [4]float64{x, y, w, h},
		IsCrowd:            0,
		Confidence:         d.Confidence,
		BBoxFormatOriginal: format,
	}, nil
}

// Validation errors.
var (
	ErrNilDocument          = errors.New("coco document is nil")
	ErrMissingSection       = errors.New("coco document is missing a required section")
	ErrNoCategories         = errors.New("coco document has no categories")
	ErrDanglingAnnotation   = errors.New("annotation references unknown image")
	ErrUnknownCategory      = errors.New("annotation references unknown category")
	ErrDuplicateAnnotations = errors.New("duplicate annotation id")
)

// Validate checks structural integrity. A document without images is valid so that
// jobs with no successful files can still complete.
func Validate(doc *model.COCODocument) error {
	if doc == nil {
		return ErrNilDocument
	}
	if doc.Licenses == nil || doc.Images == nil || doc.Annotations == nil || doc.Categories == nil {
		return ErrMissingSection
	}
	if len(doc.Categories) == 0 {
		return ErrNoCategories
	}

	images := make(map[int]struct{}, len(doc.Images))
	for _, img := range doc.Images {
		images[img.ID] = struct{}{}
	}
	categories := make(map[int]struct{}, len(doc.Categories))
	for _, c := range doc.Categories {
		categories[c.ID] = struct{}{}
	}
	seen := make(map[int]struct{}, len(doc.Annotations))
	for _, a := range doc.Annotations {
		if _, ok := images[a.ImageID]; !ok {
			return fmt.Errorf("%w: annotation %d image %d", ErrDanglingAnnotation, a.ID, a.ImageID)
		}
		if _, ok := categories[a.CategoryID]; !ok {
			return fmt.Errorf("%w: annotation %d category %d", ErrUnknownCategory, a.ID, a.CategoryID)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateAnnotations, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}
