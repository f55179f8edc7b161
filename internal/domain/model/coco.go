//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

// COCODocument is the converted artifact written for a completed job.
type COCODocument struct {
	Info        COCOInfo         `json:"info"`
	Licenses    []COCOLicense    `json:"licenses"`
	Images      []COCOImage      `json:"images"`
	Annotations []COCOAnnotation `json:"annotations"`
	Categories  []COCOCategory   `json:"categories"`
}

// COCOInfo is the dataset header.
type COCOInfo struct {
	Year        int    `json:"year"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Contributor string `json:"contributor"`
	URL         string `json:"url"`
	DateCreated string `json:"date_created"`
}

// COCOLicense is a license entry referenced by images.
type COCOLicense struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// GeospatialInfo carries the raster georeference for an image.
type GeospatialInfo struct {
	CRS       string     `json:"crs"`
	Transform [6]float64 `json:"transform"`
}

// COCOImage is one processed raster.
type COCOImage struct {
	ID             int            `json:"id"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	FileName       string         `json:"file_name"`
	License        int            `json:"license"`
	FlickrURL      string         `json:"flickr_url"`
	COCOURL        string         `json:"coco_url"`
	DateCaptured   string         `json:"date_captured"`
	GeospatialInfo GeospatialInfo `json:"geospatial_info"`
}

// COCOAnnotation is one detection in xywh form.
type COCOAnnotation struct {
	ID                 int         `json:"id"`
	ImageID            int         `json:"image_id"`
	CategoryID         int         `json:"category_id"`
	Segmentation       [][]float64 `json:"segmentation"`
	Area               float64     `json:"area"`
	BBox               [4]float64  `json:"bbox"`
	IsCrowd            int         `json:"iscrowd"`
	Confidence         float64     `json:"confidence"`
	BBoxFormatOriginal string      `json:"bbox_format_original"`
}

// COCOCategory is a detection class.
type COCOCategory struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory"`
}
