package imaging

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
)

// ExifExtractor pulls the selected EXIF fields out of a source image.
type ExifExtractor struct{}

// NewExifExtractor returns an ExifExtractor.
func NewExifExtractor() *ExifExtractor { return &ExifExtractor{} }

// Extract returns the metadata map persisted on the job. Images without
// EXIF data yield an empty map, not an error.
func (e *ExifExtractor) Extract(_ context.Context, src []byte) (map[string]any, error) {
	x, err := exif.Decode(bytes.NewReader(src))
	if err != nil {
		// PNG/WebP sources routinely carry no EXIF segment.
		return map[string]any{}, nil
	}

	md := map[string]any{}

	if v := stringField(x, exif.Make); v != "" {
		md["camera_make"] = v
	}
	if v := stringField(x, exif.Model); v != "" {
		md["camera_model"] = v
	}
	if v := stringField(x, exif.LensModel); v != "" {
		md["lens_model"] = v
	}
	if v := stringField(x, exif.DateTimeOriginal); v != "" {
		md["captured_at"] = v
	}

	if num, den, ok := ratField(x, exif.ExposureTime); ok && den != 0 {
		md["exposure_time"] = fmt.Sprintf("%d/%ds", num, den)
	}
	if num, den, ok := ratField(x, exif.FNumber); ok && den != 0 {
		md["aperture"] = fmt.Sprintf("f/%.4g", float64(num)/float64(den))
	}
	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if iso, err := tag.Int(0); err == nil {
			md["iso"] = iso
		}
	}

	if lat, lon, err := x.LatLong(); err == nil && !math.IsNaN(lat) && !math.IsNaN(lon) {
		md["gps"] = map[string]any{
			"latitude":  round6(lat),
			"longitude": round6(lon),
		}
	}

	return md, nil
}

func stringField(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	v, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func ratField(x *exif.Exif, name exif.FieldName) (int64, int64, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, 0, false
	}
	num, den, err := tag.Rat2(0)
	if err != nil {
		return 0, 0, false
	}
	return num, den, true
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
