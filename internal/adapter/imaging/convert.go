// Package imaging implements the image-processing primitives the workers
// invoke: format conversion, resizing, and EXIF extraction. The
// orchestration engine depends only on the domain ports this package
// satisfies.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // registers webp with image.Decode

	"github.com/pixtools/pixtools/internal/domain"
)

const (
	defaultJPEGQuality = 85
	defaultWebPQuality = 80
)

// Converter re-encodes images between the supported formats.
type Converter struct{}

// NewConverter returns a Converter.
func NewConverter() *Converter { return &Converter{} }

// Convert decodes src, applies the resize parameters, and encodes into
// the operation's target format. Returns encoded bytes and content type.
func (c *Converter) Convert(_ context.Context, src []byte, op domain.OperationTag, params domain.OperationParams) ([]byte, string, error) {
	img, err := decode(src)
	if err != nil {
		return nil, "", fmt.Errorf("op=imaging.decode: %w", err)
	}
	img = Resize(img, params.Resize)

	var buf bytes.Buffer
	var contentType string
	switch op {
	case domain.OpJPG:
		quality := params.Quality
		if quality == 0 {
			quality = defaultJPEGQuality
		}
		// JPEG has no alpha channel; flatten first.
		err = jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality})
		contentType = "image/jpeg"
	case domain.OpPNG:
		err = (&png.Encoder{CompressionLevel: png.BestCompression}).Encode(&buf, img)
		contentType = "image/png"
	case domain.OpWebP:
		quality := params.Quality
		if quality == 0 {
			quality = defaultWebPQuality
		}
		err = webp.Encode(&buf, img, webp.Options{Quality: quality})
		contentType = "image/webp"
	case domain.OpAVIF:
		err = avif.Encode(&buf, img, avif.Options{Quality: 60, Speed: 8})
		contentType = "image/avif"
	default:
		return nil, "", fmt.Errorf("op=imaging.convert: %w: %q", domain.ErrInvalidArgument, op)
	}
	if err != nil {
		return nil, "", fmt.Errorf("op=imaging.encode: %w", err)
	}
	return buf.Bytes(), contentType, nil
}

// decode sniffs and decodes jpeg/png/webp via image.Decode and falls back
// to the avif codec, which is not registered with the image package.
func decode(src []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err == nil {
		return img, nil
	}
	if avifImg, avifErr := avif.Decode(bytes.NewReader(src)); avifErr == nil {
		return avifImg, nil
	}
	return nil, err
}

// Resize scales img: both dimensions honored verbatim, a single
// dimension preserves aspect ratio, nil spec is a no-op.
func Resize(img image.Image, spec *domain.ResizeSpec) image.Image {
	if spec == nil || (spec.Width <= 0 && spec.Height <= 0) {
		return img
	}
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW == 0 || srcH == 0 {
		return img
	}
	w, h := spec.Width, spec.Height
	switch {
	case w <= 0:
		w = srcW * h / srcH
	case h <= 0:
		h = srcH * w / srcW
	}
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// flatten draws img onto an opaque white background for alpha-less targets.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	xdraw.Draw(dst, b, image.White, image.Point{}, xdraw.Src)
	xdraw.Draw(dst, b, img, b.Min, xdraw.Over)
	return dst
}
