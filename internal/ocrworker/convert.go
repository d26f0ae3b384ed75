package ocrworker

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder for image.Decode
	"image/png"

	"golang.org/x/image/draw"
)

// ImageConverter normalizes an arbitrary raw page image into the canonical
// form the rest of the pipeline stores and OCRs.
type ImageConverter interface {
	Convert(raw []byte) ([]byte, error)
}

// MaxCanonicalDimension bounds the canonical image's longer side; larger
// scans are downsampled to keep OCR and storage costs predictable.
const MaxCanonicalDimension = 2480 // ~300 DPI on an A4 page's long edge

// PNGNormalizer decodes a raw page image (PNG or JPEG) and re-encodes it as
// a PNG at a bounded resolution and a fixed color model, so every page
// stored under pages/{page_num:03d}.png is byte-layout-comparable
// regardless of the scanner that produced the original.
type PNGNormalizer struct {
	MaxDimension int
}

// NewPNGNormalizer returns a PNGNormalizer using MaxCanonicalDimension.
func NewPNGNormalizer() *PNGNormalizer {
	return &PNGNormalizer{MaxDimension: MaxCanonicalDimension}
}

func (n *PNGNormalizer) Convert(raw []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image (tried png/jpeg): %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	maxDim := n.MaxDimension
	if maxDim <= 0 {
		maxDim = MaxCanonicalDimension
	}
	if w > maxDim || h > maxDim {
		scale := float64(maxDim) / float64(w)
		if h > w {
			scale = float64(maxDim) / float64(h)
		}
		nw, nh := int(float64(w)*scale), int(float64(h)*scale)
		if nw < 1 {
			nw = 1
		}
		if nh < 1 {
			nh = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	} else if _, ok := src.(*image.RGBA); !ok {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
		src = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		return nil, fmt.Errorf("encode canonical png: %w", err)
	}
	return buf.Bytes(), nil
}

var _ ImageConverter = (*PNGNormalizer)(nil)
