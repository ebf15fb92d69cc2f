// Package imgproc holds the image plumbing for the upload pipeline: input
// sniffing, JPEG normalization, dimension extraction and the best-effort
// downscale applied before face indexing.
package imgproc

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// Format is a sniffed input image format.
type Format string

const (
	FormatJPEG Format = "image/jpeg"
	FormatPNG  Format = "image/png"
	FormatGIF  Format = "image/gif"
	FormatWebP Format = "image/webp"
)

// Sniff inspects the leading bytes of data and returns the accepted format.
// Exactly four formats are accepted; anything else returns ok=false. WebP
// requires both 'RIFF' at offset 0 and 'WEBP' at offset 8.
func Sniff(data []byte) (Format, bool) {
	switch {
	case len(data) >= 3 &&
		data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG, true
	case len(data) >= 8 &&
		bytes.Equal(data[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return FormatPNG, true
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return FormatGIF, true
	case len(data) >= 12 &&
		bytes.Equal(data[:4], []byte("RIFF")) &&
		bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebP, true
	}
	return "", false
}

// Normalize decodes data, scales it down so neither dimension exceeds
// maxDim (never upscaling, aspect preserved) and re-encodes as JPEG at the
// given quality. Returns the encoded bytes and the final dimensions.
func Normalize(data []byte, maxDim, quality int) ([]byte, int, int, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxDim || bounds.Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, 0, 0, fmt.Errorf("encode: %w", err)
	}

	out := img.Bounds()
	return buf.Bytes(), out.Dx(), out.Dy(), nil
}

// DownscaleForIndex re-encodes data to at most maxDim on a side at the given
// JPEG quality. Used when an image is too large for the face provider; the
// caller falls back to the original bytes if this fails.
func DownscaleForIndex(data []byte, maxDim, quality int) ([]byte, error) {
	out, _, _, err := Normalize(data, maxDim, quality)
	return out, err
}
