// Package imageprep downsizes oversized attachment images before they
// are embedded as base64 payloads in a chat request.
package imageprep

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"

	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/png"
)

// Budgets bounds the size of a normalized image payload.
type Budgets struct {
	TargetBytes  int // stop as soon as a candidate fits
	HardMaxBytes int // best-effort ceiling; the smallest candidate wins even above it
}

// Sweep order: larger dimensions at higher quality first, shrinking both
// until a candidate fits the target.
var (
	sweepMaxDims   = []int{1568, 1280, 1024, 800, 640, 512}
	sweepQualities = []int{78, 68, 58, 48, 38}
)

// Normalize re-encodes a data-URL image to fit the target budget.
// Images already under the target pass through unchanged. When no
// candidate fits, the smallest one found is returned rather than
// failing the send on size alone.
func Normalize(dataURL string, b Budgets) (string, error) {
	raw, err := DecodePayload(dataURL)
	if err != nil {
		return "", err
	}
	if len(raw) <= b.TargetBytes {
		return dataURL, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	var best []byte
	for _, maxDim := range sweepMaxDims {
		scaled := flattenAndScale(src, maxDim)
		for _, quality := range sweepQualities {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
				return "", fmt.Errorf("encode jpeg: %w", err)
			}
			candidate := buf.Bytes()
			if best == nil || len(candidate) < len(best) {
				best = candidate
			}
			if len(candidate) <= b.TargetBytes {
				return encodeDataURL(candidate), nil
			}
		}
	}
	return encodeDataURL(best), nil
}

// PayloadSize returns the decoded byte size of a data-URL payload, or 0
// when the input is not a data URL.
func PayloadSize(dataURL string) int {
	raw, err := DecodePayload(dataURL)
	if err != nil {
		return 0
	}
	return len(raw)
}

// DecodePayload extracts the raw bytes from a base64 data URL.
func DecodePayload(dataURL string) ([]byte, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return nil, fmt.Errorf("not a data URL")
	}
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return nil, fmt.Errorf("malformed data URL: no payload separator")
	}
	meta := dataURL[len("data:"):idx]
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("unsupported data URL encoding: %q", meta)
	}
	raw, err := base64.StdEncoding.DecodeString(dataURL[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("decode data URL payload: %w", err)
	}
	return raw, nil
}

// flattenAndScale renders src onto a white background, scaled so its
// longest side is at most maxDim. JPEG has no alpha channel, so
// transparency flattens to white rather than black.
func flattenAndScale(src image.Image, maxDim int) *image.RGBA {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	longest := w
	if h > longest {
		longest = h
	}
	if longest > maxDim {
		ratio := float64(maxDim) / float64(longest)
		w = int(float64(w) * ratio)
		h = int(float64(h) * ratio)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}

func encodeDataURL(jpg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpg)
}
