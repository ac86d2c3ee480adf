package imageprep

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noisyPNG builds a PNG data URL full of random pixels so it compresses badly.
func noisyPNG(t *testing.T, w, h int) string {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestNormalizePassThroughUnderTarget(t *testing.T) {
	small := noisyPNG(t, 8, 8)
	out, err := Normalize(small, Budgets{TargetBytes: 1 << 20, HardMaxBytes: 2 << 20})
	require.NoError(t, err)
	assert.Equal(t, small, out, "images under the target budget must pass through unchanged")
}

func TestNormalizeShrinksOversizedImage(t *testing.T) {
	big := noisyPNG(t, 600, 600)
	target := 40 << 10
	out, err := Normalize(big, Budgets{TargetBytes: target, HardMaxBytes: 80 << 10})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "data:image/jpeg;base64,"))
	assert.LessOrEqual(t, PayloadSize(out), target)
	assert.Less(t, PayloadSize(out), PayloadSize(big))
}

func TestNormalizeReturnsSmallestWhenNothingFits(t *testing.T) {
	big := noisyPNG(t, 400, 400)
	out, err := Normalize(big, Budgets{TargetBytes: 1, HardMaxBytes: 2})
	require.NoError(t, err, "size alone must never fail a normalize")
	assert.Greater(t, PayloadSize(out), 2, "impossible budget still yields the smallest candidate")
	assert.Less(t, PayloadSize(out), PayloadSize(big))
}

func TestNormalizeDeterministic(t *testing.T) {
	big := noisyPNG(t, 300, 200)
	budgets := Budgets{TargetBytes: 20 << 10, HardMaxBytes: 40 << 10}
	first, err := Normalize(big, budgets)
	require.NoError(t, err)
	second, err := Normalize(big, budgets)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodePayloadRejectsMalformedInput(t *testing.T) {
	for _, in := range []string{"", "http://example.com/x.png", "data:image/png,notbase64", "data:image/png;base64"} {
		_, err := DecodePayload(in)
		assert.Error(t, err, "input %q", in)
	}
}
