package bgremover_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/regorov/bgremover"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alphaAt(img image.Image, x, y int) uint8 {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA).A
}

func TestKeyEngine_RemovesBorderColor(t *testing.T) {
	out, err := bgremover.NewKeyEngine(zerolog.Nop(), -1).Transform(context.Background(), picture(20, 20))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 20, 20), out.Bounds())

	assert.Equal(t, uint8(0), alphaAt(out, 0, 0), "corner must be transparent")
	assert.Equal(t, uint8(0), alphaAt(out, 19, 4), "border must be transparent")
	assert.Equal(t, uint8(0), alphaAt(out, 2, 10), "background must be transparent")
	assert.Equal(t, uint8(0xFF), alphaAt(out, 10, 10), "subject must stay opaque")
	assert.Equal(t, uint8(0xFF), alphaAt(out, 5, 5), "subject edge must stay opaque")
}

func TestKeyEngine_KeepsEnclosedBackgroundColor(t *testing.T) {
	img := picture(20, 20)
	// white hole inside the red square is not connected to the border.
	img.SetNRGBA(10, 10, color.NRGBA{0xFF, 0xFF, 0xFF, 0xFF})

	out, err := bgremover.NewKeyEngine(zerolog.Nop(), -1).Transform(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xFF), alphaAt(out, 10, 10))
}

func TestKeyEngine_Tolerance(t *testing.T) {
	img := picture(20, 20)
	// slightly off-white background pixel next to the border.
	img.SetNRGBA(1, 1, color.NRGBA{0xF0, 0xF0, 0xF0, 0xFF})

	out, err := bgremover.NewKeyEngine(zerolog.Nop(), 0).Transform(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xFF), alphaAt(out, 1, 1))

	out, err = bgremover.NewKeyEngine(zerolog.Nop(), 0x20).Transform(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), alphaAt(out, 1, 1))
}

func TestKeyEngine_OffsetBounds(t *testing.T) {
	sub := picture(20, 20).SubImage(image.Rect(2, 2, 18, 18))

	out, err := bgremover.NewKeyEngine(zerolog.Nop(), -1).Transform(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, 16, out.Bounds().Dx())
	assert.Equal(t, 16, out.Bounds().Dy())
}

func TestKeyEngine_SinglePixel(t *testing.T) {
	out, err := bgremover.NewKeyEngine(zerolog.Nop(), -1).Transform(context.Background(), picture(1, 1))
	require.NoError(t, err)
	assert.Equal(t, uint8(0), alphaAt(out, 0, 0))
}

func TestKeyEngine_Empty(t *testing.T) {
	_, err := bgremover.NewKeyEngine(zerolog.Nop(), -1).Transform(context.Background(), image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	assert.Error(t, err)
}

func TestKeyEngine_LogsKeyColor(t *testing.T) {
	var buf bytes.Buffer
	ke := bgremover.NewKeyEngine(zerolog.New(&buf).Level(zerolog.DebugLevel), 7)

	_, err := ke.Transform(context.Background(), picture(8, 8))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"component":"key-engine"`)
	assert.Contains(t, buf.String(), `"key":"#ffffff"`)
	assert.Contains(t, buf.String(), `"tolerance":7`)
}
