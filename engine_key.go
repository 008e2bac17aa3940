package bgremover

import (
	"context"
	"errors"
	"image"
	"image/draw"

	"github.com/rs/zerolog"
)

// DefaultTolerance is the default maximum per-channel distance from the key
// color for a pixel to be treated as background.
const DefaultTolerance = 24

// KeyEngine removes a flat background. The key color is the most prevalent
// color on the image border; every pixel connected to the border and within
// Tolerance of the key color becomes transparent.
type KeyEngine struct {
	Tolerance int

	log zerolog.Logger
}

// NewKeyEngine returns KeyEngine instance. If tolerance < 0, DefaultTolerance
// is used.
func NewKeyEngine(l zerolog.Logger, tolerance int) *KeyEngine {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &KeyEngine{
		Tolerance: tolerance,
		log:       l.With().Str("component", "key-engine").Logger(),
	}
}

// Transform implements interface Engine.
func (ke *KeyEngine) Transform(ctx context.Context, src image.Image) (image.Image, error) {

	bou := src.Bounds()
	if bou.Empty() {
		return nil, errors.New("image has no pixels")
	}

	img := image.NewNRGBA(image.Rect(0, 0, bou.Dx(), bou.Dy()))
	draw.Draw(img, img.Bounds(), src, bou.Min, draw.Src)

	key := borderKey(img)
	w, h := img.Rect.Dx(), img.Rect.Dy()
	ke.log.Debug().Str("key", key.String()).Int("tolerance", ke.Tolerance).Int("width", w).Int("height", h).Msg("key color")

	// visited marks pixels already queued, queue holds pixel offsets (y*w+x).
	visited := make([]bool, w*h)
	queue := make([]int, 0, 2*(w+h))

	push := func(x, y int) {
		p := y*w + x
		if visited[p] {
			return
		}
		visited[p] = true
		if ke.pixel(img, p).Distance(key) <= ke.Tolerance {
			queue = append(queue, p)
		}
	}

	for x := 0; x < w; x++ {
		push(x, 0)
		push(x, h-1)
	}
	for y := 0; y < h; y++ {
		push(0, y)
		push(w-1, y)
	}

	for n := 0; len(queue) > 0; n++ {
		// large images take a while, give cancellation a chance.
		if n%65536 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		img.Pix[p*4+3] = 0

		x, y := p%w, p/w
		if x > 0 {
			push(x-1, y)
		}
		if x < w-1 {
			push(x+1, y)
		}
		if y > 0 {
			push(x, y-1)
		}
		if y < h-1 {
			push(x, y+1)
		}
	}

	return img, nil
}

func (ke *KeyEngine) pixel(img *image.NRGBA, p int) RGB {
	i := p * 4
	return ToRGB(uint32(img.Pix[i]), uint32(img.Pix[i+1]), uint32(img.Pix[i+2]))
}

// borderKey counts colors walking through the border pixels and returns the
// most prevalent one.
func borderKey(img *image.NRGBA) RGB {

	w, h := img.Rect.Dx(), img.Rect.Dy()

	var (
		// stored as RGB(uint32) instead of [3]byte, because
		// map uses special fast hash algo for uint32.
		color = make(map[RGB]uint32, 2*(w+h))
	)

	count := func(x, y int) {
		i := img.PixOffset(x, y)
		color[ToRGB(uint32(img.Pix[i]), uint32(img.Pix[i+1]), uint32(img.Pix[i+2]))]++
	}

	for x := 0; x < w; x++ {
		count(x, 0)
		if h > 1 {
			count(x, h-1)
		}
	}
	for y := 1; y < h-1; y++ {
		count(0, y)
		if w > 1 {
			count(w-1, y)
		}
	}

	var (
		max    RGB
		maxCnt uint32
	)
	for c, cnt := range color {
		// ties are broken by the color value to keep the result stable.
		if cnt > maxCnt || (cnt == maxCnt && c < max) {
			max, maxCnt = c, cnt
		}
	}
	return max
}
