package bgremover_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/regorov/bgremover"
	"github.com/stretchr/testify/require"
)

// picture returns w x h image with white background and a red square in the middle.
func picture(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{0xFF, 0xFF, 0xFF, 0xFF}
			if x >= w/4 && x < w-w/4 && y >= h/4 && y < h-h/4 {
				c = color.NRGBA{0xFF, 0x00, 0x00, 0xFF}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func pngBytes(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// hugePNG returns a few bytes of PNG whose header declares w x h RGBA pixels,
// followed by a truncated IDAT chunk.
func hugePNG(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := func(typ string, data []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(data)))
		buf.Write(n[:])
		buf.WriteString(typ)
		buf.Write(data)
		binary.BigEndian.PutUint32(n[:], crc32.ChecksumIEEE(append([]byte(typ), data...)))
		buf.Write(n[:])
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8], ihdr[9] = 8, 6 // 8 bit depth, RGBA
	chunk("IHDR", ihdr)
	chunk("IDAT", []byte{0x78, 0x9c, 0x62, 0x00})
	return buf.Bytes()
}

func writeImages(t testing.TB, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		b, err := bgremover.Encode(picture(8, 8), bgremover.FormatFromName(n))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), b, 0o644))
	}
}

var identity = bgremover.EngineFunc(func(_ context.Context, img image.Image) (image.Image, error) {
	return img, nil
})

// recorder implements bgremover.Reporter and keeps everything it receives.
type recorder struct {
	mu        sync.Mutex
	events    []bgremover.ProgressEvent
	completed []int
	empty     int
}

func (r *recorder) OnEvent(ev bgremover.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnBatchComplete(succeeded, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, succeeded, failed)
}

func (r *recorder) OnEmptyBatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.empty++
}

func (r *recorder) count(p bgremover.Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Phase == p {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() []bgremover.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bgremover.ProgressEvent(nil), r.events...)
}

// memSink implements bgremover.Sink in memory.
type memSink struct {
	saved   []bgremover.ItemResult
	closed  bool
	aborted bool
	saveErr func(bgremover.ItemResult) error
}

func (ms *memSink) Save(res bgremover.ItemResult) error {
	if ms.saveErr != nil {
		if err := ms.saveErr(res); err != nil {
			return err
		}
	}
	ms.saved = append(ms.saved, res)
	return nil
}

func (ms *memSink) Close() error {
	ms.closed = true
	return nil
}

func (ms *memSink) Abort() error {
	ms.aborted = true
	return nil
}
