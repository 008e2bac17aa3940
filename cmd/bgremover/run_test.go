package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/regorov/bgremover"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var passThrough = bgremover.EngineFunc(func(_ context.Context, img image.Image) (image.Image, error) {
	return img, nil
})

// writeSquare writes a size x size PNG, whatever the extension of name is.
func writeSquare(t *testing.T, dir, name string, size int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+3] = 0xFF, 0xFF
	}
	img.SetNRGBA(0, 0, color.NRGBA{0, 0, 0xFF, 0xFF})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644))
}

func width(t *testing.T, fname string) int {
	t.Helper()
	b, err := os.ReadFile(fname)
	require.NoError(t, err)
	img, _, err := bgremover.Decode(b)
	require.NoError(t, err)
	return img.Bounds().Dx()
}

func newBatch(t *testing.T, e bgremover.Engine, cfg bgremover.Config) (*batch, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return &batch{
		log:    zerolog.Nop(),
		cfg:    cfg,
		engine: e,
		input:  t.TempDir(),
		output: filepath.Join(t.TempDir(), "out"),
		out:    &out,
	}, &out
}

func testConfig() bgremover.Config {
	cfg := bgremover.DefaultConfig()
	cfg.Workers = 2
	return cfg
}

func (b *batch) source() bgremover.Source {
	return bgremover.NewDirSource(b.log, b.input, b.cfg.Extensions)
}

func TestBatch_AllSucceeded(t *testing.T) {
	b, out := newBatch(t, passThrough, testConfig())
	writeSquare(t, b.input, "a.png", 8)
	writeSquare(t, b.input, "b.jpg", 6)

	assert.Equal(t, 0, b.run(context.Background(), b.source()))
	assert.Contains(t, out.String(), "Processed 2 images")
	assert.Contains(t, out.String(), "2 succeeded, 0 failed")
	assert.Equal(t, 8, width(t, filepath.Join(b.output, "a.png")))
	assert.Equal(t, 6, width(t, filepath.Join(b.output, "b.jpg")))
}

func TestBatch_FailureExitCode(t *testing.T) {
	b, out := newBatch(t, passThrough, testConfig())
	writeSquare(t, b.input, "a.png", 8)
	require.NoError(t, os.WriteFile(filepath.Join(b.input, "broken.png"), []byte("broken"), 0o644))

	assert.Equal(t, exitFailures, b.run(context.Background(), b.source()))
	assert.Contains(t, out.String(), "1 succeeded, 1 failed")
	assert.Contains(t, out.String(), "broken.png")
	assert.Contains(t, out.String(), bgremover.CauseDecode.String())

	_, err := os.Stat(filepath.Join(b.output, "broken.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestBatch_EmptyInput(t *testing.T) {
	b, out := newBatch(t, passThrough, testConfig())
	require.NoError(t, os.WriteFile(filepath.Join(b.input, "notes.txt"), []byte("x"), 0o644))

	assert.Equal(t, 0, b.run(context.Background(), b.source()))
	assert.Equal(t, "No image files found in "+b.input+"\n", out.String())
}

func TestBatch_Zip(t *testing.T) {
	b, out := newBatch(t, passThrough, testConfig())
	b.zip = filepath.Join(t.TempDir(), "result.zip")
	writeSquare(t, b.input, "a.png", 8)

	assert.Equal(t, 0, b.run(context.Background(), b.source()))
	assert.Contains(t, out.String(), b.zip)
	fi, err := os.Stat(b.zip)
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())

	// nothing to archive, nothing is left behind.
	b, _ = newBatch(t, passThrough, testConfig())
	b.zip = filepath.Join(t.TempDir(), "empty.zip")
	assert.Equal(t, 0, b.run(context.Background(), b.source()))
	_, err = os.Stat(b.zip)
	assert.True(t, os.IsNotExist(err))
}

func TestBatch_SuffixCollisionKeepsLastInput(t *testing.T) {
	// a.jpg and a.png both map to a_cut.png, a.png comes last in the source.
	slow := bgremover.EngineFunc(func(ctx context.Context, img image.Image) (image.Image, error) {
		if img.Bounds().Dx() == 8 {
			time.Sleep(50 * time.Millisecond)
		}
		return img, nil
	})

	cfg := testConfig()
	cfg.Suffix = "_cut"
	for i := 0; i < 3; i++ {
		b, _ := newBatch(t, slow, cfg)
		writeSquare(t, b.input, "a.jpg", 8)
		writeSquare(t, b.input, "a.png", 6)

		require.Equal(t, 0, b.run(context.Background(), b.source()))
		assert.Equal(t, 6, width(t, filepath.Join(b.output, "a_cut.png")))
	}
}

// flaky fails the first transformation of images with the given width.
func flaky(size int) (bgremover.Engine, *int32) {
	var calls int32
	return bgremover.EngineFunc(func(_ context.Context, img image.Image) (image.Image, error) {
		if img.Bounds().Dx() == size && atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("engine hiccup")
		}
		return img, nil
	}), &calls
}

func TestProcessWithRetries_MergesAttempts(t *testing.T) {
	e, calls := flaky(6)
	in, out := t.TempDir(), t.TempDir()
	writeSquare(t, in, "a.png", 8)
	writeSquare(t, in, "b.png", 6)

	p := bgremover.NewProcessor(zerolog.Nop(), e, bgremover.Options{Concurrency: 2})
	sink := bgremover.NewDirSink(out)
	require.NoError(t, sink.Open())

	sum, err := processWithRetries(context.Background(), zerolog.Nop(), p,
		bgremover.NewDirSource(zerolog.Nop(), in, nil), sink, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 0, sum.Failed)
	assert.Empty(t, sum.Failures)
	assert.True(t, sum.OK())
	assert.Equal(t, 6, width(t, filepath.Join(out, "b.png")))

	// without retries the failure is reported.
	e, _ = flaky(6)
	b, stdout := newBatch(t, e, testConfig())
	writeSquare(t, b.input, "b.png", 6)
	assert.Equal(t, exitFailures, b.run(context.Background(), b.source()))
	assert.Contains(t, stdout.String(), "engine hiccup")

	e, _ = flaky(6)
	cfg := testConfig()
	cfg.Retries = 2
	b, stdout = newBatch(t, e, cfg)
	writeSquare(t, b.input, "b.png", 6)
	assert.Equal(t, 0, b.run(context.Background(), b.source()))
	assert.Contains(t, stdout.String(), "1 succeeded, 0 failed")
}

func TestProcessWithRetries_VanishedItemsStayFailed(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeSquare(t, in, "a.png", 8)
	writeSquare(t, in, "b.png", 6)

	// b.png is removed while it fails, the retry finds nothing to do.
	e := bgremover.EngineFunc(func(_ context.Context, img image.Image) (image.Image, error) {
		if img.Bounds().Dx() == 6 {
			_ = os.Remove(filepath.Join(in, "b.png"))
			return nil, errors.New("engine hiccup")
		}
		return img, nil
	})

	p := bgremover.NewProcessor(zerolog.Nop(), e, bgremover.Options{Concurrency: 2})
	sink := bgremover.NewDirSink(out)
	require.NoError(t, sink.Open())

	sum, err := processWithRetries(context.Background(), zerolog.Nop(), p,
		bgremover.NewDirSource(zerolog.Nop(), in, nil), sink, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "b.png", sum.Failures[0].ItemName)
	assert.False(t, sum.OK())
}
