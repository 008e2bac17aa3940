package bgremover_test

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/regorov/bgremover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okResult(name string, data string) bgremover.ItemResult {
	return bgremover.ItemResult{Name: name, Source: name, Format: bgremover.FormatPNG, Data: []byte(data)}
}

func failedResult(name string) bgremover.ItemResult {
	return bgremover.ItemResult{Name: name, Source: name,
		Err: bgremover.NewItemError(name, bgremover.CauseDecode, errors.New("bad"))}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDirSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	sink := bgremover.NewDirSink(dir)

	err := sink.Save(okResult("x.png", "x"))
	assert.ErrorIs(t, err, bgremover.ErrSinkClosed)

	require.NoError(t, sink.Open())
	assert.Equal(t, dir, sink.Dir())

	require.NoError(t, sink.Save(okResult("x.png", "first")))
	require.NoError(t, sink.Save(okResult("x.png", "second")))
	require.NoError(t, sink.Save(failedResult("y.png")))
	require.NoError(t, sink.Save(okResult("../escape.png", "z")))
	require.NoError(t, sink.Close())

	assert.Equal(t, []string{"escape.png", "x.png"}, listDir(t, dir))
	b, err := os.ReadFile(filepath.Join(dir, "x.png"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))

	assert.ErrorIs(t, sink.Save(okResult("z.png", "z")), bgremover.ErrSinkClosed)
}

func TestDirSink_WriteFailureIsItemError(t *testing.T) {
	dir := t.TempDir()
	sink := bgremover.NewDirSink(dir)
	require.NoError(t, sink.Open())

	// a directory in place of the target file can not be replaced.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "busy.png"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "busy.png", "keep"), nil, 0o644))

	err := sink.Save(okResult("busy.png", "data"))
	var ie *bgremover.ItemError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, bgremover.CauseIO, ie.Cause)
	assert.Equal(t, "busy.png", ie.ItemName)

	// no temporary leftovers.
	assert.Equal(t, []string{"busy.png"}, listDir(t, dir))
}

// readZip returns entry contents by name and the entry names in order.
func readZip(t *testing.T, b []byte) (map[string]string, []string) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	files := map[string]string{}
	var order []string
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = string(data)
		order = append(order, f.Name)
	}
	return files, order
}

func TestArchiveSink(t *testing.T) {
	var buf bytes.Buffer
	sink := bgremover.NewArchiveSink(&buf)

	require.NoError(t, sink.Save(okResult("b_no_bg.png", "bbb")))
	require.NoError(t, sink.Save(failedResult("broken.png")))
	require.NoError(t, sink.Save(okResult("a_no_bg.png", "aaa")))
	assert.Equal(t, 2, sink.Entries())
	require.NoError(t, sink.Close())

	files, order := readZip(t, buf.Bytes())
	assert.Equal(t, map[string]string{"b_no_bg.png": "bbb", "a_no_bg.png": "aaa"}, files)
	assert.Equal(t, []string{"b_no_bg.png", "a_no_bg.png"}, order)

	assert.Error(t, sink.Save(okResult("c.png", "c")))
}

func TestArchiveSink_Deterministic(t *testing.T) {
	build := func() []byte {
		var buf bytes.Buffer
		sink := bgremover.NewArchiveSink(&buf)
		require.NoError(t, sink.Save(okResult("a.png", "aaa")))
		require.NoError(t, sink.Close())
		return buf.Bytes()
	}
	assert.Equal(t, build(), build())
}

func TestArchiveSink_AbortWritesNoTrailer(t *testing.T) {
	var buf bytes.Buffer
	sink := bgremover.NewArchiveSink(&buf)
	require.NoError(t, sink.Save(okResult("a.png", "aaa")))
	require.NoError(t, sink.Abort())

	_, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	assert.Error(t, err)
	assert.Error(t, sink.Save(okResult("b.png", "b")))
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestArchiveSink_BrokenStream(t *testing.T) {
	sink := bgremover.NewArchiveSink(brokenWriter{})

	data := make([]byte, 1<<20)
	rand.New(rand.NewSource(1)).Read(data)
	res := okResult("big.png", "")
	res.Data = data

	err := sink.Save(res)
	require.Error(t, err)

	// the failure is sticky and never an item error.
	err2 := sink.Save(okResult("small.png", "s"))
	assert.Equal(t, err, err2)
	var ie *bgremover.ItemError
	assert.False(t, errors.As(err2, &ie))
}

func TestFileArchive(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "out", bgremover.DefaultArchiveName)

	fa, err := bgremover.NewFileArchive(fname)
	require.NoError(t, err)
	require.NoError(t, fa.Save(okResult("a.png", "aaa")))

	// nothing visible until Close.
	_, err = os.Stat(fname)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, fa.Close())
	b, err := os.ReadFile(fname)
	require.NoError(t, err)
	files, _ := readZip(t, b)
	assert.Equal(t, "aaa", files["a.png"])
	assert.Equal(t, []string{bgremover.DefaultArchiveName}, listDir(t, filepath.Join(dir, "out")))
}

func TestFileArchive_Abort(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "batch.zip")

	fa, err := bgremover.NewFileArchive(fname)
	require.NoError(t, err)
	require.NoError(t, fa.Save(okResult("a.png", "aaa")))
	require.NoError(t, fa.Abort())

	assert.Empty(t, listDir(t, dir))
}
