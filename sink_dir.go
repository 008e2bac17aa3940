package bgremover

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// ErrSinkClosed is returned by Save after Close.
var ErrSinkClosed = errors.New("output is closed")

// DirSink implements Sink interface. Writes every successful result to
// <dir>/<name>. An existing file with the same name is replaced.
type DirSink struct {
	mux  sync.Mutex
	dir  string
	open bool
}

// NewDirSink returns new DirSink instance writing into dir.
func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir}
}

// Open creates the output directory, including intermediate directories.
func (out *DirSink) Open() error {
	out.mux.Lock()
	defer out.mux.Unlock()

	if err := os.MkdirAll(out.dir, 0o755); err != nil {
		return err
	}
	out.open = true
	return nil
}

// Dir returns the output directory.
func (out *DirSink) Dir() string {
	return out.dir
}

// Save writes successful result to the file. Failures are ignored. A write
// error affects only res and is returned as *ItemError.
func (out *DirSink) Save(res ItemResult) error {

	out.mux.Lock()
	defer out.mux.Unlock()

	if !out.open {
		return ErrSinkClosed
	}
	if !res.OK() {
		return nil
	}

	// result name comes from the input listing, never walk out of dir.
	fname := filepath.Join(out.dir, filepath.Base(res.Name))
	if err := writeFile(fname, res.Data); err != nil {
		return NewItemError(res.Source, CauseIO, err)
	}
	return nil
}

// writeFile writes data to a temporary file next to fname and renames it,
// so readers never observe a half written image.
func writeFile(fname string, data []byte) error {

	tmp, err := os.CreateTemp(filepath.Dir(fname), "."+filepath.Base(fname)+".*")
	if err != nil {
		return err
	}

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), fname)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
	}
	return err
}

// Close implements Sink. Files are already in place.
func (out *DirSink) Close() error {
	out.mux.Lock()
	defer out.mux.Unlock()
	out.open = false
	return nil
}

// Abort implements Sink. Files written before the abort are kept.
func (out *DirSink) Abort() error {
	return out.Close()
}
