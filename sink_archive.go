package bgremover

import (
	"archive/zip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"
)

// DefaultArchiveName is the file name suggested for downloaded archives.
const DefaultArchiveName = "processed_images.zip"

// ArchiveSink implements Sink interface. Packs successful results into a zip
// stream, one Deflate entry per result, in the order they are saved. The zip
// trailer is written by Close only; after Abort the stream holds no valid
// archive.
type ArchiveSink struct {
	w       io.Writer
	zw      *zip.Writer
	entries int
	broken  error
}

// NewArchiveSink returns ArchiveSink writing to w.
func NewArchiveSink(w io.Writer) *ArchiveSink {
	return &ArchiveSink{w: w, zw: zip.NewWriter(w)}
}

// Entries returns amount of entries written.
func (as *ArchiveSink) Entries() int {
	return as.entries
}

// Save adds successful result as entry named res.Name. Any error is fatal,
// because the stream can not be repaired.
func (as *ArchiveSink) Save(res ItemResult) error {

	if as.broken != nil {
		return as.broken
	}
	if !res.OK() {
		return nil
	}

	hdr := &zip.FileHeader{Name: res.Name, Method: zip.Deflate}
	// fixed timestamp, so the same batch gives the same archive.
	hdr.Modified = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

	f, err := as.zw.CreateHeader(hdr)
	if err == nil {
		_, err = f.Write(res.Data)
	}
	if err != nil {
		as.broken = err
		return err
	}
	as.entries++
	return nil
}

// Close writes the central directory and flushes the stream.
func (as *ArchiveSink) Close() error {
	if as.broken != nil {
		return as.broken
	}
	as.broken = errors.New("archive is closed")
	return as.zw.Close()
}

// Abort marks the sink as unusable without writing the trailer.
func (as *ArchiveSink) Abort() error {
	if as.broken == nil {
		as.broken = errors.New("archive is aborted")
	}
	return nil
}

// FileArchive implements Sink interface and writes an archive to a file. The
// archive is built in a temporary file next to the target and renamed into
// place by Close, so a cancelled or broken run leaves no archive behind.
type FileArchive struct {
	*ArchiveSink
	fname string
	tmp   *os.File
}

// NewFileArchive creates the temporary file for the archive fname. Parent
// directories are created if absent.
func NewFileArchive(fname string) (*FileArchive, error) {

	dir := filepath.Dir(fname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fname)+".*")
	if err != nil {
		return nil, err
	}
	return &FileArchive{ArchiveSink: NewArchiveSink(tmp), fname: fname, tmp: tmp}, nil
}

// Close finalizes the archive and moves it to its name.
func (fa *FileArchive) Close() error {
	err := fa.ArchiveSink.Close()
	if cerr := fa.tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(fa.tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(fa.tmp.Name(), fa.fname)
	}
	if err != nil {
		_ = os.Remove(fa.tmp.Name())
	}
	return err
}

// Abort removes the temporary file.
func (fa *FileArchive) Abort() error {
	_ = fa.ArchiveSink.Abort()
	_ = fa.tmp.Close()
	if err := os.Remove(fa.tmp.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
