package bgremover

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

// ErrNoFiles is returned by helpers which need at least one input.
var ErrNoFiles = errors.New("no files provided")

// DirSource implements interface Source and lists image files of one directory.
// Subdirectories are not visited. Items are ordered by name.
type DirSource struct {
	log  zerolog.Logger
	dir  string
	exts []string
}

// NewDirSource returns new instance of DirSource. If exts is empty,
// DefaultExtensions are used.
func NewDirSource(l zerolog.Logger, dir string, exts []string) *DirSource {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	return &DirSource{log: l.With().Str("component", "dirsource").Logger(), dir: dir, exts: exts}
}

// Enumerate implements interface Source. Payloads are read from disk when
// Processor decodes the item.
func (ds *DirSource) Enumerate(ctx context.Context) ([]WorkItem, error) {

	entries, err := os.ReadDir(ds.dir)
	if err != nil {
		return nil, err
	}

	// os.ReadDir returns entries sorted by filename.
	items := make([]WorkItem, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !ds.regular(e) {
			continue
		}
		if !IsSupported(e.Name(), ds.exts) {
			ds.log.Debug().Str("file", e.Name()).Msg("skipped, unsupported extension")
			continue
		}
		path := filepath.Join(ds.dir, e.Name())
		items = append(items, NewLazyWorkItem(e.Name(), func(context.Context) ([]byte, error) {
			return os.ReadFile(path)
		}))
	}

	ds.log.Debug().Str("dir", ds.dir).Int("files", len(items)).Msg("directory listed")
	return items, nil
}

// regular reports whether e is a regular file or a symlink to one.
func (ds *DirSource) regular(e os.DirEntry) bool {
	if e.Type().IsRegular() {
		return true
	}
	if e.Type()&os.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(filepath.Join(ds.dir, e.Name()))
	if err != nil {
		ds.log.Debug().Str("file", e.Name()).Str("errmsg", err.Error()).Msg("skipped, broken symlink")
		return false
	}
	return fi.Mode().IsRegular()
}

// MemorySource implements interface Source over in-memory payloads, in the
// order they were added.
type MemorySource struct {
	items []WorkItem
}

// NewMemorySource returns empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// Add appends payload named name.
func (ms *MemorySource) Add(name string, payload []byte) {
	ms.items = append(ms.items, NewWorkItem(name, payload))
}

// Len returns amount of items added.
func (ms *MemorySource) Len() int {
	return len(ms.items)
}

// Names returns names of the items in order.
func (ms *MemorySource) Names() []string {
	names := make([]string, len(ms.items))
	for i := range ms.items {
		names[i] = ms.items[i].Name
	}
	return names
}

// Enumerate implements interface Source.
func (ms *MemorySource) Enumerate(ctx context.Context) ([]WorkItem, error) {
	return append([]WorkItem(nil), ms.items...), nil
}

type subsetSource struct {
	src   Source
	names map[string]struct{}
}

// Only returns Source enumerating the items of src whose names are listed,
// keeping their order. It is used to resubmit failed items.
func Only(src Source, names ...string) Source {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &subsetSource{src: src, names: set}
}

// Enumerate implements interface Source.
func (ss *subsetSource) Enumerate(ctx context.Context) ([]WorkItem, error) {
	all, err := ss.src.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	items := all[:0:0]
	for _, it := range all {
		if _, ok := ss.names[it.Name]; ok {
			items = append(items, it)
		}
	}
	return items, nil
}

// FailedNames returns sorted, deduplicated source names of failures.
func FailedNames(failures []ErrorDescriptor) []string {
	set := make(map[string]struct{}, len(failures))
	names := make([]string, 0, len(failures))
	for _, f := range failures {
		if _, ok := set[f.ItemName]; ok {
			continue
		}
		set[f.ItemName] = struct{}{}
		names = append(names, f.ItemName)
	}
	sort.Strings(names)
	return names
}
