// Package registry discovers partition files on disk and resolves which one
// a stage serves.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chatloop/internal/common/fsutil"
	"chatloop/internal/errs"
	"chatloop/internal/weights"
)

// Ext is the partition file extension.
const Ext = ".safetensors"

// Entry is one partition found on disk.
type Entry struct {
	Path string
	Size int64
	Meta weights.Metadata
}

// LoadDir scans dir for *.safetensors partitions and reads their headers.
// Entries come back ordered by start layer. Files that fail to load are
// skipped and reported together in the returned error, next to the entries
// that did load.
func LoadDir(dir string) ([]Entry, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	des, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var (
		entries []Entry
		bad     []error
	)
	for _, e := range des {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), Ext) {
			continue
		}
		p := filepath.Join(abs, e.Name())
		part, err := weights.Open(p)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		entries = append(entries, Entry{Path: p, Size: int64(part.Size()), Meta: part.Meta()})
		_ = part.Close()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Meta.StartLayer < entries[j].Meta.StartLayer })
	return entries, errors.Join(bad...)
}

// Chain checks that entries cut one model into contiguous, non-overlapping
// layer ranges starting at layer 0 and ending at the last layer.
func Chain(entries []Entry) error {
	if len(entries) == 0 {
		return errs.ErrNotFound("no partitions")
	}
	next, total := 0, entries[0].Meta.TotalLayers
	for _, e := range entries {
		m := e.Meta
		if m.TotalLayers != total {
			return errs.ErrInvalid("%s is cut from a %d-layer model, expected %d", e.Path, m.TotalLayers, total)
		}
		if m.StartLayer != next {
			return errs.ErrInvalid("%s starts at layer %d, expected %d", e.Path, m.StartLayer, next)
		}
		next = m.EndLayer
	}
	if next != total {
		return errs.ErrInvalid("partitions end at layer %d of %d", next, total)
	}
	return nil
}

// ForStage returns the partition of stage i in a valid chain.
func ForStage(entries []Entry, i int) (Entry, error) {
	if err := Chain(entries); err != nil {
		return Entry{}, err
	}
	if i < 0 || i >= len(entries) {
		return Entry{}, errs.ErrNotFound(fmt.Sprintf("stage %d (have %d partitions)", i, len(entries)))
	}
	return entries[i], nil
}

// ForLayers returns the partition covering exactly [start, end).
func ForLayers(entries []Entry, start, end int) (Entry, error) {
	for _, e := range entries {
		if e.Meta.StartLayer == start && e.Meta.EndLayer == end {
			return e, nil
		}
	}
	return Entry{}, errs.ErrNotFound(fmt.Sprintf("partition for layers [%d,%d)", start, end))
}
