// Package weights memory-maps partition files and hands out zero-copy
// tensor views.
//
// A partition file starts with an 8-byte little-endian header length,
// followed by a JSON header mapping tensor names to dtype, shape, data
// offsets (relative to the end of the header) and an optional quantization
// scale, plus a string map under "__metadata__". Raw tensor bytes follow.
package weights

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"chatloop/internal/errs"
)

const (
	headerLenSize = 8
	maxHeaderSize = 100 << 20
	metadataKey   = "__metadata__"
)

type tensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
	Scale       *float32 `json:"scale,omitempty"`
}

// Partition is an immutable set of tensors backed by one mapped file.
type Partition struct {
	path    string
	data    []byte
	mmapped bool
	meta    Metadata
	views   map[string]View
	names   []string

	closeOnce sync.Once
	closeErr  error
}

// Open maps path read-only and validates every tensor's byte range. Any
// structural problem yields a load error and no Partition; the mapping is
// released before returning. When mmap is unavailable the file is read
// into memory instead.
func Open(path string) (*Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.ErrLoad(path, "%v", err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, errs.ErrLoad(path, "%v", err)
	}
	size64 := st.Size()
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, errs.ErrLoad(path, "file too large to map")
	}
	size := int(size64)
	if size < headerLenSize {
		return nil, errs.ErrLoad(path, "file is %d bytes, shorter than the header length prefix", size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		p, perr := parse(path, data, true)
		if perr != nil {
			_ = unix.Munmap(data)
			return nil, perr
		}
		return p, nil
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, size64), data); err != nil {
		return nil, errs.ErrLoad(path, "read: %v", err)
	}
	return parse(path, data, false)
}

func parse(path string, data []byte, mmapped bool) (*Partition, error) {
	hl := binary.LittleEndian.Uint64(data[:headerLenSize])
	if hl == 0 || hl > maxHeaderSize {
		return nil, errs.ErrLoad(path, "invalid header length %d", hl)
	}
	if uint64(len(data)-headerLenSize) < hl {
		return nil, errs.ErrLoad(path, "header declares %d bytes but file holds %d", hl, len(data)-headerLenSize)
	}
	body := data[headerLenSize+int(hl):]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[headerLenSize:headerLenSize+int(hl)], &raw); err != nil {
		return nil, errs.ErrLoad(path, "header: %v", err)
	}

	p := &Partition{path: path, data: data, mmapped: mmapped, views: make(map[string]View, len(raw))}
	if m, ok := raw[metadataKey]; ok {
		var kv map[string]string
		if err := json.Unmarshal(m, &kv); err != nil {
			return nil, errs.ErrLoad(path, "metadata: %v", err)
		}
		meta, err := parseMetadata(kv)
		if err != nil {
			return nil, errs.ErrLoad(path, "%v", err)
		}
		p.meta = meta
		delete(raw, metadataKey)
	} else {
		p.meta, _ = parseMetadata(nil)
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, errs.ErrLoad(path, "tensor %s: %v", name, err)
		}
		v, err := makeView(name, th, body)
		if err != nil {
			return nil, errs.ErrLoad(path, "tensor %s: %v", name, err)
		}
		p.views[name] = v
		p.names = append(p.names, name)
	}
	sort.Strings(p.names)
	return p, nil
}

func makeView(name string, th tensorHeader, body []byte) (View, error) {
	dt, err := ParseDType(th.DType)
	if err != nil {
		return View{}, err
	}
	if len(th.Shape) == 0 {
		return View{}, fmt.Errorf("empty shape")
	}
	for _, d := range th.Shape {
		if d <= 0 {
			return View{}, fmt.Errorf("non-positive dimension in shape %v", th.Shape)
		}
	}
	n := numElements(th.Shape)
	if dt == I4 && len(th.Shape) > 1 && th.Shape[len(th.Shape)-1]%2 != 0 {
		return View{}, fmt.Errorf("I4 rows must have an even number of columns, got %v", th.Shape)
	}
	start, end := th.DataOffsets[0], th.DataOffsets[1]
	if start < 0 || end < start {
		return View{}, fmt.Errorf("invalid data offsets [%d,%d]", start, end)
	}
	if end > int64(len(body)) {
		return View{}, fmt.Errorf("data range [%d,%d] exceeds file data of %d bytes", start, end, len(body))
	}
	if want := int64(dt.ByteSize(n)); end-start != want {
		return View{}, fmt.Errorf("%s%v needs %d bytes, header declares %d", dt, th.Shape, want, end-start)
	}
	scale := float32(1)
	if th.Scale != nil {
		scale = *th.Scale
	}
	return View{Name: name, DType: dt, Shape: th.Shape, Scale: scale, data: body[start:end:end]}, nil
}

// Lookup returns the view for name or a not-found error.
func (p *Partition) Lookup(name string) (View, error) {
	v, ok := p.views[name]
	if !ok {
		return View{}, errs.ErrNotFound(fmt.Sprintf("tensor %q in %s", name, p.path))
	}
	return v, nil
}

// Names lists tensor names in sorted order.
func (p *Partition) Names() []string { return append([]string(nil), p.names...) }

// Meta returns the partition's metadata.
func (p *Partition) Meta() Metadata { return p.meta }

// Path returns the file the partition was mapped from.
func (p *Partition) Path() string { return p.path }

// Size returns the mapped file size in bytes.
func (p *Partition) Size() int { return len(p.data) }

// Mapped reports whether the partition is backed by mmap.
func (p *Partition) Mapped() bool { return p.mmapped }

// Close releases the mapping. Views must not be used afterwards.
func (p *Partition) Close() error {
	p.closeOnce.Do(func() {
		if p.mmapped {
			p.closeErr = unix.Munmap(p.data)
		}
		p.data = nil
		p.views = nil
	})
	return p.closeErr
}
