package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"golang.org/x/exp/mmap"

	"github.com/23skdu/longbow-qlora/internal/tensor"
)

const metadataKey = "__metadata__"

type safetensorsEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// Safetensors reads a memory-mapped .safetensors file.
type Safetensors struct {
	r        *mmap.ReaderAt
	dataOff  int64
	names    []string
	entries  map[string]safetensorsEntry
	Metadata map[string]string
}

func OpenSafetensors(path string) (*Safetensors, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	s, err := parseSafetensors(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func parseSafetensors(r *mmap.ReaderAt) (*Safetensors, error) {
	size := int64(r.Len())
	var lenBuf [8]byte
	if _, err := r.ReadAt(lenBuf[:], 0); err != nil {
		return nil, fmt.Errorf("read header size: %w", err)
	}
	hlen := int64(binary.LittleEndian.Uint64(lenBuf[:]))
	if hlen <= 0 || hlen > size-8 {
		return nil, fmt.Errorf("invalid header size %d for %d byte file", hlen, size)
	}
	header := make([]byte, hlen)
	if _, err := r.ReadAt(header, 8); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var raws map[string]json.RawMessage
	if err := json.Unmarshal(header, &raws); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	s := &Safetensors{r: r, dataOff: 8 + hlen, entries: make(map[string]safetensorsEntry)}
	for name, raw := range raws {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &s.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var e safetensorsEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("parse entry %q: %w", name, err)
		}
		if len(e.Offsets) != 2 || e.Offsets[0] < 0 || e.Offsets[0] > e.Offsets[1] || e.Offsets[1] > size-s.dataOff {
			return nil, fmt.Errorf("invalid offsets for %q: %v", name, e.Offsets)
		}
		if err := checkEntry(e); err != nil {
			return nil, fmt.Errorf("entry %q: %w", name, err)
		}
		s.entries[name] = e
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s, nil
}

// checkEntry rejects shapes whose byte size does not match the offsets.
// Entries of dtypes this package cannot decode fail later, in Info.
func checkEntry(e safetensorsEntry) error {
	dt, err := tensor.ParseDType(e.DType)
	if err != nil {
		return nil
	}
	avail := e.Offsets[1] - e.Offsets[0]
	n := int64(dt.Size())
	for _, d := range e.Shape {
		if d < 0 || (d > 0 && n > avail/int64(d)) {
			return fmt.Errorf("shape %v does not fit in %d bytes", e.Shape, avail)
		}
		n *= int64(d)
	}
	if n != avail {
		return fmt.Errorf("shape %v needs %d bytes, offsets give %d", e.Shape, n, avail)
	}
	return nil
}

func (s *Safetensors) Kind() string { return "safetensors" }

func (s *Safetensors) Names() []string { return append([]string(nil), s.names...) }

func (s *Safetensors) Info(name string) (Info, error) {
	e, ok := s.entries[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	dt, err := tensor.ParseDType(e.DType)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", name, err)
	}
	return Info{Name: name, DType: dt, Shape: append([]int(nil), e.Shape...)}, nil
}

func (s *Safetensors) Load(name string) (*tensor.Tensor, error) {
	info, err := s.Info(name)
	if err != nil {
		return nil, err
	}
	e := s.entries[name]
	buf := make([]byte, e.Offsets[1]-e.Offsets[0])
	if len(buf) > 0 {
		if _, err := s.r.ReadAt(buf, s.dataOff+e.Offsets[0]); err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
	}
	return tensor.FromBytes(info.DType, info.Shape, buf)
}

func (s *Safetensors) Close() error { return s.r.Close() }

// WriteSafetensors writes tensors in sorted name order. The header is
// padded with spaces to an 8-byte boundary.
func WriteSafetensors(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := sortedNames(tensors)
	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for _, name := range names {
		t := tensors[name]
		n := int64(t.SizeBytes())
		header[name] = safetensorsEntry{DType: t.DType().String(), Shape: t.Shape(), Offsets: []int64{off, off + n}}
		off += n
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		f.Close()
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		f.Close()
		return err
	}
	for _, name := range names {
		if _, err := w.Write(tensors[name].Bytes()); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
