package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"

	"github.com/23skdu/longbow-qlora/internal/tensor"
)

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	ggufDefaultAlignment = 32
	ggufAlignmentKey     = "general.alignment"

	ggmlMaxDims = 4
)

type ggmlType uint32

// Only the plain element types are readable; block-quantized GGML types
// have no equivalent in the GPTQ layout.
const (
	ggmlF32 ggmlType = 0
	ggmlF16 ggmlType = 1
	ggmlI32 ggmlType = 26
)

type ggufValueType uint32

const (
	ggufUint8 ggufValueType = iota
	ggufInt8
	ggufUint16
	ggufInt16
	ggufUint32
	ggufInt32
	ggufFloat32
	ggufBool
	ggufString
	ggufArray
	ggufUint64
	ggufInt64
	ggufFloat64
)

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

type ggufTensor struct {
	info   Info
	offset uint64
}

// GGUF reads F32, F16 and I32 tensors from a memory-mapped GGUF v2/v3 file.
type GGUF struct {
	f       *os.File
	data    mmap.MMap
	dataOff uint64
	names   []string
	tensors map[string]ggufTensor
	KV      map[string]any
}

func OpenGGUF(path string) (*GGUF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	g := &GGUF{f: f, data: data, tensors: make(map[string]ggufTensor), KV: make(map[string]any)}
	if err := g.parse(); err != nil {
		g.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// cursor walks the mapped bytes with bounds checks.
type cursor struct {
	data []byte
	off  uint64
}

func (c *cursor) need(n uint64) error {
	size := uint64(len(c.data))
	if c.off > size || n > size-c.off {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.data[c.off:])
	c.off += 8
	return v, nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u64()
	if err != nil {
		return "", err
	}
	if err := c.need(n); err != nil {
		return "", err
	}
	s := string(c.data[c.off : c.off+n])
	c.off += n
	return s, nil
}

func (c *cursor) value(typ ggufValueType) (any, error) {
	switch typ {
	case ggufUint8, ggufInt8, ggufBool:
		if err := c.need(1); err != nil {
			return nil, err
		}
		b := c.data[c.off]
		c.off++
		switch typ {
		case ggufInt8:
			return int8(b), nil
		case ggufBool:
			return b != 0, nil
		}
		return b, nil
	case ggufUint16, ggufInt16:
		if err := c.need(2); err != nil {
			return nil, err
		}
		v := binary.LittleEndian.Uint16(c.data[c.off:])
		c.off += 2
		if typ == ggufInt16 {
			return int16(v), nil
		}
		return v, nil
	case ggufUint32:
		return c.u32()
	case ggufInt32:
		v, err := c.u32()
		return int32(v), err
	case ggufFloat32:
		v, err := c.u32()
		return math.Float32frombits(v), err
	case ggufUint64:
		return c.u64()
	case ggufInt64:
		v, err := c.u64()
		return int64(v), err
	case ggufFloat64:
		v, err := c.u64()
		return math.Float64frombits(v), err
	case ggufString:
		return c.str()
	case ggufArray:
		et, err := c.u32()
		if err != nil {
			return nil, err
		}
		n, err := c.u64()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(c.data)) {
			return nil, io.ErrUnexpectedEOF
		}
		arr := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := c.value(ggufValueType(et))
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unknown metadata value type %d", typ)
	}
}

func (g *GGUF) parse() error {
	c := &cursor{data: g.data}
	magic, err := c.u32()
	if err != nil {
		return err
	}
	if magic != GGUFMagic {
		return ErrInvalidMagic{Magic: magic}
	}
	version, err := c.u32()
	if err != nil {
		return err
	}
	if version < 2 || version > 3 {
		return ErrUnsupportedVersion{Version: version}
	}
	nTensors, err := c.u64()
	if err != nil {
		return err
	}
	nKV, err := c.u64()
	if err != nil {
		return err
	}

	for i := uint64(0); i < nKV; i++ {
		key, err := c.str()
		if err != nil {
			return err
		}
		typ, err := c.u32()
		if err != nil {
			return err
		}
		v, err := c.value(ggufValueType(typ))
		if err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		g.KV[key] = v
	}

	for i := uint64(0); i < nTensors; i++ {
		name, err := c.str()
		if err != nil {
			return err
		}
		nDims, err := c.u32()
		if err != nil {
			return err
		}
		if nDims > ggmlMaxDims {
			return fmt.Errorf("tensor %q: %d dimensions (max %d)", name, nDims, ggmlMaxDims)
		}
		// GGML lists the innermost dimension first.
		shape := make([]int, nDims)
		for j := uint32(0); j < nDims; j++ {
			d, err := c.u64()
			if err != nil {
				return err
			}
			if d > uint64(len(g.data)) {
				return fmt.Errorf("tensor %q: dimension %d out of range", name, d)
			}
			shape[int(nDims)-1-int(j)] = int(d)
		}
		typ, err := c.u32()
		if err != nil {
			return err
		}
		off, err := c.u64()
		if err != nil {
			return err
		}
		var dt tensor.DType
		switch ggmlType(typ) {
		case ggmlF32:
			dt = tensor.F32
		case ggmlF16:
			dt = tensor.F16
		case ggmlI32:
			dt = tensor.I32
		default:
			return fmt.Errorf("tensor %q: unsupported GGML type %d", name, typ)
		}
		g.tensors[name] = ggufTensor{info: Info{Name: name, DType: dt, Shape: shape}, offset: off}
		g.names = append(g.names, name)
	}
	sort.Strings(g.names)

	align := uint64(ggufDefaultAlignment)
	if v, ok := g.KV[ggufAlignmentKey].(uint32); ok && v > 0 {
		align = uint64(v)
	}
	if pad := c.off % align; pad != 0 {
		c.off += align - pad
	}
	g.dataOff = c.off

	size := uint64(len(g.data))
	for _, t := range g.tensors {
		n, ok := byteSize(t.info, size)
		if !ok || g.dataOff > size || t.offset > size-g.dataOff || n > size-g.dataOff-t.offset {
			return fmt.Errorf("tensor %q: data out of bounds", t.info.Name)
		}
	}
	return nil
}

// byteSize is the storage size of info, or false when it exceeds limit.
func byteSize(info Info, limit uint64) (uint64, bool) {
	n := uint64(info.DType.Size())
	for _, d := range info.Shape {
		if d > 0 && n > limit/uint64(d) {
			return 0, false
		}
		n *= uint64(d)
	}
	return n, n <= limit
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (g *GGUF) Kind() string { return "gguf" }

func (g *GGUF) Names() []string { return append([]string(nil), g.names...) }

func (g *GGUF) Info(name string) (Info, error) {
	t, ok := g.tensors[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	return t.info, nil
}

func (g *GGUF) Load(name string) (*tensor.Tensor, error) {
	t, ok := g.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	start := g.dataOff + t.offset
	n := uint64(numel(t.info.Shape) * t.info.DType.Size())
	return tensor.FromBytes(t.info.DType, t.info.Shape, g.data[start:start+n])
}

func (g *GGUF) Close() error {
	var err error
	if g.data != nil {
		err = g.data.Unmap()
		g.data = nil
	}
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// WriteGGUF writes a v3 file with string metadata and F32/F16/I32 tensors.
func WriteGGUF(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	le := binary.LittleEndian
	put := func(v any) {
		if err == nil {
			err = binary.Write(w, le, v)
		}
	}
	putStr := func(s string) {
		put(uint64(len(s)))
		if err == nil {
			_, err = w.WriteString(s)
		}
	}

	names := sortedNames(tensors)
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	put(uint32(GGUFMagic))
	put(uint32(GGUFVersion))
	put(uint64(len(names)))
	put(uint64(len(keys) + 1))
	putStr(ggufAlignmentKey)
	put(uint32(ggufUint32))
	put(uint32(ggufDefaultAlignment))
	for _, k := range keys {
		putStr(k)
		put(uint32(ggufString))
		putStr(metadata[k])
	}

	pos := uint64(0)
	offsets := make([]uint64, len(names))
	for i, name := range names {
		t := tensors[name]
		shape := t.Shape()
		putStr(name)
		put(uint32(len(shape)))
		for j := len(shape) - 1; j >= 0; j-- {
			put(uint64(shape[j]))
		}
		var typ ggmlType
		switch t.DType() {
		case tensor.F32:
			typ = ggmlF32
		case tensor.F16:
			typ = ggmlF16
		case tensor.I32:
			typ = ggmlI32
		}
		put(uint32(typ))
		offsets[i] = pos
		put(pos)
		pos += alignUp(uint64(t.SizeBytes()), ggufDefaultAlignment)
	}
	if err != nil {
		f.Close()
		return err
	}

	// Header bytes written so far decide the padding before the data block.
	written := uint64(w.Buffered())
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if st, serr := f.Stat(); serr == nil {
		written = uint64(st.Size())
	}
	if pad := alignUp(written, ggufDefaultAlignment) - written; pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			f.Close()
			return err
		}
	}
	for i, name := range names {
		b := tensors[name].Bytes()
		if _, err := w.Write(b); err != nil {
			f.Close()
			return err
		}
		next := pos
		if i+1 < len(names) {
			next = offsets[i+1]
		}
		if pad := next - offsets[i] - uint64(len(b)); pad > 0 {
			if _, err := w.Write(make([]byte, pad)); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) / a * a
}
