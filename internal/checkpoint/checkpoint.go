// Package checkpoint reads and writes named tensor collections and streams
// them into a module tree.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-qlora/internal/logger"
	"github.com/23skdu/longbow-qlora/internal/metrics"
	"github.com/23skdu/longbow-qlora/internal/nn"
	"github.com/23skdu/longbow-qlora/internal/tensor"
)

var (
	ErrTensorNotFound    = errors.New("tensor not found")
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
)

// ErrShapeMismatch reports a checkpoint tensor that does not fit the
// module buffer it names.
type ErrShapeMismatch struct {
	Name string
	Want []int
	Got  []int
}

func (e ErrShapeMismatch) Error() string {
	return fmt.Sprintf("%s: shape mismatch: model has %v, checkpoint has %v", e.Name, e.Want, e.Got)
}

// Info describes a stored tensor without reading its data.
type Info struct {
	Name  string
	DType tensor.DType
	Shape []int
}

// Source is a read-only collection of named tensors.
type Source interface {
	Kind() string
	Names() []string
	Info(name string) (Info, error)
	Load(name string) (*tensor.Tensor, error)
	Close() error
}

const flightScheme = "flight://"

// Open picks a source from the path: flight://host:port/ticket, or a file
// by extension (.safetensors, .gguf, .arrow/.arrows/.ipc).
func Open(ctx context.Context, path string) (Source, error) {
	if strings.HasPrefix(path, flightScheme) {
		addr, ticket, ok := strings.Cut(strings.TrimPrefix(path, flightScheme), "/")
		if !ok || addr == "" || ticket == "" {
			return nil, fmt.Errorf("malformed flight url %q (want flight://host:port/ticket)", path)
		}
		return OpenFlight(ctx, addr, ticket)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return OpenSafetensors(path)
	case ".gguf":
		return OpenGGUF(path)
	case ".arrow", ".arrows", ".ipc":
		return OpenArrow(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}

// Save writes tensors to path, choosing the format by extension.
func Save(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return WriteSafetensors(path, tensors, metadata)
	case ".gguf":
		return WriteGGUF(path, tensors, metadata)
	case ".arrow", ".arrows", ".ipc":
		return WriteArrow(path, tensors)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
}

// Stats summarizes one LoadInto call.
type Stats struct {
	Loaded     int
	Bytes      int
	Unexpected []string
	Missing    []string
}

// LoadInto copies every source tensor into the module buffer of the same
// name. Buffers keep their dtype; floating-point data is converted on the
// way in. A shape mismatch aborts the load.
func LoadInto(root nn.Module, src Source) (Stats, error) {
	start := time.Now()
	bufs := nn.NamedBuffers(root)
	seen := make(map[string]bool, len(bufs))
	var st Stats

	for _, name := range src.Names() {
		dst, ok := bufs[name]
		if !ok {
			st.Unexpected = append(st.Unexpected, name)
			continue
		}
		t, err := src.Load(name)
		if err != nil {
			return st, fmt.Errorf("load %s: %w", name, err)
		}
		if !sameShape(dst.Shape(), t.Shape()) {
			return st, ErrShapeMismatch{Name: name, Want: dst.Shape(), Got: t.Shape()}
		}
		if err := dst.CopyFrom(t); err != nil {
			return st, fmt.Errorf("assign %s: %w", name, err)
		}
		seen[name] = true
		st.Loaded++
		st.Bytes += t.SizeBytes()
		metrics.RecordCheckpointTensor(src.Kind(), t.SizeBytes())
	}
	for name := range bufs {
		if !seen[name] {
			st.Missing = append(st.Missing, name)
		}
	}
	sort.Strings(st.Missing)

	if len(st.Unexpected) > 0 {
		logger.Log.Warn("checkpoint has tensors the model does not", "count", len(st.Unexpected), "first", st.Unexpected[0])
	}
	if len(st.Missing) > 0 {
		logger.Log.Debug("model buffers not in checkpoint", "count", len(st.Missing))
	}
	logger.Log.Info("loaded checkpoint",
		"source", src.Kind(),
		"tensors", st.Loaded,
		"size", humanize.IBytes(uint64(st.Bytes)),
		"elapsed", time.Since(start))
	return st, nil
}

// ReadAll loads every tensor of src.
func ReadAll(src Source) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor)
	for _, name := range src.Names() {
		t, err := src.Load(name)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedNames(m map[string]*tensor.Tensor) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// memSource serves tensors already decoded into memory.
type memSource struct {
	kind    string
	names   []string
	tensors map[string]*tensor.Tensor
}

func newMemSource(kind string, tensors map[string]*tensor.Tensor) *memSource {
	return &memSource{kind: kind, names: sortedNames(tensors), tensors: tensors}
}

func (m *memSource) Kind() string { return m.kind }

func (m *memSource) Names() []string { return append([]string(nil), m.names...) }

func (m *memSource) Info(name string) (Info, error) {
	t, ok := m.tensors[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	return Info{Name: name, DType: t.DType(), Shape: t.Shape()}, nil
}

func (m *memSource) Load(name string) (*tensor.Tensor, error) {
	t, ok := m.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	return t, nil
}

func (m *memSource) Close() error { return nil }
