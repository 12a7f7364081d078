package checkpoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-qlora/internal/tensor"
)

// TensorSchema is the record layout for tensors on Arrow IPC and Flight:
// one row per tensor, raw little-endian bytes in "data".
var TensorSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
}, nil)

// NewTensorRecord builds one record holding tensors in sorted name order.
// The caller releases it.
func NewTensorRecord(mem memory.Allocator, tensors map[string]*tensor.Tensor) arrow.Record {
	b := array.NewRecordBuilder(mem, TensorSchema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	dtypes := b.Field(1).(*array.StringBuilder)
	shapes := b.Field(2).(*array.ListBuilder)
	dims := shapes.ValueBuilder().(*array.Int64Builder)
	data := b.Field(3).(*array.BinaryBuilder)

	for _, name := range sortedNames(tensors) {
		t := tensors[name]
		names.Append(name)
		dtypes.Append(t.DType().String())
		shapes.Append(true)
		for _, d := range t.Shape() {
			dims.Append(int64(d))
		}
		data.Append(t.Bytes())
	}
	return b.NewRecord()
}

// DecodeTensorRecord adds every row of rec to out.
func DecodeTensorRecord(rec arrow.Record, out map[string]*tensor.Tensor) error {
	if !rec.Schema().Equal(TensorSchema) {
		return fmt.Errorf("%w: unexpected record schema %s", ErrUnsupportedFormat, rec.Schema())
	}
	names, ok1 := rec.Column(0).(*array.String)
	dtypes, ok2 := rec.Column(1).(*array.String)
	shapes, ok3 := rec.Column(2).(*array.List)
	data, ok4 := rec.Column(3).(*array.Binary)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return fmt.Errorf("%w: unexpected column types", ErrUnsupportedFormat)
	}
	dims, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return fmt.Errorf("%w: shape values are %s", ErrUnsupportedFormat, shapes.ListValues().DataType())
	}

	for i := 0; i < int(rec.NumRows()); i++ {
		name := names.Value(i)
		dt, err := tensor.ParseDType(dtypes.Value(i))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		start, end := shapes.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(dims.Value(int(j))))
		}
		// Value aliases the record buffer, which is released after decoding.
		raw := append([]byte(nil), data.Value(i)...)
		t, err := tensor.FromBytes(dt, shape, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		out[name] = t
	}
	return nil
}

func isStreamPath(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".arrows"
}

// WriteArrow writes tensors as a single-record Arrow IPC file, or an IPC
// stream when path ends in .arrows.
func WriteArrow(path string, tensors map[string]*tensor.Tensor) error {
	mem := memory.NewGoAllocator()
	rec := NewTensorRecord(mem, tensors)
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var w interface {
		Write(arrow.Record) error
		Close() error
	}
	if isStreamPath(path) {
		w = ipc.NewWriter(f, ipc.WithSchema(TensorSchema), ipc.WithAllocator(mem))
	} else {
		fw, err := ipc.NewFileWriter(f, ipc.WithSchema(TensorSchema), ipc.WithAllocator(mem))
		if err != nil {
			f.Close()
			return fmt.Errorf("arrow writer: %w", err)
		}
		w = fw
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// OpenArrow decodes an Arrow IPC file (or .arrows stream) into memory.
func OpenArrow(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	tensors := make(map[string]*tensor.Tensor)
	if isStreamPath(path) {
		err = readArrowStream(f, mem, tensors)
	} else {
		err = readArrowFile(f, mem, tensors)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return newMemSource("arrow", tensors), nil
}

func readArrowFile(f *os.File, mem memory.Allocator, out map[string]*tensor.Tensor) error {
	r, err := ipc.NewFileReader(f, ipc.WithAllocator(mem))
	if err != nil {
		return err
	}
	defer r.Close()
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return err
		}
		if err := DecodeTensorRecord(rec, out); err != nil {
			return err
		}
	}
	return nil
}

func readArrowStream(src io.Reader, mem memory.Allocator, out map[string]*tensor.Tensor) error {
	r, err := ipc.NewReader(src, ipc.WithAllocator(mem))
	if err != nil {
		return err
	}
	defer r.Release()
	for r.Next() {
		if err := DecodeTensorRecord(r.Record(), out); err != nil {
			return err
		}
	}
	return r.Err()
}
