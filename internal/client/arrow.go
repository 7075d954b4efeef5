package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-opm/internal/device"
	"github.com/23skdu/longbow-opm/internal/opm"
)

// Request is one outer product mean problem.
type Request struct {
	A, B    *opm.Tensor
	Average bool
}

// RequestSchema carries one problem per row. Operands are flattened row-major.
var RequestSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "a", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "a_shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "b", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "b_shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
		{Name: "average", Type: arrow.FixedWidthTypes.Boolean, Nullable: true}, // null means true
	},
	nil,
)

// ResultSchema carries one output tensor per row.
var ResultSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "out", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "out_shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
	},
	nil,
)

// RecordBatchBuilder converts tensors to and from Arrow RecordBatches.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// tensorColumn builds a List<float32> column and its List<int64> shape column.
type tensorColumn struct {
	values *array.ListBuilder
	shapes *array.ListBuilder
}

func (b *RecordBatchBuilder) newTensorColumn() tensorColumn {
	return tensorColumn{
		values: array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32),
		shapes: array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int64),
	}
}

func (c tensorColumn) append(t *opm.Tensor) {
	c.values.Append(true)
	c.values.ValueBuilder().(*array.Float32Builder).AppendValues(t.Values(), nil)

	c.shapes.Append(true)
	sb := c.shapes.ValueBuilder().(*array.Int64Builder)
	for _, d := range t.Shape() {
		sb.Append(int64(d))
	}
}

func (c tensorColumn) release() {
	c.values.Release()
	c.shapes.Release()
}

// BuildRequestRecord encodes problems as a RequestSchema batch.
func (b *RecordBatchBuilder) BuildRequestRecord(reqs []Request) (arrow.RecordBatch, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	ac := b.newTensorColumn()
	defer ac.release()
	bc := b.newTensorColumn()
	defer bc.release()
	dtypes := array.NewStringBuilder(b.mem)
	defer dtypes.Release()
	averages := array.NewBooleanBuilder(b.mem)
	defer averages.Release()

	for i, r := range reqs {
		if r.A == nil || r.B == nil {
			return nil, fmt.Errorf("request %d: missing operand", i)
		}
		ac.append(r.A)
		bc.append(r.B)
		dtypes.Append(r.A.DType().String())
		averages.Append(r.Average)
	}

	cols := []arrow.Array{
		ac.values.NewArray(),
		ac.shapes.NewArray(),
		bc.values.NewArray(),
		bc.shapes.NewArray(),
		dtypes.NewArray(),
		averages.NewArray(),
	}
	defer releaseAll(cols)

	return array.NewRecordBatch(RequestSchema, cols, int64(len(reqs))), nil
}

// BuildResultRecord encodes output tensors as a ResultSchema batch.
func (b *RecordBatchBuilder) BuildResultRecord(outs []*opm.Tensor) (arrow.RecordBatch, error) {
	if len(outs) == 0 {
		return nil, nil
	}

	oc := b.newTensorColumn()
	defer oc.release()
	dtypes := array.NewStringBuilder(b.mem)
	defer dtypes.Release()

	for i, t := range outs {
		if t == nil {
			return nil, fmt.Errorf("result %d: missing tensor", i)
		}
		oc.append(t)
		dtypes.Append(t.DType().String())
	}

	cols := []arrow.Array{
		oc.values.NewArray(),
		oc.shapes.NewArray(),
		dtypes.NewArray(),
	}
	defer releaseAll(cols)

	return array.NewRecordBatch(ResultSchema, cols, int64(len(outs))), nil
}

// DecodeRequestRecord reads every row of a RequestSchema batch.
func DecodeRequestRecord(rec arrow.RecordBatch) ([]Request, error) {
	aVals, err := listColumn[*array.Float32](rec, "a")
	if err != nil {
		return nil, err
	}
	aShapes, err := listColumn[*array.Int64](rec, "a_shape")
	if err != nil {
		return nil, err
	}
	bVals, err := listColumn[*array.Float32](rec, "b")
	if err != nil {
		return nil, err
	}
	bShapes, err := listColumn[*array.Int64](rec, "b_shape")
	if err != nil {
		return nil, err
	}
	dtypes, err := column[*array.String](rec, "dtype")
	if err != nil {
		return nil, err
	}
	averages, err := column[*array.Boolean](rec, "average")
	if err != nil {
		return nil, err
	}

	reqs := make([]Request, rec.NumRows())
	for i := range reqs {
		dtype, err := device.ParseDType(dtypes.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		a, err := tensorAt(aVals, aShapes, i, dtype)
		if err != nil {
			return nil, fmt.Errorf("row %d operand a: %w", i, err)
		}
		b, err := tensorAt(bVals, bShapes, i, dtype)
		if err != nil {
			return nil, fmt.Errorf("row %d operand b: %w", i, err)
		}
		average := averages.IsNull(i) || averages.Value(i)
		reqs[i] = Request{A: a, B: b, Average: average}
	}
	return reqs, nil
}

// DecodeResultRecord reads every row of a ResultSchema batch.
func DecodeResultRecord(rec arrow.RecordBatch) ([]*opm.Tensor, error) {
	vals, err := listColumn[*array.Float32](rec, "out")
	if err != nil {
		return nil, err
	}
	shapes, err := listColumn[*array.Int64](rec, "out_shape")
	if err != nil {
		return nil, err
	}
	dtypes, err := column[*array.String](rec, "dtype")
	if err != nil {
		return nil, err
	}

	outs := make([]*opm.Tensor, rec.NumRows())
	for i := range outs {
		dtype, err := device.ParseDType(dtypes.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if outs[i], err = tensorAt(vals, shapes, i, dtype); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return outs, nil
}

type listCol[T arrow.Array] struct {
	list   *array.List
	values T
}

func column[T arrow.Array](rec arrow.RecordBatch, name string) (T, error) {
	var zero T
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return zero, fmt.Errorf("missing column %q", name)
	}
	col, ok := rec.Column(indices[0]).(T)
	if !ok {
		return zero, fmt.Errorf("column %q has type %s", name, rec.Column(indices[0]).DataType())
	}
	return col, nil
}

func listColumn[T arrow.Array](rec arrow.RecordBatch, name string) (listCol[T], error) {
	list, err := column[*array.List](rec, name)
	if err != nil {
		return listCol[T]{}, err
	}
	values, ok := list.ListValues().(T)
	if !ok {
		return listCol[T]{}, fmt.Errorf("column %q has element type %s", name, list.ListValues().DataType())
	}
	return listCol[T]{list: list, values: values}, nil
}

func tensorAt(vals listCol[*array.Float32], shapes listCol[*array.Int64], row int, dtype device.DType) (*opm.Tensor, error) {
	ss, se := shapes.list.ValueOffsets(row)
	shape := make([]int, 0, se-ss)
	for _, d := range shapes.values.Int64Values()[ss:se] {
		shape = append(shape, int(d))
	}
	vs, ve := vals.list.ValueOffsets(row)
	return opm.NewWithType(shape, dtype, vals.values.Float32Values()[vs:ve])
}

func releaseAll(arrs []arrow.Array) {
	for _, a := range arrs {
		a.Release()
	}
}
