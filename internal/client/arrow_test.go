package client

import (
	"slices"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-opm/internal/device"
	"github.com/23skdu/longbow-opm/internal/opm"
)

func TestBuildRequestRecord(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewRecordBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildRequestRecord(nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Missing operand", func(t *testing.T) {
		_, err := builder.BuildRequestRecord([]Request{{A: opm.MustNew([]int{1, 1}, nil)}})
		assert.Error(t, err)
	})

	t.Run("Valid input", func(t *testing.T) {
		a := opm.MustNew([]int{2, 2, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
		b := opm.MustNew([]int{2, 1, 3}, []float32{1, 0, 0, 0, 1, 0})
		// Transposed view must be flattened in logical order.
		c := opm.MustNew([]int{3, 2}, []float32{1, 2, 3, 4, 5, 6}).Transpose()

		rb, err := builder.BuildRequestRecord([]Request{
			{A: a, B: b, Average: true},
			{A: c, B: c, Average: false},
		})
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, "a", rb.ColumnName(0))

		reqs, err := DecodeRequestRecord(rb)
		require.NoError(t, err)
		require.Len(t, reqs, 2)

		assert.Equal(t, []int{2, 2, 3}, reqs[0].A.Shape())
		assert.Equal(t, a.Values(), reqs[0].A.Values())
		assert.Equal(t, []int{2, 1, 3}, reqs[0].B.Shape())
		assert.True(t, reqs[0].Average)

		assert.Equal(t, []int{2, 3}, reqs[1].A.Shape())
		assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, reqs[1].A.Values())
		assert.False(t, reqs[1].Average)
	})
}

func TestBuildResultRecord(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewRecordBatchBuilder(pool)

	out, err := opm.NewWithType([]int{1, 2, 2}, device.Float16, []float32{0.5, 1, 1.5, 2})
	require.NoError(t, err)

	rb, err := builder.BuildResultRecord([]*opm.Tensor{out})
	require.NoError(t, err)
	defer rb.Release()

	outs, err := DecodeResultRecord(rb)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []int{1, 2, 2}, outs[0].Shape())
	assert.Equal(t, device.Float16, outs[0].DType())
	assert.Equal(t, []float32{0.5, 1, 1.5, 2}, outs[0].Values())
}

func TestDecodeRequestRecord_WrongSchema(t *testing.T) {
	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	rb, err := builder.BuildResultRecord([]*opm.Tensor{opm.MustNew([]int{1, 1}, nil)})
	require.NoError(t, err)
	defer rb.Release()

	_, err = DecodeRequestRecord(rb)
	assert.Error(t, err)
}

func TestDecodeRequestRecord_NullAverage(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)

	a := opm.MustNew([]int{1, 2}, []float32{1, 2})
	rb, err := NewRecordBatchBuilder(pool).BuildRequestRecord([]Request{
		{A: a, B: a, Average: false},
		{A: a, B: a, Average: false},
	})
	require.NoError(t, err)
	defer rb.Release()

	bb := array.NewBooleanBuilder(pool)
	defer bb.Release()
	bb.AppendNull()
	bb.Append(false)
	avg := bb.NewArray()
	defer avg.Release()

	cols := append(slices.Clone(rb.Columns()[:5]), avg)
	rec := array.NewRecordBatch(RequestSchema, cols, rb.NumRows())
	defer rec.Release()

	reqs, err := DecodeRequestRecord(rec)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	// Same default as a CBOR body without "average".
	assert.True(t, reqs[0].Average)
	assert.False(t, reqs[1].Average)
}

func TestComputeRequest_CBOR(t *testing.T) {
	req := Request{
		A:       opm.MustNew([]int{2, 2}, []float32{1, 2, 3, 4}),
		B:       opm.MustNew([]int{2, 2}, []float32{1, 0, 0, 1}),
		Average: false,
	}
	data, err := MarshalCompute(req)
	require.NoError(t, err)

	var body ComputeRequest
	require.NoError(t, cbor.Unmarshal(data, &body))
	got, err := body.Request()
	require.NoError(t, err)
	assert.Equal(t, req.A.Values(), got.A.Values())
	assert.False(t, got.Average)

	t.Run("Average defaults to true", func(t *testing.T) {
		body.Average = nil
		got, err := body.Request()
		require.NoError(t, err)
		assert.True(t, got.Average)
	})

	t.Run("Bad dtype", func(t *testing.T) {
		body.A.DType = "int4"
		_, err := body.Request()
		assert.Error(t, err)
	})
}
