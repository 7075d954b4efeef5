package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-opm/internal/client"
	"github.com/23skdu/longbow-opm/internal/device"
	"github.com/23skdu/longbow-opm/internal/opm"
)

func TestDemoRequest(t *testing.T) {
	req, err := demoRequest("2,5,7,3", "fp16", 42, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 3}, req.A.Shape())
	assert.Equal(t, []int{2, 7, 3}, req.B.Shape())
	assert.Equal(t, device.Float16, req.A.DType())
	assert.False(t, req.Average)

	again, err := demoRequest("2,5,7,3", "fp16", 42, false)
	require.NoError(t, err)
	assert.Equal(t, req.A.Values(), again.A.Values())

	_, err = demoRequest("2,5,7", "fp32", 1, true)
	assert.Error(t, err)
	_, err = demoRequest("1,2,2,2", "int4", 1, true)
	assert.Error(t, err)
}

func TestReadRequestsAndComputeLocal(t *testing.T) {
	req, err := demoRequest("1,3,4,5", "fp32", 7, true)
	require.NoError(t, err)

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRequestRecord([]client.Request{req, req})
	require.NoError(t, err)
	defer rec.Release()

	var buf bytes.Buffer
	require.NoError(t, writeArrowStream(&buf, rec))

	reqs, err := readRequests(&buf)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, req.A.Values(), reqs[0].A.Values())

	outs, err := computeLocal(context.Background(), device.NewCPUBackend(), nil, reqs)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, []int{1, 3, 4}, outs[0].Shape())
	assert.Equal(t, outs[0].Values(), outs[1].Values())

	t.Run("Options slice is not written", func(t *testing.T) {
		opts := make([]opm.Option, 1, 4)
		opts[0] = opm.WithGroupS(2)
		sum := reqs[1]
		sum.Average = false

		outs, err := computeLocal(context.Background(), device.NewCPUBackend(), opts, []client.Request{reqs[0], sum})
		require.NoError(t, err)
		assert.Nil(t, opts[:cap(opts)][1])
		for k, v := range outs[0].Values() {
			assert.InDelta(t, v*5, outs[1].Values()[k], 1e-4)
		}
	})

	_, err = readRequests(bytes.NewReader([]byte("nope")))
	assert.Error(t, err)
}

func TestWriteArrowStream(t *testing.T) {
	req, err := demoRequest("1,2,2,2", "fp32", 3, true)
	require.NoError(t, err)
	outs, err := computeLocal(context.Background(), device.NewCPUBackend(), nil, []client.Request{req})
	require.NoError(t, err)

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildResultRecord(outs)
	require.NoError(t, err)
	defer rec.Release()

	var buf bytes.Buffer
	require.NoError(t, writeArrowStream(&buf, rec))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()
	assert.True(t, reader.Schema().Equal(client.ResultSchema))
	require.True(t, reader.Next())
	assert.Equal(t, int64(1), reader.Record().NumRows())
}
