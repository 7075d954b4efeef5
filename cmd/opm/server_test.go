package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-opm/internal/client"
	"github.com/23skdu/longbow-opm/internal/device"
	"github.com/23skdu/longbow-opm/internal/opm"
)

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockFlightClient) Close() error {
	return nil
}

// faultyBackend is a CPU backend whose kernel always panics.
type faultyBackend struct {
	*device.CPUBackend
}

func (faultyBackend) OuterProductMean(out, a, b device.Tensor, cfg device.KernelConfig) {
	panic("device lost")
}

func exampleRequest() client.Request {
	return client.Request{
		A:       opm.MustNew([]int{2, 2}, []float32{1, 2, 3, 4}),
		B:       opm.MustNew([]int{2, 2}, []float32{1, 0, 0, 1}),
		Average: true,
	}
}

func postCBOR(t *testing.T, srv *Server, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/compute", bytes.NewReader(body))
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	http.HandlerFunc(srv.handleCompute).ServeHTTP(rr, req)
	return rr
}

func TestServer_Full(t *testing.T) {
	mfc := &mockFlightClient{}
	srv := NewServer(device.NewCPUBackend(), nil, mfc, "test-dataset", 1<<20)

	t.Run("HandleCompute with Forwarding", func(t *testing.T) {
		data, err := client.MarshalCompute(exampleRequest())
		require.NoError(t, err)

		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil).Once()

		rr := postCBOR(t, srv, data)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

		var resp client.ComputeResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []int{2, 2}, resp.Out.Shape)
		assert.Equal(t, []float32{0.5, 1, 1.5, 2}, resp.Out.Data)
		mfc.AssertExpectations(t)
	})

	t.Run("Forwarding failure does not fail the request", func(t *testing.T) {
		data, err := client.MarshalCompute(exampleRequest())
		require.NoError(t, err)

		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(errors.New("unavailable")).Once()

		rr := postCBOR(t, srv, data)
		assert.Equal(t, http.StatusOK, rr.Code)
		mfc.AssertExpectations(t)
	})

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()

		srv.handleHealth(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestHandleCompute_Errors(t *testing.T) {
	srv := NewServer(device.NewCPUBackend(), nil, nil, "", 1<<20)

	t.Run("Method not allowed", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, "/compute", nil)
		rr := httptest.NewRecorder()
		srv.handleCompute(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Garbage body", func(t *testing.T) {
		rr := postCBOR(t, srv, []byte{0xff, 0x00, 0x13})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Shape mismatch", func(t *testing.T) {
		data, err := client.MarshalCompute(client.Request{
			A: opm.MustNew([]int{2, 3}, make([]float32, 6)),
			B: opm.MustNew([]int{2, 4}, make([]float32, 8)),
		})
		require.NoError(t, err)

		rr := postCBOR(t, srv, data)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "shape mismatch")
	})

	t.Run("Data does not match shape", func(t *testing.T) {
		data, err := cbor.Marshal(client.ComputeRequest{
			A: client.WireTensor{Shape: []int{2, 2}, Data: []float32{1, 2, 3}},
			B: client.WireTensor{Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		})
		require.NoError(t, err)

		rr := postCBOR(t, srv, data)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Unknown dtype", func(t *testing.T) {
		data, err := cbor.Marshal(client.ComputeRequest{
			A: client.WireTensor{Shape: []int{1, 1}, DType: "int8", Data: []float32{1}},
			B: client.WireTensor{Shape: []int{1, 1}, Data: []float32{1}},
		})
		require.NoError(t, err)

		rr := postCBOR(t, srv, data)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHandleCompute_AverageDefault(t *testing.T) {
	srv := NewServer(device.NewCPUBackend(), nil, nil, "", 1<<20)

	wa := client.FromTensor(exampleRequest().A)
	wb := client.FromTensor(exampleRequest().B)
	data, err := cbor.Marshal(client.ComputeRequest{A: wa, B: wb})
	require.NoError(t, err)

	rr := postCBOR(t, srv, data)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp client.ComputeResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []float32{0.5, 1, 1.5, 2}, resp.Out.Data)

	sum := false
	data, err = cbor.Marshal(client.ComputeRequest{A: wa, B: wb, Average: &sum})
	require.NoError(t, err)

	rr = postCBOR(t, srv, data)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []float32{1, 2, 3, 4}, resp.Out.Data)
}

func TestHandleComputeArrow(t *testing.T) {
	pool := memory.NewGoAllocator()
	srv := NewServer(device.NewBLASBackend(), []opm.Option{opm.WithBlockSizes(16, 16)}, nil, "", 1<<20)

	batched := client.Request{
		A:       opm.MustNew([]int{2, 1, 2}, []float32{1, 2, 3, 4}),
		B:       opm.MustNew([]int{2, 1, 2}, []float32{1, 1, 2, 0}),
		Average: false,
	}
	rec, err := client.NewRecordBatchBuilder(pool).BuildRequestRecord([]client.Request{exampleRequest(), batched})
	require.NoError(t, err)
	defer rec.Release()

	var body bytes.Buffer
	w := ipc.NewWriter(&body, ipc.WithSchema(client.RequestSchema))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	req, _ := http.NewRequest(http.MethodPost, "/compute/arrow", &body)
	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer reader.Release()

	assert.True(t, reader.Schema().Equal(client.ResultSchema))
	require.True(t, reader.Next())
	outs, err := client.DecodeResultRecord(reader.Record())
	require.NoError(t, err)
	require.Len(t, outs, 2)

	assert.Equal(t, []int{2, 2}, outs[0].Shape())
	assert.InDeltaSlice(t, []float32{0.5, 1, 1.5, 2}, outs[0].Values(), 1e-6)
	// (1*1 + 2*1) and (3*2 + 4*0)
	assert.Equal(t, []int{2, 1, 1}, outs[1].Shape())
	assert.InDeltaSlice(t, []float32{3, 6}, outs[1].Values(), 1e-6)
	assert.False(t, reader.Next())
}

func TestHandleComputeArrow_BadStream(t *testing.T) {
	srv := NewServer(device.NewCPUBackend(), nil, nil, "", 1<<20)
	req, _ := http.NewRequest(http.MethodPost, "/compute/arrow", bytes.NewReader([]byte("not arrow")))
	rr := httptest.NewRecorder()
	srv.handleComputeArrow(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		code   int
		reason string
	}{
		{opm.ErrShapeMismatch, http.StatusBadRequest, "precondition"},
		{opm.ErrEmptyTensor, http.StatusBadRequest, "precondition"},
		{opm.ErrDTypeMismatch, http.StatusBadRequest, "precondition"},
		{opm.ErrInvalidConfig, http.StatusBadRequest, "precondition"},
		{context.Canceled, http.StatusServiceUnavailable, "canceled"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "canceled"},
		{errKernelFault, http.StatusInternalServerError, "fault"},
	}
	for _, tt := range tests {
		code, reason := statusFor(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.reason, reason, tt.err.Error())
	}
}

func TestServer_Weight(t *testing.T) {
	srv := NewServer(device.NewCPUBackend(), nil, nil, "", 10)

	small := client.Request{
		A: opm.MustNew([]int{2, 2, 3}, make([]float32, 12)),
		B: opm.MustNew([]int{2, 1, 3}, make([]float32, 6)),
	}
	assert.Equal(t, int64(4), srv.weight(small))

	// Larger than capacity is clamped so it can still be admitted.
	big := client.Request{
		A: opm.MustNew([]int{8, 3}, make([]float32, 24)),
		B: opm.MustNew([]int{8, 3}, make([]float32, 24)),
	}
	assert.Equal(t, int64(10), srv.weight(big))
}

func TestServer_ComputeCanceled(t *testing.T) {
	srv := NewServer(device.NewCPUBackend(), nil, nil, "", 1)
	// Hold the only unit so the next request blocks on admission.
	require.NoError(t, srv.sem.Acquire(context.Background(), 1))
	defer srv.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := srv.compute(ctx, exampleRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandleCompute_KernelFault(t *testing.T) {
	// Capacity equals the example's weight, so a leaked semaphore unit would
	// block the second request until its deadline.
	srv := NewServer(faultyBackend{device.NewCPUBackend()}, nil, nil, "", 4)
	data, err := client.MarshalCompute(exampleRequest())
	require.NoError(t, err)

	startFaults := testutil.ToFloat64(requestErrors.WithLabelValues("fault"))
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "/compute", bytes.NewReader(data))
		rr := httptest.NewRecorder()
		srv.routes().ServeHTTP(rr, req)
		cancel()

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Contains(t, rr.Body.String(), "kernel fault")
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(requestErrors.WithLabelValues("fault"))-startFaults)

	rr := httptest.NewRecorder()
	srv.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleCompute_OverflowingShape(t *testing.T) {
	srv := NewServer(device.NewCPUBackend(), []opm.Option{opm.WithBlockSizes(16, 16)}, nil, "", 1<<20)

	// (2^62+1)*4 wraps to 4, matching the data length if unchecked.
	data, err := cbor.Marshal(client.ComputeRequest{
		A: client.WireTensor{Shape: []int{1<<62 + 1, 4}, Data: []float32{1, 2, 3, 4}},
		B: client.WireTensor{Shape: []int{4, 4}, Data: make([]float32, 16)},
	})
	require.NoError(t, err)

	rr := postCBOR(t, srv, data)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "overflows")
}
