package client

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-opm/internal/device"
	"github.com/23skdu/longbow-opm/internal/opm"
)

// WireTensor is the CBOR form of a tensor: row-major data plus its shape.
type WireTensor struct {
	Shape []int     `cbor:"shape"`
	DType string    `cbor:"dtype,omitempty"`
	Data  []float32 `cbor:"data"`
}

// ComputeRequest is the body of POST /compute. Average defaults to true.
type ComputeRequest struct {
	A       WireTensor `cbor:"a"`
	B       WireTensor `cbor:"b"`
	Average *bool      `cbor:"average,omitempty"`
}

// ComputeResponse is the reply of POST /compute.
type ComputeResponse struct {
	Out WireTensor `cbor:"out"`
}

// FromTensor converts a tensor to its wire form.
func FromTensor(t *opm.Tensor) WireTensor {
	return WireTensor{
		Shape: t.Shape(),
		DType: t.DType().String(),
		Data:  t.Values(),
	}
}

// Tensor converts the wire form back to a tensor.
func (w WireTensor) Tensor() (*opm.Tensor, error) {
	dtype, err := device.ParseDType(w.DType)
	if err != nil {
		return nil, err
	}
	return opm.NewWithType(w.Shape, dtype, w.Data)
}

// Request converts the body into a Request.
func (r ComputeRequest) Request() (Request, error) {
	a, err := r.A.Tensor()
	if err != nil {
		return Request{}, fmt.Errorf("operand a: %w", err)
	}
	b, err := r.B.Tensor()
	if err != nil {
		return Request{}, fmt.Errorf("operand b: %w", err)
	}
	average := true
	if r.Average != nil {
		average = *r.Average
	}
	return Request{A: a, B: b, Average: average}, nil
}

// NewComputeRequest builds a request body.
func NewComputeRequest(req Request) ComputeRequest {
	average := req.Average
	return ComputeRequest{
		A:       FromTensor(req.A),
		B:       FromTensor(req.B),
		Average: &average,
	}
}

// MarshalCompute encodes a request body as CBOR.
func MarshalCompute(req Request) ([]byte, error) {
	return cbor.Marshal(NewComputeRequest(req))
}
