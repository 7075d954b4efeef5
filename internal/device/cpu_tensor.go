package device

import "github.com/rs/zerolog/log"

// CPUTensor is a host-resident row-major matrix. A transposed view shares the
// buffer of its source.
type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int // physical rows
	cols    int // physical cols
	dtype   DType
	trans   bool
}

// index maps logical (i, j) to the position in data.
func (t *CPUTensor) index(i, j int) int {
	if t.trans {
		i, j = j, i
	}
	return i*t.cols + j
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) DType() DType { return t.dtype }

func (t *CPUTensor) At(i, j int) float32 {
	return t.data[t.index(i, j)]
}

// Set stores v rounded to the tensor's dtype.
func (t *CPUTensor) Set(i, j int, v float32) {
	t.data[t.index(i, j)] = t.dtype.Round(v)
}

func (t *CPUTensor) Data() []float32 {
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	if !t.trans {
		copy(out, t.data)
		return out
	}
	rows, cols := t.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = t.data[t.index(i, j)]
		}
	}
	return out
}

// CopyFromFloat32 loads data given in logical row-major order.
func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panic().Int("want", len(t.data)).Int("got", len(data)).Msg("CopyFromFloat32: size mismatch")
	}
	if !t.trans {
		copy(t.data, data)
		t.dtype.RoundSlice(t.data)
		return
	}
	rows, cols := t.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			t.data[t.index(i, j)] = t.dtype.Round(data[i*cols+j])
		}
	}
}

func (t *CPUTensor) T() Tensor {
	v := *t
	v.trans = !t.trans
	return &v
}
