package device

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type a tensor stores. Values are held as float32 on the
// host and rounded to the dtype's precision whenever they are written.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType accepts "fp32"/"float32" and "fp16"/"float16". Empty means fp32.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "fp32", "float32":
		return Float32, nil
	case "fp16", "float16", "half":
		return Float16, nil
	default:
		return Float32, fmt.Errorf("unknown dtype %q", s)
	}
}

// Round returns v as it would be stored in dtype d.
func (d DType) Round(v float32) float32 {
	if d == Float16 {
		return float16.Fromfloat32(v).Float32()
	}
	return v
}

// RoundSlice rounds every element of data in-place.
func (d DType) RoundSlice(data []float32) {
	if d != Float16 {
		return
	}
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}
