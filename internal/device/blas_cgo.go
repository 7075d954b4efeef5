//go:build cgo && netlib

package device

// Building with -tags netlib links the BLAS backend against a system cblas
// (OpenBLAS on Linux, Accelerate on macOS).

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	blasImpl = "netlib"
}
