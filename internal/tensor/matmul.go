package tensor

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minRowsPerWorker keeps tiny products on the calling goroutine.
const minRowsPerWorker = 4

// MatMulT computes dst = x * w^T + bias, where x is [n, in], w is [out, in]
// (linear layout) and dst is [n, out]. bias may be nil.
//
// Output rows are split across workers. Each element is reduced in the same
// order regardless of the split, so results are bit-identical for any worker
// count.
func MatMulT(dst, x, w *Mat, bias []float32) {
	if x.C != w.C || dst.R != x.R || dst.C != w.R {
		panic(fmt.Sprintf("matmul: shape mismatch x[%d,%d] w[%d,%d] dst[%d,%d]", x.R, x.C, w.R, w.C, dst.R, dst.C))
	}
	if bias != nil && len(bias) != w.R {
		panic("matmul: bias length mismatch")
	}
	if dst.R == 0 || dst.C == 0 {
		return
	}

	workers := runtime.GOMAXPROCS(0)
	if maxW := dst.R / minRowsPerWorker; workers > maxW {
		workers = maxW
	}
	if workers <= 1 {
		matMulRows(dst, x, w, bias, 0, dst.R)
		return
	}

	chunk := (dst.R + workers - 1) / workers
	var g errgroup.Group
	for rs := 0; rs < dst.R; rs += chunk {
		re := min(rs+chunk, dst.R)
		g.Go(func() error {
			matMulRows(dst, x, w, bias, rs, re)
			return nil
		})
	}
	_ = g.Wait()
}

func matMulRows(dst, x, w *Mat, bias []float32, rs, re int) {
	for i := rs; i < re; i++ {
		xr := x.Row(i)
		out := dst.Row(i)
		for j := range w.R {
			s := Dot(xr, w.Row(j))
			if bias != nil {
				s += bias[j]
			}
			out[j] = s
		}
	}
}

// Linear is a convenience wrapper that allocates the output of MatMulT.
func Linear(x, w *Mat, bias []float32) Mat {
	out := NewMat(x.R, w.R)
	MatMulT(&out, x, w, bias)
	return out
}
