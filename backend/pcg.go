// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// PCGSolver solves A𝐱 = 𝐛 by conjugate gradients with a Jacobi
// preconditioner M = diag(A). Iteration stops when ‖𝐫ₖ‖ < 10⁻⁶‖𝐫₀‖ or
// after maxIter steps (2·n when maxIter < 0).
//
// It is an optional general-purpose routine for large well-conditioned
// generic problems; the SLAM path always uses the Schur reduction.
func PCGSolver(a mat.Matrix, b *mat.VecDense, maxIter int) *mat.VecDense {
	n := b.Len()
	if maxIter < 0 {
		maxIter = 2 * n
	}

	diagInv := make([]float64, n)
	for i := 0; i < n; i++ {
		if d := a.At(i, i); d != 0 {
			diagInv[i] = 1 / d
		} else {
			diagInv[i] = 1
		}
	}
	precondition := func(dst, r *mat.VecDense) {
		for i := 0; i < n; i++ {
			dst.SetVec(i, diagInv[i]*r.AtVec(i))
		}
	}

	x := mat.NewVecDense(n, nil)
	r := mat.VecDenseCopyOf(b) // r₀ = b - A·0
	z := mat.NewVecDense(n, nil)
	p := mat.NewVecDense(n, nil)
	w := mat.NewVecDense(n, nil)

	threshold := 1e-6 * mat.Norm(r, 2)
	rzPrev := 0.0

	for iter := 0; iter < maxIter && mat.Norm(r, 2) > threshold; iter++ {
		precondition(z, r)
		rz := mat.Dot(r, z)
		if iter == 0 {
			p.CopyVec(z)
		} else {
			beta := rz / rzPrev
			p.AddScaledVec(z, beta, p)
		}
		w.MulVec(a, p)
		pw := mat.Dot(p, w)
		if pw == 0 || math.IsNaN(pw) {
			break
		}
		alpha := rz / pw
		x.AddScaledVec(x, alpha, p)
		r.AddScaledVec(r, -alpha, w)
		rzPrev = rz
	}
	return x
}
