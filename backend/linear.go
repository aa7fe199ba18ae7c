// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"gonum.org/v1/gonum/mat"
)

// solveLinearSystem solves (H + λI)𝚫𝐱 = 𝐛 for the current damping. Generic
// problems factorize the full damped matrix; SLAM problems go through the
// Schur complement on the landmark block.
func (p *Problem) solveLinearSystem() {
	if p.problemType == GenericProblem {
		h := mat.DenseCopyOf(p.hessian)
		n, _ := h.Dims()
		for i := 0; i < n; i++ {
			h.Set(i, i, h.At(i, i)+p.currentLambda)
		}
		solveSPD(h, p.b, p.deltaX)
		return
	}
	p.solveLinearWithSchur(p.hessian, p.b, p.deltaX,
		p.orderingPoses, p.orderingLandmarks, p.idxLandmarkVertices, p.currentLambda)
}

// solveLinearWithSchur reduces the system by eliminating the landmark block
//
//	H = ⎡H_rr H_rs⎤   b = ⎡b_r⎤
//	    ⎣H_sr H_ss⎦       ⎣b_s⎦
//
// where H_ss is exactly block-diagonal (every edge touches at most one
// landmark), so its inverse is formed per landmark block. Damping is added
// to the reduced pose diagonal only; the landmark increment is recovered by
// back-substitution.
func (p *Problem) solveLinearWithSchur(hessian *mat.Dense, b, deltaX *mat.VecDense,
	reserveSize, schurSize int, schurVertices map[uint64]Vertex, lambda float64) {

	if schurSize == 0 {
		// No landmarks in the window: damped solve of the pose block.
		h := mat.DenseCopyOf(hessian.Slice(0, reserveSize, 0, reserveSize))
		for i := 0; i < reserveSize; i++ {
			h.Set(i, i, h.At(i, i)+lambda)
		}
		xr := mat.NewVecDense(reserveSize, nil)
		solveSPD(h, mat.VecDenseCopyOf(b.SliceVec(0, reserveSize)), xr)
		deltaX.SliceVec(0, reserveSize).(*mat.VecDense).CopyVec(xr)
		return
	}

	hrr := hessian.Slice(0, reserveSize, 0, reserveSize)
	hss := hessian.Slice(reserveSize, reserveSize+schurSize, reserveSize, reserveSize+schurSize)
	hrs := hessian.Slice(0, reserveSize, reserveSize, reserveSize+schurSize)
	hsr := hessian.Slice(reserveSize, reserveSize+schurSize, 0, reserveSize)
	brr := b.SliceVec(0, reserveSize)
	bss := b.SliceVec(reserveSize, reserveSize+schurSize)

	hssInv := mat.NewDense(schurSize, schurSize, nil)
	for _, id := range sortedIDs(schurVertices) {
		vertex := schurVertices[id]
		idx := vertex.OrderingID() - reserveSize
		dim := vertex.LocalDimension()
		var inv mat.Dense
		if err := inv.Inverse(hss.(*mat.Dense).Slice(idx, idx+dim, idx, idx+dim)); err != nil {
			continue // degenerate landmark block, contributes nothing
		}
		hssInv.Slice(idx, idx+dim, idx, idx+dim).(*mat.Dense).Copy(&inv)
	}

	var tempH mat.Dense
	tempH.Mul(hrs, hssInv)

	var hrrSchur mat.Dense
	hrrSchur.Mul(&tempH, hsr)
	hrrSchur.Sub(hrr, &hrrSchur)

	var brrSchur mat.VecDense
	brrSchur.MulVec(&tempH, bss)
	brrSchur.SubVec(brr, &brrSchur)

	for i := 0; i < reserveSize; i++ {
		hrrSchur.Set(i, i, hrrSchur.At(i, i)+lambda)
	}

	xr := mat.NewVecDense(reserveSize, nil)
	solveSPD(&hrrSchur, &brrSchur, xr)
	deltaX.SliceVec(0, reserveSize).(*mat.VecDense).CopyVec(xr)

	var hsrXr mat.VecDense
	hsrXr.MulVec(hsr, xr)
	var xs mat.VecDense
	xs.SubVec(bss, &hsrXr)
	var xsInv mat.VecDense
	xsInv.MulVec(hssInv, &xs)
	deltaX.SliceVec(reserveSize, reserveSize+schurSize).(*mat.VecDense).CopyVec(&xsInv)
}

// solveSPD solves a𝐱 = 𝐛 by Cholesky on the symmetrized matrix, falling
// back to a pivoted LU when the factorization fails. A singular fallback
// leaves dst untouched; the trust-region drivers recover by rejecting the
// resulting step.
func solveSPD(a *mat.Dense, b *mat.VecDense, dst *mat.VecDense) {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		if err := chol.SolveVecTo(dst, b); err == nil {
			return
		}
	}
	var lu mat.LU
	lu.Factorize(a)
	_ = lu.SolveVecTo(dst, false, b)
}
