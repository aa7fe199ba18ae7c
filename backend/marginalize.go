// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Marginalize folds the given pose-class vertices and the landmarks
// observed from margVertices[0] into a Gaussian prior on the pose states
// that remain of the poseDim-wide pose block (poseDim minus the local
// dimensions of margVertices). margVertices[0] is canonically the oldest keyframe;
// every edge incident to it (pre-integration, reprojection) enters the
// marginalization system.
//
// The eliminated block is inverted through a self-adjoint
// eigendecomposition that drops eigenvalues below 10⁻⁸, so gauge nullspaces
// survive as zero information instead of blowing up. The resulting prior is
// re-expressed through its symmetric square root J so that err_prior can be
// propagated by the state updater.
func (p *Problem) Marginalize(margVertices []Vertex, poseDim int) error {
	if len(margVertices) == 0 {
		return ErrNoMargVertex
	}

	p.setOrdering()
	margEdges := p.GetConnectedEdges(margVertices[0])

	// Landmarks seen from the marginalized frame are re-indexed behind the
	// pose block of the marginalization system.
	margLandmark := make(map[uint64]Vertex)
	margLandmarkSize := 0
	for _, edge := range margEdges {
		for _, vertex := range edge.Vertices() {
			if !isLandmarkVertex(vertex) {
				continue
			}
			if _, ok := margLandmark[vertex.ID()]; ok {
				continue
			}
			vertex.SetOrderingID(poseDim + margLandmarkSize)
			margLandmark[vertex.ID()] = vertex
			margLandmarkSize += vertex.LocalDimension()
		}
	}

	cols := poseDim + margLandmarkSize
	hMarg := mat.NewDense(cols, cols, nil)
	bMarg := mat.NewVecDense(cols, nil)

	for _, edge := range margEdges {
		edge.ComputeResidual()
		edge.ComputeJacobians()
		jacobians := edge.Jacobians()
		vertices := edge.Vertices()
		_, robustInfo := edge.RobustInfo()

		for i, vi := range vertices {
			jacobianI := jacobians[i]
			indexI := vi.OrderingID()

			var jtW mat.Dense
			jtW.Mul(jacobianI.T(), robustInfo)

			for j := i; j < len(vertices); j++ {
				indexJ := vertices[j].OrderingID()
				var hessian mat.Dense
				hessian.Mul(&jtW, jacobians[j])
				addBlock(hMarg, indexI, indexJ, &hessian)
				if j != i {
					addBlock(hMarg, indexJ, indexI, hessian.T())
				}
			}

			var grad mat.VecDense
			grad.MulVec(&jtW, edge.Residual())
			grad.ScaleVec(-1, &grad)
			addSegment(bMarg, indexI, &grad)
		}
	}

	// Eliminate the landmarks by the block-diagonal Schur complement.
	reserveSize := poseDim
	if margLandmarkSize > 0 {
		margSize := margLandmarkSize
		hmm := hMarg.Slice(reserveSize, reserveSize+margSize, reserveSize, reserveSize+margSize)
		hpm := hMarg.Slice(0, reserveSize, reserveSize, reserveSize+margSize)
		hmp := hMarg.Slice(reserveSize, reserveSize+margSize, 0, reserveSize)
		bpp := mat.VecDenseCopyOf(bMarg.SliceVec(0, reserveSize))
		bmm := mat.VecDenseCopyOf(bMarg.SliceVec(reserveSize, reserveSize+margSize))

		hmmInv := mat.NewDense(margSize, margSize, nil)
		for _, id := range sortedIDs(margLandmark) {
			vertex := margLandmark[id]
			idx := vertex.OrderingID() - reserveSize
			dim := vertex.LocalDimension()
			var inv mat.Dense
			if err := inv.Inverse(hmm.(*mat.Dense).Slice(idx, idx+dim, idx, idx+dim)); err != nil {
				continue
			}
			hmmInv.Slice(idx, idx+dim, idx, idx+dim).(*mat.Dense).Copy(&inv)
		}

		var tempH mat.Dense
		tempH.Mul(hpm, hmmInv)

		var hpp mat.Dense
		hpp.Mul(&tempH, hmp)
		hpp.Sub(hMarg.Slice(0, reserveSize, 0, reserveSize), &hpp)

		var tb mat.VecDense
		tb.MulVec(&tempH, bmm)
		bpp.SubVec(bpp, &tb)

		hMarg = &hpp
		bMarg = bpp
	}

	// Fold the existing prior additively.
	if p.hPrior != nil {
		if rows, _ := p.hPrior.Dims(); rows > 0 {
			hMarg.Add(hMarg, p.hPrior)
			bMarg.AddVec(bMarg, p.bPrior)
		}
	}

	// Move the marginalized pose blocks to the bottom-right, highest
	// ordering index first so earlier swaps stay valid.
	margDim := 0
	for k := len(margVertices) - 1; k >= 0; k-- {
		idx := margVertices[k].OrderingID()
		dim := margVertices[k].LocalDimension()
		margDim += dim
		shiftBlockToEnd(hMarg, bMarg, idx, dim, reserveSize)
	}

	const eps = 1e-8
	m2 := margDim
	n2 := reserveSize - margDim

	amm := mat.NewDense(m2, m2, nil)
	ammBlock := hMarg.Slice(n2, reserveSize, n2, reserveSize)
	amm.Add(ammBlock, ammBlock.T())
	amm.Scale(0.5, amm)

	ammInv := eigenPseudoInverse(amm, eps)

	bmm2 := mat.VecDenseCopyOf(bMarg.SliceVec(n2, reserveSize))
	arm := hMarg.Slice(0, n2, n2, reserveSize)
	amr := hMarg.Slice(n2, reserveSize, 0, n2)
	arr := hMarg.Slice(0, n2, 0, n2)
	brr := mat.VecDenseCopyOf(bMarg.SliceVec(0, n2))

	var tempB mat.Dense
	tempB.Mul(arm, ammInv)

	hPrior := mat.NewDense(n2, n2, nil)
	hPrior.Mul(&tempB, amr)
	hPrior.Sub(arr, hPrior)

	bPrior := mat.NewVecDense(n2, nil)
	bPrior.MulVec(&tempB, bmm2)
	bPrior.SubVec(brr, bPrior)

	// Symmetric square root of the prior: H = JᵀJ with J = √S·Vᵀ. The
	// inverse factor recovers err_prior from b_prior.
	sym := mat.NewSymDense(n2, nil)
	for i := 0; i < n2; i++ {
		for j := i; j < n2; j++ {
			sym.SetSym(i, j, 0.5*(hPrior.At(i, j)+hPrior.At(j, i)))
		}
	}
	var es mat.EigenSym
	es.Factorize(sym, true)
	values := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)

	sSqrt := make([]float64, n2)
	sInvSqrt := make([]float64, n2)
	for i, v := range values {
		if v > eps {
			sSqrt[i] = math.Sqrt(v)
			sInvSqrt[i] = 1 / sSqrt[i]
		}
	}

	jtPriorInv := mat.NewDense(n2, n2, nil)
	jtPriorInv.Mul(mat.NewDiagDense(n2, sInvSqrt), vectors.T())
	p.jtPriorInv = jtPriorInv

	errPrior := mat.NewVecDense(n2, nil)
	errPrior.MulVec(jtPriorInv, bPrior)
	errPrior.ScaleVec(-1, errPrior)
	p.errPrior = errPrior

	var j mat.Dense
	j.Mul(mat.NewDiagDense(n2, sSqrt), vectors.T())
	hPrior.Mul(j.T(), &j)

	// Suppress numerical chaff left by the reconstruction.
	for r := 0; r < n2; r++ {
		for c := 0; c < n2; c++ {
			if math.Abs(hPrior.At(r, c)) < 1e-9 {
				hPrior.Set(r, c, 0)
			}
		}
	}
	p.hPrior = hPrior
	p.bPrior = bPrior

	for _, vertex := range margVertices {
		p.RemoveVertex(vertex)
	}
	for _, id := range sortedIDs(margLandmark) {
		p.RemoveVertex(margLandmark[id])
	}
	return nil
}

// shiftBlockToEnd moves the dim-wide block at idx to the end of the
// size-wide system by row, column and segment rotation.
func shiftBlockToEnd(h *mat.Dense, b *mat.VecDense, idx, dim, size int) {
	if idx+dim >= size {
		return // already at the end
	}

	tempRows := mat.DenseCopyOf(h.Slice(idx, idx+dim, 0, size))
	tempBotRows := mat.DenseCopyOf(h.Slice(idx+dim, size, 0, size))
	h.Slice(idx, size-dim, 0, size).(*mat.Dense).Copy(tempBotRows)
	h.Slice(size-dim, size, 0, size).(*mat.Dense).Copy(tempRows)

	tempCols := mat.DenseCopyOf(h.Slice(0, size, idx, idx+dim))
	tempRightCols := mat.DenseCopyOf(h.Slice(0, size, idx+dim, size))
	h.Slice(0, size, idx, size-dim).(*mat.Dense).Copy(tempRightCols)
	h.Slice(0, size, size-dim, size).(*mat.Dense).Copy(tempCols)

	tempB := mat.VecDenseCopyOf(b.SliceVec(idx, idx+dim))
	tempTail := mat.VecDenseCopyOf(b.SliceVec(idx+dim, size))
	b.SliceVec(idx, size-dim).(*mat.VecDense).CopyVec(tempTail)
	b.SliceVec(size-dim, size).(*mat.VecDense).CopyVec(tempB)
}

// eigenPseudoInverse inverts a symmetric matrix through its spectrum,
// keeping only eigenvalues above eps. Nullspace directions come back as
// zero rather than infinity.
func eigenPseudoInverse(a *mat.Dense, eps float64) *mat.Dense {
	n, _ := a.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	var es mat.EigenSym
	es.Factorize(sym, true)
	values := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)

	inv := make([]float64, n)
	for i, v := range values {
		if v > eps {
			inv[i] = 1 / v
		}
	}

	var scaled mat.Dense
	scaled.Mul(&vectors, mat.NewDiagDense(n, inv))
	out := mat.NewDense(n, n, nil)
	out.Mul(&scaled, vectors.T())
	return out
}
