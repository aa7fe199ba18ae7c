// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// makeHessian linearizes every edge at the current parameters and
// accumulates the normal equations
//
//	H[i,j] += 𝐉ᵢᵀ𝛀̃𝐉ⱼ ,  b[i] -= ρ′𝐉ᵢᵀ𝛀𝐫
//
// then folds the quadratic prior into the pose block. Note the asymmetry:
// b keeps the raw 𝛀 scaled by ρ′ while H carries the reweighted 𝛀̃.
func (p *Problem) makeHessian() {
	start := time.Now()

	size := p.orderingGeneric
	h := mat.NewDense(size, size, nil)
	b := mat.NewVecDense(size, nil)
	edgeIDs := p.sortedEdgeIDs()

	switch p.opts.Assembly {
	case AssemblySerial:
		p.makeHessianSerial(h, b, edgeIDs)
	case AssemblyPartitioned:
		p.makeHessianPartitioned(h, b, edgeIDs)
	default:
		p.makeHessianReduction(h, b, edgeIDs)
	}

	p.hessian = h
	p.b = b
	p.hessianCost += time.Since(start)

	p.foldPrior()

	p.deltaX = mat.NewVecDense(size, nil)
}

func (p *Problem) makeHessianSerial(h *mat.Dense, b *mat.VecDense, edgeIDs []uint64) {
	for _, id := range edgeIDs {
		accumulateEdge(p.edges[id], h, b, nil)
	}
}

// makeHessianPartitioned stripes the edge list over the workers by index
// modulo. Different stripes touch overlapping H blocks whenever two edges
// share a vertex, so both the H block writes and the b segment writes are
// serialized by one mutex.
func (p *Problem) makeHessianPartitioned(h *mat.Dense, b *mat.VecDense, edgeIDs []uint64) {
	var mu sync.Mutex
	var group errgroup.Group
	workers := p.opts.Workers
	for k := 0; k < workers; k++ {
		k := k
		group.Go(func() error {
			for i := k; i < len(edgeIDs); i += workers {
				accumulateEdge(p.edges[edgeIDs[i]], h, b, &mu)
			}
			return nil
		})
	}
	_ = group.Wait()
}

// makeHessianReduction gives every worker a private accumulator pair and
// sums them serially after the join. No shared mutation during the parallel
// phase.
func (p *Problem) makeHessianReduction(h *mat.Dense, b *mat.VecDense, edgeIDs []uint64) {
	size, _ := h.Dims()
	workers := p.opts.Workers
	partH := make([]*mat.Dense, workers)
	partB := make([]*mat.VecDense, workers)

	var group errgroup.Group
	for k := 0; k < workers; k++ {
		k := k
		partH[k] = mat.NewDense(size, size, nil)
		partB[k] = mat.NewVecDense(size, nil)
		group.Go(func() error {
			for i := k; i < len(edgeIDs); i += workers {
				accumulateEdge(p.edges[edgeIDs[i]], partH[k], partB[k], nil)
			}
			return nil
		})
	}
	_ = group.Wait()

	for k := 0; k < workers; k++ {
		h.Add(h, partH[k])
		b.AddVec(b, partB[k])
	}
}

// accumulateEdge linearizes one edge and adds its contribution to h and b.
// The products are computed first and committed under mu when given, so a
// shared accumulator sees only serialized writes.
func accumulateEdge(edge Edge, h *mat.Dense, b *mat.VecDense, mu *sync.Mutex) {
	edge.ComputeResidual()
	edge.ComputeJacobians()

	jacobians := edge.Jacobians()
	vertices := edge.Vertices()
	residual := edge.Residual()
	information := edge.Information()
	drho, robustInfo := edge.RobustInfo()

	type blockAdd struct {
		row, col int
		block    *mat.Dense
	}
	type segmentAdd struct {
		at      int
		segment *mat.VecDense
	}
	var hAdds []blockAdd
	var bAdds []segmentAdd

	for i, vi := range vertices {
		if vi.IsFixed() {
			continue
		}
		jacobianI := jacobians[i]
		indexI := vi.OrderingID()

		var jtW mat.Dense
		jtW.Mul(jacobianI.T(), robustInfo)

		for j := i; j < len(vertices); j++ {
			vj := vertices[j]
			if vj.IsFixed() {
				continue
			}
			indexJ := vj.OrderingID()

			hessian := new(mat.Dense)
			hessian.Mul(&jtW, jacobians[j])
			hAdds = append(hAdds, blockAdd{indexI, indexJ, hessian})
			if j != i {
				// Symmetric lower block.
				hAdds = append(hAdds, blockAdd{indexJ, indexI, mat.DenseCopyOf(hessian.T())})
			}
		}

		var weighted mat.VecDense
		weighted.MulVec(information, residual)
		grad := new(mat.VecDense)
		grad.MulVec(jacobianI.T(), &weighted)
		grad.ScaleVec(-drho, grad)
		bAdds = append(bAdds, segmentAdd{indexI, grad})
	}

	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	for _, add := range hAdds {
		addBlock(h, add.row, add.col, add.block)
	}
	for _, add := range bAdds {
		addSegment(b, add.at, add.segment)
	}
}

// foldPrior merges the quadratic prior into the pose block of H and b.
// Fixed pose vertices are held exactly, so their prior rows, columns and
// gradient entries are zeroed on working copies; the stored prior keeps
// them for later iterations.
func (p *Problem) foldPrior() {
	if p.hPrior == nil {
		return
	}
	rows, cols := p.hPrior.Dims()
	if rows == 0 {
		return
	}

	hPriorTmp := mat.DenseCopyOf(p.hPrior)
	bPriorTmp := mat.VecDenseCopyOf(p.bPrior)

	for _, id := range p.sortedVertexIDs() {
		vertex := p.vertices[id]
		if !isPoseVertex(vertex) || !vertex.IsFixed() {
			continue
		}
		idx := vertex.OrderingID()
		dim := vertex.LocalDimension()
		hPriorTmp.Slice(idx, idx+dim, 0, cols).(*mat.Dense).Zero()
		hPriorTmp.Slice(0, rows, idx, idx+dim).(*mat.Dense).Zero()
		bPriorTmp.SliceVec(idx, idx+dim).(*mat.VecDense).Zero()
	}

	addBlock(p.hessian, 0, 0, hPriorTmp)
	addSegment(p.b, 0, bPriorTmp)
}

func addBlock(dst *mat.Dense, row, col int, block mat.Matrix) {
	r, c := block.Dims()
	s := dst.Slice(row, row+r, col, col+c).(*mat.Dense)
	s.Add(s, block)
}

func addSegment(dst *mat.VecDense, at int, segment mat.Vector) {
	s := dst.SliceVec(at, at+segment.Len()).(*mat.VecDense)
	s.AddVec(s, segment)
}
