// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import "gonum.org/v1/gonum/mat"

// updateStates applies the solved increment to every vertex through its
// retraction and propagates the prior by a first-order Taylor expansion.
// Everything mutated here is backed up first so a rejected step can be
// rolled back exactly.
func (p *Problem) updateStates() {
	for _, id := range p.sortedVertexIDs() {
		vertex := p.vertices[id]
		vertex.BackUpParameters()

		idx := vertex.OrderingID()
		dim := vertex.LocalDimension()
		delta := mat.VecDenseCopyOf(p.deltaX.SliceVec(idx, idx+dim))
		vertex.Plus(delta)
	}

	if p.errPrior == nil {
		return
	}
	p.bPriorBackup = mat.VecDenseCopyOf(p.bPrior)
	p.errPriorBackup = mat.VecDenseCopyOf(p.errPrior)

	// b' = b - H_prior·𝚫𝐱_pose, err' = -J⁻ᵀ·b'[0:span]
	var hDelta mat.VecDense
	hDelta.MulVec(p.hPrior, p.deltaX.SliceVec(0, p.orderingPoses))
	p.bPrior.SubVec(p.bPrior, &hDelta)

	span := p.priorErrSpan()
	err := new(mat.VecDense)
	err.MulVec(p.jtPriorInv, p.bPrior.SliceVec(0, span))
	err.ScaleVec(-1, err)
	p.errPrior = err
}

// priorErrSpan is the leading span of b_prior covered by the prior error
// representation. The remainder is ambient state appended after the last
// marginalization (configured via Options.PriorAmbientDim, or derived from
// the square-root factor).
func (p *Problem) priorErrSpan() int {
	if p.opts.PriorAmbientDim > 0 {
		return p.orderingPoses - p.opts.PriorAmbientDim
	}
	_, cols := p.jtPriorInv.Dims()
	return cols
}

// rollbackStates restores every vertex and the prior to the values saved by
// the preceding updateStates.
func (p *Problem) rollbackStates() {
	for _, id := range p.sortedVertexIDs() {
		p.vertices[id].RollBackParameters()
	}
	if p.errPrior == nil {
		return
	}
	p.bPrior = p.bPriorBackup
	p.errPrior = p.errPriorBackup
}
