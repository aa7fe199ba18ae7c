// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// solveLM runs the Levenberg-Marquardt outer loop: propose a damped step,
// apply it, and accept or reject by Nielsen's gain-ratio law. A rejected
// step is rolled back and retried with a larger λ, up to 10 attempts per
// outer iteration.
func (p *Problem) solveLM(iterations int) error {
	log := p.opts.Logger
	start := time.Now()

	p.setOrdering()
	p.makeHessian()
	p.computeLambdaInitLM()

	stop := false
	iter := 0
	lastChi := math.MaxFloat64
	for !stop && iter < iterations {
		if log.enable(LogIter) {
			log.log("iter: %d , chi= %g , lambda= %g\n", iter, p.currentChi, p.currentLambda)
		}
		oneStepSuccess := false
		falseCnt := 0
		for !oneStepSuccess && falseCnt < 10 {
			p.solveLinearSystem()
			p.updateStates()
			oneStepSuccess = p.isGoodStepInLM()
			if oneStepSuccess {
				// Re-linearize at the accepted state.
				p.makeHessian()
				falseCnt = 0
			} else {
				falseCnt++
				p.rollbackStates()
				if log.enable(LogTrace) {
					log.log("  step rejected (%d), lambda= %g\n", falseCnt, p.currentLambda)
				}
			}
		}
		iter++

		if lastChi-p.currentChi < 1e-5 {
			if log.enable(LogConv) {
				log.log("LM converged: chi= %g after %d iterations\n", p.currentChi, iter)
			}
			stop = true
		}
		lastChi = p.currentChi
	}

	p.solveCost = time.Since(start)
	p.saveCost(p.solveCost, p.hessianCost)
	p.hessianCost = 0
	return nil
}

// computeLambdaInitLM seeds the damping from the largest Hessian diagonal,
// λ₀ = τ·max|H_ii| with τ = 10⁻⁵, and evaluates the initial robustified
// cost χ₀.
func (p *Problem) computeLambdaInitLM() {
	p.ni = 2
	p.currentLambda = -1
	p.currentChi = 0

	for _, id := range p.sortedEdgeIDs() {
		p.currentChi += p.edges[id].RobustChi2()
	}
	if p.errPrior != nil {
		p.currentChi += mat.Dot(p.errPrior, p.errPrior)
	}
	p.currentChi *= 0.5

	p.stopThreshold = 1e-10 * p.currentChi

	maxDiagonal := 0.0
	size, _ := p.hessian.Dims()
	for i := 0; i < size; i++ {
		maxDiagonal = math.Max(math.Abs(p.hessian.At(i, i)), maxDiagonal)
	}
	maxDiagonal = math.Min(5e10, maxDiagonal)

	const tau = 1e-5
	p.currentLambda = tau * maxDiagonal
}

// isGoodStepInLM computes the gain ratio ρ = (χ - χ')/L of the applied step
// and updates λ by Nielsen's rule. The 10⁻⁶ floor on L keeps tiny steps
// from dividing by zero and is part of the acceptance semantics.
func (p *Problem) isGoodStepInLM() bool {
	var damped mat.VecDense
	damped.ScaleVec(p.currentLambda, p.deltaX)
	damped.AddVec(&damped, p.b)
	scale := 0.5*mat.Dot(p.deltaX, &damped) + 1e-6

	// recompute residuals after the state update
	tempChi := 0.0
	for _, id := range p.sortedEdgeIDs() {
		edge := p.edges[id]
		edge.ComputeResidual()
		tempChi += edge.RobustChi2()
	}
	if p.errPrior != nil {
		tempChi += mat.Dot(p.errPrior, p.errPrior)
	}
	tempChi *= 0.5

	rho := (p.currentChi - tempChi) / scale

	if rho > 0 && !math.IsNaN(tempChi) && !math.IsInf(tempChi, 0) {
		alpha := 1 - math.Pow(2*rho-1, 3)
		alpha = math.Min(alpha, 2.0/3.0)
		scaleFactor := math.Max(1.0/3.0, alpha)
		p.currentLambda *= scaleFactor
		p.ni = 2
		p.currentChi = tempChi
		return true
	}
	p.currentLambda *= p.ni
	p.ni *= 2
	return false
}
