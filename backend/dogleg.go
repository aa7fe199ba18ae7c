// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// dogLegRegion records which trust-region case produced the last step; the
// predicted reduction of the quadratic model depends on it.
type dogLegRegion int

const (
	regionGaussNewton dogLegRegion = iota
	regionCauchy
	regionHybrid
)

// solveDogLeg runs the Powell Dog-Leg outer loop. Each step blends the
// Gauss-Newton step with the steepest-descent (Cauchy) step inside the
// current trust radius; the radius adapts with the gain ratio.
func (p *Problem) solveDogLeg(iterations int) error {
	log := p.opts.Logger
	start := time.Now()

	p.setOrdering()
	p.makeHessian()
	p.computeRadiusInitDogLeg()

	stop := false
	iter := 0
	lastChi := math.MaxFloat64
	for !stop && iter < iterations {
		if log.enable(LogIter) {
			log.log("iter: %d , chi= %g , radius= %g\n", iter, p.currentChi, p.currentRadius)
		}
		oneStepSuccess := false
		falseCnt := 0
		for !oneStepSuccess && falseCnt < 10 {
			p.solveDogLegStep()
			p.updateStates()
			oneStepSuccess = p.isGoodStepInDogLeg()
			if oneStepSuccess {
				p.makeHessian()
				falseCnt = 0
			} else {
				falseCnt++
				p.rollbackStates()
				if log.enable(LogTrace) {
					log.log("  step rejected (%d), radius= %g\n", falseCnt, p.currentRadius)
				}
			}
		}
		iter++

		if lastChi-p.currentChi < 1e-5 || mat.Norm(p.b, 2) < 1e-5 {
			if log.enable(LogConv) {
				log.log("DogLeg converged: chi= %g after %d iterations\n", p.currentChi, iter)
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

// computeRadiusInitDogLeg evaluates the initial cost and seeds the trust
// radius.
func (p *Problem) computeRadiusInitDogLeg() {
	p.currentChi = 0
	for _, id := range p.sortedEdgeIDs() {
		// residuals are current: makeHessian just evaluated them
		p.currentChi += p.edges[id].RobustChi2()
	}
	if p.errPrior != nil {
		p.currentChi += mat.Dot(p.errPrior, p.errPrior)
	}
	p.currentChi *= 0.5

	p.stopThreshold = 1e-15 * p.currentChi
	p.currentRadius = 1e4
}

// solveDogLegStep computes the dog-leg increment:
//
//	h_gn inside the radius        → take h_gn
//	Cauchy point outside radius   → clipped steepest descent
//	otherwise                     → walk the leg h_dl = a + β(h_gn - a)
//
// The Gauss-Newton solve is undamped (λ = 0): Dog-Leg controls the step by
// the radius alone.
func (p *Problem) solveDogLegStep() {
	size := p.orderingGeneric
	p.hGN = mat.NewVecDense(size, nil)

	if p.problemType == GenericProblem {
		solveSPD(mat.DenseCopyOf(p.hessian), p.b, p.hGN)
	} else {
		p.solveLinearWithSchur(p.hessian, p.b, p.hGN,
			p.orderingPoses, p.orderingLandmarks, p.idxLandmarkVertices, 0)
	}

	var hb mat.VecDense
	hb.MulVec(p.hessian, p.b)
	p.alpha = mat.Dot(p.b, p.b) / mat.Dot(p.b, &hb)
	p.hSD = mat.VecDenseCopyOf(p.b)

	hgnNorm := mat.Norm(p.hGN, 2)
	hsdNorm := mat.Norm(p.hSD, 2)

	switch {
	case hgnNorm <= p.currentRadius:
		p.hDL = mat.VecDenseCopyOf(p.hGN)
		p.dlStep = regionGaussNewton
	case p.alpha*hsdNorm >= p.currentRadius:
		p.hDL = mat.NewVecDense(size, nil)
		p.hDL.ScaleVec(p.currentRadius/hsdNorm, p.hSD)
		p.dlStep = regionCauchy
	default:
		a := mat.NewVecDense(size, nil)
		a.ScaleVec(p.alpha, p.hSD)
		var diff mat.VecDense
		diff.SubVec(p.hGN, a)

		c := mat.Dot(a, &diff)
		diffSq := mat.Dot(&diff, &diff)
		aSq := mat.Dot(a, a)
		radiusSq := p.currentRadius * p.currentRadius
		sqrtScale := math.Sqrt(c*c + diffSq*(radiusSq-aSq))
		if c <= 0 {
			p.beta = (-c + sqrtScale) / diffSq
		} else {
			p.beta = (radiusSq - aSq) / (c + sqrtScale)
		}

		p.hDL = mat.VecDenseCopyOf(a)
		p.hDL.AddScaledVec(p.hDL, p.beta, &diff)
		p.dlStep = regionHybrid
	}
	p.deltaX = mat.VecDenseCopyOf(p.hDL)
}

// isGoodStepInDogLeg computes the gain ratio against the model reduction of
// the region that produced the step, then adapts the radius: grow past
// ρ > 0.75, shrink below ρ < 0.25.
func (p *Problem) isGoodStepInDogLeg() bool {
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

	bNorm := mat.Norm(p.b, 2)
	var scale float64
	switch p.dlStep {
	case regionGaussNewton:
		scale = p.currentChi
	case regionCauchy:
		scale = p.currentRadius * (2*p.alpha*bNorm - p.currentRadius) / (2 * p.alpha)
	default:
		scale = 0.5*p.alpha*(1-p.beta)*(1-p.beta)*bNorm*bNorm +
			p.beta*(2-p.beta)*p.currentChi
	}

	rho := (p.currentChi - tempChi) / scale
	finite := !math.IsNaN(tempChi) && !math.IsInf(tempChi, 0)

	if rho > 0.75 && finite {
		p.currentRadius = math.Max(p.currentRadius, 3*mat.Norm(p.deltaX, 2))
	} else if rho < 0.25 {
		p.currentRadius = math.Max(p.currentRadius*0.5, 1e-7)
	}

	if rho > 0 && finite {
		p.currentChi = tempChi
		return true
	}
	return false
}
