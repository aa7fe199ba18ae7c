// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import "gonum.org/v1/gonum/mat"

// Edge is a measurement factor connecting one or more vertices.
//
// The residual, Jacobians and information matrix are recomputed on demand
// through ComputeResidual/ComputeJacobians; both must be idempotent for a
// fixed parameter state. A robust kernel, when present, is reported through
// RobustInfo and RobustChi2; without a kernel RobustInfo returns (1, 𝛀) and
// RobustChi2 returns 𝐫ᵀ𝛀𝐫.
type Edge interface {
	// ID returns the stable identifier of the edge.
	ID() uint64
	// Vertices returns the incident vertices, aligned with Jacobians.
	Vertices() []Vertex
	// ComputeResidual re-evaluates the residual at the current parameters.
	ComputeResidual()
	// ComputeJacobians re-evaluates the Jacobian blocks at the current parameters.
	ComputeJacobians()
	// Jacobians returns one Dr×Dl block per incident vertex.
	Jacobians() []*mat.Dense
	// Residual returns the current residual vector.
	Residual() *mat.VecDense
	// Information returns the SPD information matrix 𝛀.
	Information() *mat.Dense
	// RobustInfo returns the robust weight ρ′ and the effective
	// information matrix 𝛀̃ derived from the current residual.
	RobustInfo() (drho float64, info *mat.Dense)
	// RobustChi2 returns the robustified squared error ρ(𝐫ᵀ𝛀𝐫).
	RobustChi2() float64
}
