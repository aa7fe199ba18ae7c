// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import "gonum.org/v1/gonum/mat"

// Type tags reported by Vertex.TypeInfo. The tag set is closed: the
// partitioner classifies every vertex as pose-class or landmark-class
// from these strings.
const (
	VertexPose         = "VertexPose"
	VertexSpeedBias    = "VertexSpeedBias"
	VertexPointXYZ     = "VertexPointXYZ"
	VertexInverseDepth = "VertexInverseDepth"
)

// Vertex is an optimization variable. The stored parameters may live on a
// manifold, in which case LocalDimension is the tangent-space size and Plus
// applies the retraction ⊞.
//
// Concrete vertices (pose, speed/bias, landmark) are defined by the caller;
// the optimizer only consumes this capability surface.
type Vertex interface {
	// ID returns the stable identifier of the vertex.
	ID() uint64
	// LocalDimension returns the tangent-space dimension.
	LocalDimension() int
	// TypeInfo returns one of the closed tag set above.
	TypeInfo() string
	// IsFixed reports whether the vertex is held constant during optimization.
	IsFixed() bool
	// OrderingID returns the dynamic ordering index, or -1 when unassigned.
	OrderingID() int
	// SetOrderingID assigns the dynamic ordering index.
	SetOrderingID(id int)
	// Plus applies the retraction x ⊞ delta to the stored parameters.
	Plus(delta *mat.VecDense)
	// BackUpParameters saves a single-level copy of the parameters.
	BackUpParameters()
	// RollBackParameters restores the parameters saved by BackUpParameters.
	RollBackParameters()
}

func isPoseVertex(v Vertex) bool {
	t := v.TypeInfo()
	return t == VertexPose || t == VertexSpeedBias
}

func isLandmarkVertex(v Vertex) bool {
	t := v.TypeInfo()
	return t == VertexPointXYZ || t == VertexInverseDepth
}
