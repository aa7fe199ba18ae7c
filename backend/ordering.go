// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

// setOrdering assigns contiguous index ranges to every vertex, visiting
// vertices in ascending id so the result is deterministic. For SLAM
// problems pose-class vertices occupy [0, orderingPoses) and landmark-class
// vertices [orderingPoses, orderingGeneric).
func (p *Problem) setOrdering() {
	p.orderingPoses = 0
	p.orderingGeneric = 0
	p.orderingLandmarks = 0

	for _, id := range p.sortedVertexIDs() {
		vertex := p.vertices[id]
		if p.problemType == SLAMProblem {
			p.addOrderingSLAM(vertex)
		} else {
			vertex.SetOrderingID(p.orderingGeneric)
		}
		p.orderingGeneric += vertex.LocalDimension()
	}

	if p.problemType == SLAMProblem {
		// Shift landmarks behind the full pose block.
		allPoseDimension := p.orderingPoses
		for _, id := range sortedIDs(p.idxLandmarkVertices) {
			vertex := p.idxLandmarkVertices[id]
			vertex.SetOrderingID(vertex.OrderingID() + allPoseDimension)
		}
	}
}

func (p *Problem) addOrderingSLAM(vertex Vertex) {
	if isPoseVertex(vertex) {
		vertex.SetOrderingID(p.orderingPoses)
		p.idxPoseVertices[vertex.ID()] = vertex
		p.orderingPoses += vertex.LocalDimension()
	} else if isLandmarkVertex(vertex) {
		vertex.SetOrderingID(p.orderingLandmarks)
		p.idxLandmarkVertices[vertex.ID()] = vertex
		p.orderingLandmarks += vertex.LocalDimension()
	}
}

// CheckOrdering reports whether the assigned ordering forms the gap-free
// [poses | landmarks] partition.
func (p *Problem) CheckOrdering() bool {
	if p.problemType != SLAMProblem {
		return true
	}
	currentOrdering := 0
	for _, id := range sortedIDs(p.idxPoseVertices) {
		vertex := p.idxPoseVertices[id]
		if vertex.OrderingID() != currentOrdering {
			return false
		}
		currentOrdering += vertex.LocalDimension()
	}
	for _, id := range sortedIDs(p.idxLandmarkVertices) {
		vertex := p.idxLandmarkVertices[id]
		if vertex.OrderingID() != currentOrdering {
			return false
		}
		currentOrdering += vertex.LocalDimension()
	}
	return true
}
