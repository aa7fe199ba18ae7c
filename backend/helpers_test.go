// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// vecVertex is a flat Euclidean test variable: the ambient and tangent
// spaces coincide and Plus is plain addition.
type vecVertex struct {
	id       uint64
	tag      string
	fixed    bool
	ordering int
	params   []float64
	backup   []float64
}

func newVecVertex(id uint64, tag string, params ...float64) *vecVertex {
	return &vecVertex{id: id, tag: tag, ordering: -1, params: slices.Clone(params)}
}

func (v *vecVertex) ID() uint64           { return v.id }
func (v *vecVertex) LocalDimension() int  { return len(v.params) }
func (v *vecVertex) TypeInfo() string     { return v.tag }
func (v *vecVertex) IsFixed() bool        { return v.fixed }
func (v *vecVertex) OrderingID() int      { return v.ordering }
func (v *vecVertex) SetOrderingID(id int) { v.ordering = id }
func (v *vecVertex) BackUpParameters()    { v.backup = slices.Clone(v.params) }
func (v *vecVertex) RollBackParameters()  { v.params = slices.Clone(v.backup) }

func (v *vecVertex) Plus(delta *mat.VecDense) {
	for i := range v.params {
		v.params[i] += delta.AtVec(i)
	}
}

// baseEdge carries the storage and default (kernel-free) robust behaviour
// shared by all test edges.
type baseEdge struct {
	id          uint64
	vertices    []Vertex
	residual    *mat.VecDense
	jacobians   []*mat.Dense
	information *mat.Dense
}

func (e *baseEdge) ID() uint64              { return e.id }
func (e *baseEdge) Vertices() []Vertex      { return e.vertices }
func (e *baseEdge) Jacobians() []*mat.Dense { return e.jacobians }
func (e *baseEdge) Residual() *mat.VecDense { return e.residual }
func (e *baseEdge) Information() *mat.Dense { return e.information }

func (e *baseEdge) RobustInfo() (float64, *mat.Dense) { return 1, e.information }

func (e *baseEdge) RobustChi2() float64 {
	var weighted mat.VecDense
	weighted.MulVec(e.information, e.residual)
	return mat.Dot(e.residual, &weighted)
}

// unaryEdge measures a vertex directly: r = x - z, J = I.
type unaryEdge struct {
	baseEdge
	v *vecVertex
	z []float64
}

func newUnaryEdge(id uint64, v *vecVertex, z ...float64) *unaryEdge {
	e := &unaryEdge{v: v, z: slices.Clone(z)}
	e.id = id
	e.vertices = []Vertex{v}
	e.information = identity(len(z))
	return e
}

func (e *unaryEdge) ComputeResidual() {
	r := mat.NewVecDense(len(e.z), nil)
	for i := range e.z {
		r.SetVec(i, e.v.params[i]-e.z[i])
	}
	e.residual = r
}

func (e *unaryEdge) ComputeJacobians() {
	e.jacobians = []*mat.Dense{identity(len(e.z))}
}

// diffEdge measures the difference of two vertices: r = x_j - x_i - z.
type diffEdge struct {
	baseEdge
	vi, vj *vecVertex
	z      []float64
}

func newDiffEdge(id uint64, vi, vj *vecVertex, z ...float64) *diffEdge {
	e := &diffEdge{vi: vi, vj: vj, z: slices.Clone(z)}
	e.id = id
	e.vertices = []Vertex{vi, vj}
	e.information = identity(len(z))
	return e
}

func (e *diffEdge) ComputeResidual() {
	r := mat.NewVecDense(len(e.z), nil)
	for i := range e.z {
		r.SetVec(i, e.vj.params[i]-e.vi.params[i]-e.z[i])
	}
	e.residual = r
}

func (e *diffEdge) ComputeJacobians() {
	n := len(e.z)
	ji := identity(n)
	ji.Scale(-1, ji)
	e.jacobians = []*mat.Dense{ji, identity(n)}
}

// obsEdge is a linearized landmark observation: r = l - A·p - z with a
// per-edge 3×6 projection A, so the pose block of H gains rank across
// edges.
type obsEdge struct {
	baseEdge
	pose     *vecVertex
	landmark *vecVertex
	a        *mat.Dense // 3×6
	z        []float64
}

func newObsEdge(id uint64, pose, landmark *vecVertex, a *mat.Dense, z ...float64) *obsEdge {
	e := &obsEdge{pose: pose, landmark: landmark, a: a, z: slices.Clone(z)}
	e.id = id
	e.vertices = []Vertex{pose, landmark}
	e.information = identity(3)
	return e
}

func (e *obsEdge) ComputeResidual() {
	p := mat.NewVecDense(len(e.pose.params), slices.Clone(e.pose.params))
	var ap mat.VecDense
	ap.MulVec(e.a, p)
	r := mat.NewVecDense(3, nil)
	for i := 0; i < 3; i++ {
		r.SetVec(i, e.landmark.params[i]-ap.AtVec(i)-e.z[i])
	}
	e.residual = r
}

func (e *obsEdge) ComputeJacobians() {
	jp := mat.DenseCopyOf(e.a)
	jp.Scale(-1, jp)
	e.jacobians = []*mat.Dense{jp, identity(3)}
}

// invDepthEdge couples a pose with a one-dimensional inverse-depth
// landmark: r = d + w·p - z.
type invDepthEdge struct {
	baseEdge
	pose  *vecVertex
	depth *vecVertex
	w     []float64
	z     float64
}

func newInvDepthEdge(id uint64, pose, depth *vecVertex, w []float64, z float64) *invDepthEdge {
	e := &invDepthEdge{pose: pose, depth: depth, w: slices.Clone(w), z: z}
	e.id = id
	e.vertices = []Vertex{pose, depth}
	e.information = identity(1)
	return e
}

func (e *invDepthEdge) ComputeResidual() {
	sum := e.depth.params[0] - e.z
	for i, w := range e.w {
		sum += w * e.pose.params[i]
	}
	e.residual = mat.NewVecDense(1, []float64{sum})
}

func (e *invDepthEdge) ComputeJacobians() {
	jp := mat.NewDense(1, len(e.w), slices.Clone(e.w))
	jl := mat.NewDense(1, 1, []float64{1})
	e.jacobians = []*mat.Dense{jp, jl}
}

// huberEdge wraps a unary measurement with a Huber-style kernel. Past the
// threshold the weight drops to ρ′ = δ/‖r‖_Ω and the effective information
// gains a rank-one term, so 𝛀̃ ≠ ρ′𝛀 and the assembly asymmetry between H
// and b becomes observable.
type huberEdge struct {
	*unaryEdge
	delta float64
}

func (e *huberEdge) kernel() (drho float64, active bool) {
	chi2 := e.unaryEdge.RobustChi2()
	if chi2 <= e.delta*e.delta {
		return 1, false
	}
	return e.delta / math.Sqrt(chi2), true
}

func (e *huberEdge) RobustInfo() (float64, *mat.Dense) {
	drho, active := e.kernel()
	if !active {
		return 1, e.information
	}
	var wr mat.VecDense
	wr.MulVec(e.information, e.residual)
	info := mat.DenseCopyOf(e.information)
	info.Scale(drho, info)
	var outer mat.Dense
	outer.Outer(0.05, &wr, &wr)
	info.Add(info, &outer)
	return drho, info
}

func (e *huberEdge) RobustChi2() float64 {
	chi2 := e.unaryEdge.RobustChi2()
	if chi2 <= e.delta*e.delta {
		return chi2
	}
	return 2*e.delta*math.Sqrt(chi2) - e.delta*e.delta
}

func identity(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

func almostEqual(want, got []float64, tol float64) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > tol {
			return false
		}
	}
	return true
}

func maxAbsDiff(a, b mat.Matrix) float64 {
	ra, ca := a.Dims()
	diff := 0.0
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			diff = math.Max(diff, math.Abs(a.At(i, j)-b.At(i, j)))
		}
	}
	return diff
}

// approxJacobian estimates ∂r/∂v by central differences, for validating
// the analytic Jacobians of the fixtures.
func approxJacobian(e Edge, v *vecVertex) *mat.Dense {
	const step = 1e-6
	e.ComputeResidual()
	m := e.Residual().Len()
	n := v.LocalDimension()
	jac := mat.NewDense(m, n, nil)
	for col := 0; col < n; col++ {
		orig := v.params[col]
		v.params[col] = orig + step
		e.ComputeResidual()
		plus := mat.VecDenseCopyOf(e.Residual())
		v.params[col] = orig - step
		e.ComputeResidual()
		minus := mat.VecDenseCopyOf(e.Residual())
		v.params[col] = orig
		for row := 0; row < m; row++ {
			jac.Set(row, col, (plus.AtVec(row)-minus.AtVec(row))/(2*step))
		}
	}
	e.ComputeResidual()
	return jac
}

// buildBAProblem creates a bundle-adjustment style SLAM problem:
// numPoses anchored 6-dof poses, numLandmarks 3-dof points, every landmark
// observed from every pose through a random projection.
func buildBAProblem(opts *Options, numPoses, numLandmarks int, rng *rand.Rand) (*Problem, []*vecVertex, []*vecVertex) {
	p := NewProblem(SLAMProblem, opts)

	poses := make([]*vecVertex, numPoses)
	for i := range poses {
		params := randomSlice(rng, 6)
		poses[i] = newVecVertex(p.NextVertexID(), VertexPose, params...)
		p.AddVertex(poses[i])
	}
	landmarks := make([]*vecVertex, numLandmarks)
	for i := range landmarks {
		params := randomSlice(rng, 3)
		landmarks[i] = newVecVertex(p.NextVertexID(), VertexPointXYZ, params...)
		p.AddVertex(landmarks[i])
	}

	for _, pose := range poses {
		p.AddEdge(newUnaryEdge(p.NextEdgeID(), pose, randomSlice(rng, 6)...))
		for _, landmark := range landmarks {
			a := mat.NewDense(3, 6, randomSlice(rng, 18))
			p.AddEdge(newObsEdge(p.NextEdgeID(), pose, landmark, a, randomSlice(rng, 3)...))
		}
	}
	return p, poses, landmarks
}

func randomSlice(rng *rand.Rand, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = rng.Float64()*2 - 1
	}
	return s
}
