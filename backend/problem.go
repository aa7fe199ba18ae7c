// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ProblemType selects the structure exploited by the linear solver.
type ProblemType int

const (
	// GenericProblem solves the full damped system directly.
	GenericProblem ProblemType = iota
	// SLAMProblem partitions variables into [poses | landmarks] and
	// eliminates the landmark block by a Schur complement.
	SLAMProblem
)

// SolverMethod selects the trust-region driver used by Solve.
type SolverMethod int

const (
	// LevenbergMarquardt damps the normal equations with λI and adapts λ
	// by Nielsen's control law.
	LevenbergMarquardt SolverMethod = iota
	// DogLeg blends the Gauss-Newton and steepest-descent steps inside an
	// adaptive trust radius.
	DogLeg
)

// AssemblyMode selects the Hessian assembly backend.
type AssemblyMode int

const (
	// AssemblyReduction runs workers with thread-local accumulators and a
	// serial reduction. Race-free by construction, the default.
	AssemblyReduction AssemblyMode = iota
	// AssemblySerial traverses all edges sequentially.
	AssemblySerial
	// AssemblyPartitioned stripes edges over workers writing to the shared
	// H and b under a mutex.
	AssemblyPartitioned
)

// DefaultCostLog is the per-solve cost log written when NewProblem is
// called with nil options.
const DefaultCostLog = "solver_cost.txt"

// Options configures a Problem. The zero value of every field selects a
// default; NewProblem(kind, nil) additionally enables the cost log at
// DefaultCostLog.
type Options struct {
	// Assembly selects the Hessian assembly backend.
	Assembly AssemblyMode
	// Workers is the worker count of the parallel backends (default 4).
	Workers int
	// PriorAmbientDim is the trailing span of the pose ordering that lies
	// outside the prior error representation (e.g. a camera-IMU extrinsic
	// appended after marginalization). When 0 the span is derived from the
	// prior square-root factor.
	PriorAmbientDim int
	// CostLog is the path of the per-solve timing log. Empty disables it.
	CostLog string
	// Logger receives iteration output. Nil disables all output.
	Logger *Logger
}

// Problem owns the vertices and edges of a factor graph and drives their
// optimization. It must not be shared between goroutines.
type Problem struct {
	problemType ProblemType
	opts        Options

	vertices     map[uint64]Vertex
	edges        map[uint64]Edge
	vertexToEdge map[uint64][]uint64

	idxPoseVertices     map[uint64]Vertex
	idxLandmarkVertices map[uint64]Vertex

	orderingPoses     int
	orderingLandmarks int
	orderingGeneric   int

	hessian *mat.Dense
	b       *mat.VecDense
	deltaX  *mat.VecDense

	hPrior         *mat.Dense
	bPrior         *mat.VecDense
	errPrior       *mat.VecDense
	bPriorBackup   *mat.VecDense
	errPriorBackup *mat.VecDense
	jtPriorInv     *mat.Dense

	currentLambda float64
	ni            float64
	currentChi    float64
	stopThreshold float64

	currentRadius float64
	alpha, beta   float64
	hGN, hSD, hDL *mat.VecDense
	dlStep        dogLegRegion

	nextVertexID uint64
	nextEdgeID   uint64

	hessianCost time.Duration
	solveCost   time.Duration
}

// NewProblem creates an empty problem of the given kind. Passing nil
// options selects the reduction assembly backend with 4 workers and the
// default cost log.
func NewProblem(problemType ProblemType, opts *Options) *Problem {
	var o Options
	if opts != nil {
		o = *opts
	} else {
		o.CostLog = DefaultCostLog
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	return &Problem{
		problemType:         problemType,
		opts:                o,
		vertices:            make(map[uint64]Vertex),
		edges:               make(map[uint64]Edge),
		vertexToEdge:        make(map[uint64][]uint64),
		idxPoseVertices:     make(map[uint64]Vertex),
		idxLandmarkVertices: make(map[uint64]Vertex),
	}
}

// NextVertexID allocates a fresh vertex identifier scoped to this problem.
func (p *Problem) NextVertexID() uint64 {
	id := p.nextVertexID
	p.nextVertexID++
	return id
}

// NextEdgeID allocates a fresh edge identifier scoped to this problem.
func (p *Problem) NextEdgeID() uint64 {
	id := p.nextEdgeID
	p.nextEdgeID++
	return id
}

// AddVertex registers a vertex. Duplicated identifiers are rejected.
// Adding a pose-class vertex to a SLAM problem grows the prior matrices by
// its local dimension, keeping H_prior square over the full pose ordering.
func (p *Problem) AddVertex(vertex Vertex) bool {
	if _, ok := p.vertices[vertex.ID()]; ok {
		if p.opts.Logger.enable(LogTrace) {
			p.opts.Logger.log("vertex %d has been added before\n", vertex.ID())
		}
		return false
	}
	p.vertices[vertex.ID()] = vertex
	if vertex.ID() >= p.nextVertexID {
		p.nextVertexID = vertex.ID() + 1
	}
	if p.problemType == SLAMProblem && isPoseVertex(vertex) {
		p.growPrior(vertex.LocalDimension())
	}
	return true
}

// RemoveVertex unregisters a vertex together with every incident edge.
func (p *Problem) RemoveVertex(vertex Vertex) bool {
	if _, ok := p.vertices[vertex.ID()]; !ok {
		if p.opts.Logger.enable(LogTrace) {
			p.opts.Logger.log("vertex %d is not in the problem\n", vertex.ID())
		}
		return false
	}

	for _, edge := range p.GetConnectedEdges(vertex) {
		p.RemoveEdge(edge)
	}

	if isPoseVertex(vertex) {
		delete(p.idxPoseVertices, vertex.ID())
	} else {
		delete(p.idxLandmarkVertices, vertex.ID())
	}

	vertex.SetOrderingID(-1)
	delete(p.vertices, vertex.ID())
	delete(p.vertexToEdge, vertex.ID())
	return true
}

// AddEdge registers an edge. Duplicated identifiers are rejected, and every
// incident vertex must already be in the problem.
func (p *Problem) AddEdge(edge Edge) bool {
	if _, ok := p.edges[edge.ID()]; ok {
		if p.opts.Logger.enable(LogTrace) {
			p.opts.Logger.log("edge %d has been added before\n", edge.ID())
		}
		return false
	}
	for _, vertex := range edge.Vertices() {
		if _, ok := p.vertices[vertex.ID()]; !ok {
			if p.opts.Logger.enable(LogTrace) {
				p.opts.Logger.log("edge %d references unknown vertex %d\n", edge.ID(), vertex.ID())
			}
			return false
		}
	}
	p.edges[edge.ID()] = edge
	if edge.ID() >= p.nextEdgeID {
		p.nextEdgeID = edge.ID() + 1
	}
	for _, vertex := range edge.Vertices() {
		p.vertexToEdge[vertex.ID()] = append(p.vertexToEdge[vertex.ID()], edge.ID())
	}
	return true
}

// RemoveEdge unregisters an edge and its incidence entries.
func (p *Problem) RemoveEdge(edge Edge) bool {
	if _, ok := p.edges[edge.ID()]; !ok {
		if p.opts.Logger.enable(LogTrace) {
			p.opts.Logger.log("edge %d is not in the problem\n", edge.ID())
		}
		return false
	}
	delete(p.edges, edge.ID())
	for _, vertex := range edge.Vertices() {
		ids := p.vertexToEdge[vertex.ID()]
		if i := slices.Index(ids, edge.ID()); i >= 0 {
			p.vertexToEdge[vertex.ID()] = slices.Delete(ids, i, i+1)
		}
	}
	return true
}

// GetConnectedEdges returns the edges incident to the vertex, skipping any
// incidence entry whose edge has been removed.
func (p *Problem) GetConnectedEdges(vertex Vertex) []Edge {
	var edges []Edge
	for _, id := range p.vertexToEdge[vertex.ID()] {
		if edge, ok := p.edges[id]; ok {
			edges = append(edges, edge)
		}
	}
	return edges
}

// VertexCount returns the number of registered vertices.
func (p *Problem) VertexCount() int { return len(p.vertices) }

// EdgeCount returns the number of registered edges.
func (p *Problem) EdgeCount() int { return len(p.edges) }

// Chi2 returns the robustified cost ½(∑ρ(𝐫ᵀ𝛀𝐫) + ‖err_prior‖²) of the last
// accepted state.
func (p *Problem) Chi2() float64 { return p.currentChi }

// Hessian returns the assembled normal matrix of the last linearization.
func (p *Problem) Hessian() *mat.Dense { return p.hessian }

// Gradient returns the assembled right-hand side b of the last linearization.
func (p *Problem) Gradient() *mat.VecDense { return p.b }

// DeltaX returns the last solved increment.
func (p *Problem) DeltaX() *mat.VecDense { return p.deltaX }

// HessianPrior returns the quadratic prior matrix, or nil when absent.
func (p *Problem) HessianPrior() *mat.Dense { return p.hPrior }

// BPrior returns the prior right-hand side, or nil when absent.
func (p *Problem) BPrior() *mat.VecDense { return p.bPrior }

// ErrPrior returns the prior error vector, or nil when absent.
func (p *Problem) ErrPrior() *mat.VecDense { return p.errPrior }

// JtPriorInv returns the inverse transposed square-root factor of the prior.
func (p *Problem) JtPriorInv() *mat.Dense { return p.jtPriorInv }

// SetHessianPrior installs an externally computed prior matrix.
func (p *Problem) SetHessianPrior(h *mat.Dense) { p.hPrior = h }

// SetBPrior installs an externally computed prior right-hand side.
func (p *Problem) SetBPrior(b *mat.VecDense) { p.bPrior = b }

// SetErrPrior installs an externally computed prior error vector.
func (p *Problem) SetErrPrior(e *mat.VecDense) { p.errPrior = e }

// SetJtPriorInv installs an externally computed prior square-root factor.
func (p *Problem) SetJtPriorInv(j *mat.Dense) { p.jtPriorInv = j }

// ExtendHessiansPriorSize grows the prior matrices by dim zeroed rows and
// columns, for lazy prior growth driven by an external marginalization.
func (p *Problem) ExtendHessiansPriorSize(dim int) {
	p.growPrior(dim)
}

func (p *Problem) growPrior(dim int) {
	if dim <= 0 {
		return
	}
	old := 0
	if p.hPrior != nil {
		old, _ = p.hPrior.Dims()
	}
	size := old + dim
	h := mat.NewDense(size, size, nil)
	b := mat.NewVecDense(size, nil)
	if old > 0 {
		h.Slice(0, old, 0, old).(*mat.Dense).Copy(p.hPrior)
		b.SliceVec(0, old).(*mat.VecDense).CopyVec(p.bPrior)
	}
	p.hPrior, p.bPrior = h, b
}

// Solve runs the selected trust-region driver for at most the given number
// of outer iterations.
func (p *Problem) Solve(method SolverMethod, iterations int) error {
	if len(p.edges) == 0 || len(p.vertices) == 0 {
		return ErrEmptyProblem
	}
	switch method {
	case LevenbergMarquardt:
		return p.solveLM(iterations)
	case DogLeg:
		return p.solveDogLeg(iterations)
	default:
		return fmt.Errorf("%w: %d", ErrSolverMethod, method)
	}
}

func mapKeysSorted[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (p *Problem) sortedVertexIDs() []uint64 {
	return mapKeysSorted(p.vertices)
}

func (p *Problem) sortedEdgeIDs() []uint64 {
	return mapKeysSorted(p.edges)
}

func sortedIDs(m map[uint64]Vertex) []uint64 {
	return mapKeysSorted(m)
}

func (p *Problem) saveCost(times ...time.Duration) {
	if p.opts.CostLog == "" {
		return
	}
	f, err := os.OpenFile(p.opts.CostLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if p.opts.Logger.enable(LogTrace) {
			p.opts.Logger.log("cannot open cost log: %v\n", err)
		}
		return
	}
	defer f.Close()
	for i, d := range times {
		sep := " "
		if i == len(times)-1 {
			sep = "\n"
		}
		_, _ = fmt.Fprintf(f, "%f%s", float64(d.Nanoseconds())/1e6, sep)
	}
}
