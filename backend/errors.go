// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import "errors"

var (
	// ErrEmptyProblem is returned by Solve when the problem has no edges or no vertices.
	ErrEmptyProblem = errors.New("backend: cannot solve problem without edges or vertices")

	// ErrSolverMethod is returned by Solve for a method outside {LevenbergMarquardt, DogLeg}.
	ErrSolverMethod = errors.New("backend: unknown solver method")

	// ErrNoMargVertex is returned by Marginalize when no vertices are given.
	ErrNoMargVertex = errors.New("backend: marginalization requires at least one vertex")
)
