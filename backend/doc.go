// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backend implements a sparse nonlinear least-squares optimizer
// for graph-based SLAM.
//
// A Problem holds optimization variables (Vertex) and measurement factors
// (Edge). Each solve builds the Gauss-Newton normal equations
//
//	H 𝚫𝐱 = 𝐛  with  H = ∑ 𝐉ᵢᵀ𝛀̃𝐉ⱼ ,  𝐛 = -∑ ρ′𝐉ᵢᵀ𝛀𝐫
//
// from every edge, then iterates a trust-region driver (Levenberg-Marquardt
// or Powell's Dog-Leg) until the robustified cost stops decreasing.
//
// For SLAM problems the variable ordering places pose-class vertices before
// landmark-class vertices, and the linear system is reduced by a Schur
// complement that eliminates the block-diagonal landmark block before a
// dense factorization of the pose block. A sliding-window estimator can
// call Marginalize to fold a keyframe and its landmarks into a Gaussian
// prior on the remaining poses.
package backend
