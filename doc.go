// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package strata implements the core data structures for Strata, a
// deferred-execution task runtime over logical regions.
//
// A Strata program is a tree of tasks. Tasks name the data they use
// through region requirements: privilege and coherence declarations
// against logical regions. The runtime extracts parallelism by
// analyzing those requirements instead of executing tasks in program
// order. Logical regions are the cross product of an index space (a
// set of points) and a field space; partitions divide an index space
// into subspaces that may be recursively partitioned in turn.
//
// This package defines the name layer shared by the rest of the
// module: handles for index spaces, field spaces, regions and
// partitions; points, rectangles and domains; privileges, coherence
// modes and region requirements; reduction, projection and sharding
// operators. Package regiontree implements the shape and metadata
// behind the handles, package pipeline the operation stream, and
// package runtime the registration and startup surface.
package strata
