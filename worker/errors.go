// Copyright 2024 The taskmesh Authors
// This file is part of the taskmesh library.
//
// The taskmesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The taskmesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the taskmesh library. If not, see <http://www.gnu.org/licenses/>.

package worker

import "fmt"

// FatalError marks a condition that terminates the worker outright
// (spec.md §7, class 5). Run returns it when registration with the
// scheduler fails; nothing in this package returns it for a closed
// scheduler stream. Callers of Run should treat it as non-recoverable.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("worker: fatal: %s", e.Reason)
}

// InvariantError marks a validator assertion failure (spec.md §7, class 6):
// a programming error, not a runtime condition.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("worker: invariant violated: %s", e.Detail)
}

// illegalTransitionError is returned (and logged loudly) when the
// transition tables are asked to perform an edge they don't recognize.
type illegalTransitionError struct {
	kind     string
	key      Key
	from, to fmt.Stringer
}

func (e *illegalTransitionError) Error() string {
	return fmt.Sprintf("worker: illegal %s transition for %s: %s -> %s", e.kind, e.key, e.from, e.to)
}
