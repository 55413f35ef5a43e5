// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pattern models fused statement groups as a closed sum of pattern
// kinds:
//
//   - Trivial: an elementwise/broadcast-like group with one designated sink
//     operation whose result is the group's externally visible output.
//   - Reduce: a group rooted at one reduction operation.
//   - ReduceTree: a tree of Reduce patterns, rooted at the downstream-most
//     reduction, whose children are upstream reductions already fused in.
//
// The sum is sealed (unexported marker method), so the fusion policy's
// dispatch is an exhaustive type switch: a new pattern kind forces an audit
// of every switch over Pattern.
//
// Patterns and Nodes are read-only inputs to the fusion policy; ownership
// stays with the fusion-group builder.
package pattern

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opfusion/pkg/core/ir"
	"github.com/gomlx/opfusion/pkg/support/sets"
	"slices"
)

// Pattern is the closed sum over statement-group kinds: *Trivial, *Reduce or
// *ReduceTree.
type Pattern interface {
	// Ops lists the operations of the group.
	Ops() []*ir.Operation

	pattern()
}

// Compile-time check of the closed sum.
var (
	_ Pattern = (*Trivial)(nil)
	_ Pattern = (*Reduce)(nil)
	_ Pattern = (*ReduceTree)(nil)
)

// Trivial is an elementwise/broadcast-like group.
type Trivial struct {
	ops  []*ir.Operation
	sink *ir.Operation
}

// NewTrivial creates a Trivial pattern over ops; the last op is the sink.
func NewTrivial(ops ...*ir.Operation) *Trivial {
	if len(ops) == 0 {
		exceptions.Panicf("pattern.NewTrivial: no operations")
	}
	return &Trivial{ops: slices.Clone(ops), sink: ops[len(ops)-1]}
}

func (t *Trivial) pattern() {}

// Ops implements Pattern.
func (t *Trivial) Ops() []*ir.Operation { return t.ops }

// Sink is the operation whose result is the group's visible output.
func (t *Trivial) Sink() *ir.Operation { return t.sink }

// Reduce is a group rooted at one reduction operation.
type Reduce struct {
	ops      []*ir.Operation
	reduceOp *ir.Operation
}

// NewReduce creates a Reduce pattern over ops, rooted at reduceOp. The
// reduction must be one of the group's operations.
func NewReduce(reduceOp *ir.Operation, ops ...*ir.Operation) *Reduce {
	if len(ops) == 0 {
		ops = []*ir.Operation{reduceOp}
	}
	if !slices.Contains(ops, reduceOp) {
		exceptions.Panicf("pattern.NewReduce: reduction %s is not among the group's operations", reduceOp)
	}
	return &Reduce{ops: slices.Clone(ops), reduceOp: reduceOp}
}

func (r *Reduce) pattern() {}

// Ops implements Pattern.
func (r *Reduce) Ops() []*ir.Operation { return r.ops }

// ReduceOp is the reduction operation rooting the group.
func (r *Reduce) ReduceOp() *ir.Operation { return r.reduceOp }

// ReduceTree is a tree of Reduce patterns: the root is the downstream-most
// reduction, children are upstream reduction trees already fused into the
// group.
type ReduceTree struct {
	root     *Reduce
	children []*ReduceTree
}

// NewReduceTree creates a tree with the given root and children.
func NewReduceTree(root *Reduce, children ...*ReduceTree) *ReduceTree {
	if root == nil {
		exceptions.Panicf("pattern.NewReduceTree: nil root")
	}
	return &ReduceTree{root: root, children: slices.Clone(children)}
}

// Root is the downstream-most Reduce pattern of the tree.
func (t *ReduceTree) Root() *Reduce { return t.root }

// Children are the upstream reduction trees fused into this group, in fusion
// order.
func (t *ReduceTree) Children() []*ReduceTree { return t.children }

// Flatten lists every Reduce pattern in the tree: root first, then each
// child's flattening in order. The order is significant: the policy's
// dependency finder uses first-match semantics over it.
func (t *ReduceTree) Flatten() []*Reduce {
	result := []*Reduce{t.root}
	for _, child := range t.children {
		result = append(result, child.Flatten()...)
	}
	return result
}

func (t *ReduceTree) pattern() {}

// Ops implements Pattern: the operations of every Reduce in the tree.
func (t *ReduceTree) Ops() []*ir.Operation {
	var ops []*ir.Operation
	for _, r := range t.Flatten() {
		ops = append(ops, r.Ops()...)
	}
	return ops
}

// InputValues lists the values read by the pattern's operations but produced
// outside the pattern, in first-encounter order.
func InputValues(p Pattern) []*ir.Value {
	ops := p.Ops()
	inside := sets.Make[*ir.Value]()
	for _, op := range ops {
		inside.Insert(op.Results()...)
	}
	var inputs []*ir.Value
	seen := sets.Make[*ir.Value]()
	for _, op := range ops {
		for _, operand := range op.Operands() {
			if inside.Has(operand) || seen.Has(operand) {
				continue
			}
			seen.Insert(operand)
			inputs = append(inputs, operand)
		}
	}
	return inputs
}

// OpsStr formats a list of operations for diagnostics.
func OpsStr(ops []*ir.Operation) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = op.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Node is one node of the fusion candidate graph: it owns one Pattern, the
// underlying operations in program order and the derived sink operation (the
// last operation in program order, whose output is externally observable).
type Node struct {
	p    Pattern
	ops  []*ir.Operation
	sink *ir.Operation
}

// NewNode wraps a Pattern into a fusion-graph node.
func NewNode(p Pattern) *Node {
	ops := slices.Clone(p.Ops())
	slices.SortFunc(ops, func(a, b *ir.Operation) int { return a.Index() - b.Index() })
	if len(ops) == 0 {
		exceptions.Panicf("pattern.NewNode: pattern has no operations")
	}
	return &Node{p: p, ops: ops, sink: ops[len(ops)-1]}
}

// Pattern of the node.
func (n *Node) Pattern() Pattern { return n.p }

// Ops lists the node's operations in program order.
func (n *Node) Ops() []*ir.Operation { return n.ops }

// Sink is the final operation of the node, whose output is externally
// observable.
func (n *Node) Sink() *ir.Operation { return n.sink }

// String implements fmt.Stringer.
func (n *Node) String() string { return OpsStr(n.ops) }
