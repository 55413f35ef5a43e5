// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir provides the minimal operation/value graph the fusion policy reads.
//
// A Graph holds Operations in the order they were added: operations are only
// created after its operands have been created, so the slice of operations is
// a natural DAG ordering of the program. The fusion policy relies on this
// invariance to find the "sink" (externally visible) operation of a group of
// operations.
//
// Everything here is read-only after construction: the policy traverses
// operands, results and per-value consumer lists, and compares operations by
// pointer identity. It never mutates the graph.
package ir

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"slices"
)

// DynamicDim is the sentinel dimension for an axis whose size is only known
// symbolically. The shape-analysis oracle (package dimexpr) resolves such axes
// to symbolic expressions.
const DynamicDim = -1

// Graph owns a list of operations in program (DAG) order.
type Graph struct {
	name string
	ops  []*Operation
}

// New creates an empty Graph with the given name.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Operations in program order.
func (g *Graph) Operations() []*Operation { return g.ops }

// Operation is one node of the graph. Identity is pointer identity.
type Operation struct {
	graph    *Graph
	idx      int
	name     string
	operands []*Value
	results  []*Value
}

// Value is one tensor produced by an operation. Graph inputs are modeled as
// results of operand-less operations (e.g. a "parameter" operation), so every
// Value has a producer.
type Value struct {
	def       *Operation
	resultIdx int
	dtype     dtypes.DType
	dims      []int

	// uses lists the consumer operations in registration order, one entry
	// per use. The position of a consumer in this list is the value's
	// "usage index" for that consumer.
	uses []*Operation
}

// ValueSpec describes one result of an operation being added to a Graph.
// Dimensions must be positive or DynamicDim.
type ValueSpec struct {
	DType dtypes.DType
	Dims  []int
}

// Spec is a shortcut to create a ValueSpec.
func Spec(dtype dtypes.DType, dims ...int) ValueSpec {
	return ValueSpec{DType: dtype, Dims: dims}
}

// AddOp appends a new operation to the graph, with one result value per given
// ValueSpec. Operands must have been produced by operations of the same
// graph; the new operation is registered as a consumer of each operand, in
// operand order (a value consumed twice gets two usage entries).
func (g *Graph) AddOp(name string, operands []*Value, results ...ValueSpec) (*Operation, error) {
	for opIdx, operand := range operands {
		if operand == nil {
			return nil, errors.Errorf("Graph(%q).AddOp(%q): operand #%d is nil", g.name, name, opIdx)
		}
		if operand.def.graph != g {
			return nil, errors.Errorf("Graph(%q).AddOp(%q): operand #%d belongs to graph %q",
				g.name, name, opIdx, operand.def.graph.name)
		}
	}
	op := &Operation{
		graph:    g,
		idx:      len(g.ops),
		name:     name,
		operands: slices.Clone(operands),
	}
	op.results = make([]*Value, 0, len(results))
	for resultIdx, spec := range results {
		for _, dim := range spec.Dims {
			if dim <= 0 && dim != DynamicDim {
				return nil, errors.Errorf("Graph(%q).AddOp(%q): result #%d has invalid dimension %d",
					g.name, name, resultIdx, dim)
			}
		}
		op.results = append(op.results, &Value{
			def:       op,
			resultIdx: resultIdx,
			dtype:     spec.DType,
			dims:      slices.Clone(spec.Dims),
		})
	}
	for _, operand := range operands {
		operand.uses = append(operand.uses, op)
	}
	g.ops = append(g.ops, op)
	return op, nil
}

// Name of the operation, e.g. "reduce_sum".
func (op *Operation) Name() string { return op.name }

// Graph the operation belongs to.
func (op *Operation) Graph() *Graph { return op.graph }

// Index is the operation's position in the graph's program order.
func (op *Operation) Index() int { return op.idx }

// Operands of the operation.
func (op *Operation) Operands() []*Value { return op.operands }

// Operand returns the i-th operand.
func (op *Operation) Operand(i int) *Value { return op.operands[i] }

// Results of the operation.
func (op *Operation) Results() []*Value { return op.results }

// Result returns the i-th result value.
func (op *Operation) Result(i int) *Value { return op.results[i] }

// OperandIdx returns the position of the first operand that is v, or -1 if
// the operation doesn't consume v.
func (op *Operation) OperandIdx(v *Value) int {
	return slices.Index(op.operands, v)
}

// String implements fmt.Stringer.
func (op *Operation) String() string {
	return fmt.Sprintf("%s#%d", op.name, op.idx)
}

// Producer is the operation that created the value.
func (v *Value) Producer() *Operation { return v.def }

// ResultIdx is the value's position among its producer's results.
func (v *Value) ResultIdx() int { return v.resultIdx }

// DType of the value's elements.
func (v *Value) DType() dtypes.DType { return v.dtype }

// Rank is the number of axes of the value.
func (v *Value) Rank() int { return len(v.dims) }

// Dims returns the dimensions, with DynamicDim for symbolic axes.
func (v *Value) Dims() []int { return v.dims }

// Dim returns the dimension of the given axis. It panics if axis is
// out-of-range.
func (v *Value) Dim(axis int) int {
	if axis < 0 || axis >= len(v.dims) {
		exceptions.Panicf("ir.Value(%s).Dim(%d) out-of-bounds for rank %d", v, axis, v.Rank())
	}
	return v.dims[axis]
}

// Users returns the consumers of the value in registration order, one entry
// per use.
func (v *Value) Users() []*Operation { return v.uses }

// UsageIdx returns the ordinal of op among the value's consumers (the first
// use, if op consumes the value more than once). The caller must only ask
// about actual consumers; anything else is a malformed query and panics.
func (v *Value) UsageIdx(op *Operation) int {
	idx := slices.Index(v.uses, op)
	if idx < 0 {
		exceptions.Panicf("ir.Value(%s).UsageIdx(%s): operation is not a consumer of the value", v, op)
	}
	return idx
}

// String implements fmt.Stringer.
func (v *Value) String() string {
	return fmt.Sprintf("%%%s.%d", v.def, v.resultIdx)
}
