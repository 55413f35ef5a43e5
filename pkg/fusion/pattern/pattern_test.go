// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opfusion/pkg/core/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

var F32 = dtypes.Float32

// buildChain creates parameter -> exp -> reduce_sum -> scale.
func buildChain(t *testing.T) (g *ir.Graph, exp, sum, scale *ir.Operation) {
	g = ir.New("chain")
	param := must.M1(g.AddOp("parameter", nil, ir.Spec(F32, 8, 1024)))
	exp = must.M1(g.AddOp("exp", []*ir.Value{param.Result(0)}, ir.Spec(F32, 8, 1024)))
	sum = must.M1(g.AddOp("reduce_sum", []*ir.Value{exp.Result(0)}, ir.Spec(F32, 8)))
	scale = must.M1(g.AddOp("scale", []*ir.Value{sum.Result(0)}, ir.Spec(F32, 8)))
	return
}

func TestTrivialAndReduce(t *testing.T) {
	_, exp, sum, scale := buildChain(t)

	trivial := NewTrivial(scale)
	require.Equal(t, scale, trivial.Sink())

	reduce := NewReduce(sum, exp, sum)
	require.Equal(t, sum, reduce.ReduceOp())
	require.Equal(t, []*ir.Operation{exp, sum}, reduce.Ops())

	// Reduce defaults its op list to the reduction alone.
	require.Equal(t, []*ir.Operation{sum}, NewReduce(sum).Ops())

	require.Panics(t, func() { NewTrivial() })
	require.Panics(t, func() { NewReduce(sum, exp) })
}

func TestReduceTreeFlatten(t *testing.T) {
	g := ir.New("tree")
	param := must.M1(g.AddOp("parameter", nil, ir.Spec(F32, 8, 16, 32)))
	up := must.M1(g.AddOp("reduce_sum", []*ir.Value{param.Result(0)}, ir.Spec(F32, 8, 16)))
	mid := must.M1(g.AddOp("reduce_sum", []*ir.Value{up.Result(0)}, ir.Spec(F32, 8)))
	root := must.M1(g.AddOp("reduce_sum", []*ir.Value{mid.Result(0)}, ir.Spec(F32)))

	upPattern, midPattern, rootPattern := NewReduce(up), NewReduce(mid), NewReduce(root)
	tree := NewReduceTree(rootPattern, NewReduceTree(midPattern, NewReduceTree(upPattern)))

	// Root first, then children recursively.
	require.Equal(t, []*Reduce{rootPattern, midPattern, upPattern}, tree.Flatten())
	require.Equal(t, []*ir.Operation{root, mid, up}, tree.Ops())
	require.Len(t, tree.Children(), 1)
}

func TestInputValues(t *testing.T) {
	g := ir.New("inputs")
	a := must.M1(g.AddOp("parameter", nil, ir.Spec(F32, 4))).Result(0)
	b := must.M1(g.AddOp("parameter", nil, ir.Spec(F32, 4))).Result(0)
	add := must.M1(g.AddOp("add", []*ir.Value{a, b}, ir.Spec(F32, 4)))
	// mul reads the pattern-internal add result and re-reads a.
	mul := must.M1(g.AddOp("mul", []*ir.Value{add.Result(0), a}, ir.Spec(F32, 4)))

	inputs := InputValues(NewTrivial(add, mul))
	require.Equal(t, []*ir.Value{a, b}, inputs)
}

func TestNode(t *testing.T) {
	_, exp, sum, _ := buildChain(t)

	// Node ops are sorted to program order regardless of pattern order.
	node := NewNode(NewReduce(sum, sum, exp))
	require.Equal(t, []*ir.Operation{exp, sum}, node.Ops())
	require.Equal(t, sum, node.Sink())
	require.Equal(t, "{exp#1, reduce_sum#2}", node.String())
}
