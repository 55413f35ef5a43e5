// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

var F32 = dtypes.Float32

func TestGraphBuild(t *testing.T) {
	g := New("test")
	param := must.M1(g.AddOp("parameter", nil, Spec(F32, 8, DynamicDim)))
	x := param.Result(0)
	require.Equal(t, 2, x.Rank())
	require.Equal(t, 8, x.Dim(0))
	require.Equal(t, DynamicDim, x.Dim(1))
	require.Equal(t, param, x.Producer())

	exp := must.M1(g.AddOp("exp", []*Value{x}, Spec(F32, 8, DynamicDim)))
	sum := must.M1(g.AddOp("reduce_sum", []*Value{exp.Result(0)}, Spec(F32, 8)))
	require.Equal(t, []*Operation{param, exp, sum}, g.Operations())
	require.Equal(t, 2, sum.Index())
	require.Equal(t, 0, sum.OperandIdx(exp.Result(0)))
	require.Equal(t, -1, sum.OperandIdx(x))

	// Invalid dimensions and nil operands are rejected.
	_, err := g.AddOp("bad", nil, Spec(F32, 0))
	require.Error(t, err)
	_, err = g.AddOp("bad", []*Value{nil})
	require.Error(t, err)

	// Operands from another graph are rejected.
	g2 := New("other")
	foreign := must.M1(g2.AddOp("parameter", nil, Spec(F32, 2)))
	_, err = g.AddOp("bad", []*Value{foreign.Result(0)})
	require.Error(t, err)
}

func TestValueUsers(t *testing.T) {
	g := New("users")
	param := must.M1(g.AddOp("parameter", nil, Spec(F32, 4, 4)))
	x := param.Result(0)
	neg := must.M1(g.AddOp("neg", []*Value{x}, Spec(F32, 4, 4)))
	// mul consumes x twice: two usage entries.
	mul := must.M1(g.AddOp("mul", []*Value{x, x}, Spec(F32, 4, 4)))

	require.Equal(t, []*Operation{neg, mul, mul}, x.Users())
	require.Equal(t, 0, x.UsageIdx(neg))
	require.Equal(t, 1, x.UsageIdx(mul))

	// Asking about a non-consumer is a programmer error.
	other := must.M1(g.AddOp("parameter", nil, Spec(F32, 4)))
	require.Panics(t, func() { x.UsageIdx(other) })
	require.Panics(t, func() { x.Dim(2) })
}
