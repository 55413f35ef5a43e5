// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dimexpr

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opfusion/pkg/core/ir"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

var F32 = dtypes.Float32

func TestExprCanonicalForm(t *testing.T) {
	a, b := Sym("a"), Sym("b")

	// Products canonicalize: order of factors doesn't matter.
	require.Equal(t, a.Mul(b), b.Mul(a))
	require.Equal(t, Product(Const(2), a, b), Product(b, Const(2), a))
	require.Equal(t, "2*a*b", Product(Const(2), b, a).String())

	// Constants fold.
	p := Product(Const(4), Const(256))
	static, ok := p.Static()
	require.True(t, ok)
	require.Equal(t, int64(1024), static)

	// Zero annihilates symbols.
	require.Equal(t, Const(0), a.Mul(Const(0)))

	// Empty product is the identity.
	require.Equal(t, One, Product())

	// Symbolic expressions are not static.
	_, ok = a.Static()
	require.False(t, ok)

	require.Panics(t, func() { Sym("") })
	require.Panics(t, func() { Sym("a*b") })
}

func TestAnalysisDimExpr(t *testing.T) {
	g := ir.New("dims")
	an := NewAnalysis()
	param := must.M1(g.AddOp("parameter", nil, ir.Spec(F32, 8, ir.DynamicDim, ir.DynamicDim)))
	x := param.Result(0)

	// Concrete axes resolve without binding.
	require.Equal(t, Const(8), an.DimExpr(x, 0))

	// Unbound dynamic axes get stable, distinct symbols.
	require.Equal(t, an.DimExpr(x, 1), an.DimExpr(x, 1))
	require.NotEqual(t, an.DimExpr(x, 1), an.DimExpr(x, 2))

	// Bound axes resolve to the bound expressions.
	seq := Sym("seq")
	require.NoError(t, an.Bind(x, Const(8), seq, seq.Mul(Const(2))))
	require.Equal(t, seq, an.DimExpr(x, 1))
	require.Equal(t, Product(Const(16), seq), an.ProductDimExpr(x, []int{0, 2}))

	// The empty axes selection is the 0 sentinel.
	require.Equal(t, Const(0), an.ProductDimExpr(x, nil))

	// Arity and concrete-axis mismatches are rejected.
	require.Error(t, an.Bind(x, seq))
	require.Error(t, an.Bind(x, Const(7), seq, seq))
}

func TestAnalysisIsEqual(t *testing.T) {
	an := NewAnalysis()
	batch, heads, tokens := Sym("batch"), Sym("heads"), Sym("tokens")

	require.True(t, an.IsEqual(batch.Mul(heads), heads.Mul(batch)))
	require.False(t, an.IsEqual(batch.Mul(heads), tokens))

	// Declared equivalences are symmetric and transitive.
	an.DeclareEqual(batch.Mul(heads), tokens)
	an.DeclareEqual(tokens, Sym("rows"))
	require.True(t, an.IsEqual(tokens, batch.Mul(heads)))
	require.True(t, an.IsEqual(Sym("rows"), heads.Mul(batch)))
	require.False(t, an.IsEqual(batch, tokens))
}
