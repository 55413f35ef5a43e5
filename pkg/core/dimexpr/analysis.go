// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dimexpr

import (
	"fmt"
	"slices"

	"github.com/gomlx/opfusion/pkg/core/ir"
	"github.com/pkg/errors"
)

// Analysis is the shape-analysis oracle: it resolves the axes of ir.Values to
// symbolic size expressions and answers provable-equality queries between
// expressions.
//
// Axes of concrete dimensions resolve to Const sizes without any binding.
// Axes of dynamic dimensions (ir.DynamicDim) resolve to whatever expression
// was bound with Bind, or to a fresh stable symbol scoped to the value.
//
// Equality is canonical-form equality extended by equivalences declared with
// DeclareEqual. The oracle never proves inequalities or ordering: callers
// that need a size bound must be content with a concrete comparison or an
// exact-equality proof.
//
// Analysis is safe for concurrent readers once fully built (Bind and
// DeclareEqual done, every dynamic axis bound): queries on bound values don't
// mutate internal state. Fresh-symbol generation for unbound dynamic axes is
// not synchronized.
type Analysis struct {
	bound map[*ir.Value][]Expr

	// valueIDs names values for auto-generated symbols of unbound dynamic
	// axes: the ID is assigned on first query and stable thereafter.
	valueIDs map[*ir.Value]int

	// parent is a union-find forest over canonical expression strings,
	// recording declared equivalences.
	parent map[string]string
}

// NewAnalysis creates an empty shape analysis.
func NewAnalysis() *Analysis {
	return &Analysis{
		bound:    make(map[*ir.Value][]Expr),
		valueIDs: make(map[*ir.Value]int),
		parent:   make(map[string]string),
	}
}

// Bind associates one size expression per axis of v. It requires exactly one
// expression per axis, and concrete axes may only be bound to their own size.
func (a *Analysis) Bind(v *ir.Value, exprs ...Expr) error {
	if len(exprs) != v.Rank() {
		return errors.Errorf("dimexpr.Bind(%s): %d expressions for rank %d", v, len(exprs), v.Rank())
	}
	for axis, e := range exprs {
		dim := v.Dim(axis)
		if dim == ir.DynamicDim {
			continue
		}
		if static, ok := e.Static(); !ok || static != int64(dim) {
			return errors.Errorf("dimexpr.Bind(%s): axis %d has concrete dimension %d, cannot bind it to %s",
				v, axis, dim, e)
		}
	}
	a.bound[v] = slices.Clone(exprs)
	return nil
}

// DimExpr resolves the size expression of one axis of v.
func (a *Analysis) DimExpr(v *ir.Value, axis int) Expr {
	if exprs, found := a.bound[v]; found {
		return exprs[axis]
	}
	if dim := v.Dim(axis); dim != ir.DynamicDim {
		return Const(int64(dim))
	}
	// Unbound dynamic axis: a fresh symbol, stable per (value, axis).
	id, found := a.valueIDs[v]
	if !found {
		id = len(a.valueIDs)
		a.valueIDs[v] = id
	}
	return Sym(fmt.Sprintf("v%d_d%d", id, axis))
}

// ProductDimExpr returns the product of the size expressions of the selected
// axes of v. An empty axes selection yields Const(0), a sentinel the fusion
// policy treats as "nothing to compare" (it never reaches the symbolic
// equality proof through IsProductSmallerOrEqual).
func (a *Analysis) ProductDimExpr(v *ir.Value, axes []int) Expr {
	if len(axes) == 0 {
		return Const(0)
	}
	product := One
	for _, axis := range axes {
		product = product.Mul(a.DimExpr(v, axis))
	}
	return product
}

// DeclareEqual records that two expressions denote the same size, e.g. an
// input constraint like batch*heads == tokens. Symmetric and transitive.
func (a *Analysis) DeclareEqual(x, y Expr) {
	rootX, rootY := a.find(x.String()), a.find(y.String())
	if rootX != rootY {
		a.parent[rootX] = rootY
	}
}

// IsEqual reports whether the two expressions are provably the same size:
// either their canonical forms coincide, or they were declared equal.
func (a *Analysis) IsEqual(x, y Expr) bool {
	if x == y {
		return true
	}
	return a.find(x.String()) == a.find(y.String())
}

// find walks the equivalence forest without path compression, so concurrent
// IsEqual queries stay read-only.
func (a *Analysis) find(key string) string {
	for {
		next, found := a.parent[key]
		if !found || next == key {
			return key
		}
		key = next
	}
}
