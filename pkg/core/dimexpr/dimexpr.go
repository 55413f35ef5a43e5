// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dimexpr provides symbolic tensor-dimension size expressions and the
// shape-analysis oracle the fusion policy queries.
//
// An Expr is kept in canonical product form (a concrete coefficient times a
// sorted product of named symbols), so two expressions built from the same
// factors are equal as Go values and can be used as map keys. The Analysis
// type binds expressions to the axes of ir.Values and answers the narrow
// oracle queries of the fusion policy: per-axis expression, product of
// selected axes and provable equality.
package dimexpr

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
)

// Expr is a symbolic dimension size in canonical product form:
// coeff × sym₁ × … × symₙ, with the symbol names sorted.
//
// The zero value is the constant 0. Expr is comparable: two Exprs are equal
// as Go values iff their canonical forms coincide.
type Expr struct {
	coeff int64

	// syms holds the sorted symbol names joined by "*", or "" for a
	// concrete expression.
	syms string
}

// Const returns a concrete size expression.
func Const(value int64) Expr {
	return Expr{coeff: value}
}

// One is the multiplicative identity.
var One = Const(1)

// Sym returns an opaque symbolic size named name. Names may not be empty nor
// contain the '*' separator.
func Sym(name string) Expr {
	if name == "" || strings.ContainsRune(name, '*') {
		exceptions.Panicf("dimexpr.Sym(%q): invalid symbol name", name)
	}
	return Expr{coeff: 1, syms: name}
}

// IsConcrete reports whether the expression has no symbolic factors.
func (e Expr) IsConcrete() bool { return e.syms == "" }

// Static returns the concrete value of the expression, and whether it is
// statically known.
func (e Expr) Static() (int64, bool) {
	if !e.IsConcrete() {
		return 0, false
	}
	return e.coeff, true
}

// Mul returns the canonical product of e and other.
func (e Expr) Mul(other Expr) Expr {
	coeff := e.coeff * other.coeff
	if coeff == 0 {
		return Expr{}
	}
	if e.syms == "" {
		return Expr{coeff: coeff, syms: other.syms}
	}
	if other.syms == "" {
		return Expr{coeff: coeff, syms: e.syms}
	}
	factors := append(strings.Split(e.syms, "*"), strings.Split(other.syms, "*")...)
	slices.Sort(factors)
	return Expr{coeff: coeff, syms: strings.Join(factors, "*")}
}

// Product multiplies all the given expressions. Product of no expressions is
// One.
func Product(exprs ...Expr) Expr {
	product := One
	for _, e := range exprs {
		product = product.Mul(e)
	}
	return product
}

// String implements fmt.Stringer: "1024", "S0" or "2*S0*S1".
func (e Expr) String() string {
	if e.syms == "" {
		return strconv.FormatInt(e.coeff, 10)
	}
	if e.coeff == 1 {
		return e.syms
	}
	return strconv.FormatInt(e.coeff, 10) + "*" + e.syms
}
