// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package policy decides whether two candidate fusion-group nodes may be
// legally and profitably merged into one fused kernel.
//
// The decision reasons about symbolic tensor-shape relationships between the
// dimensions each node reads, preserves and reduces -- never about the
// operations' numeric semantics. The single entry point consumed by the
// fusion-group builder is RelativeJudge.CanFuse; the remaining exported
// operations are the building blocks it dispatches to, exported so they can
// be exercised independently.
//
// Every query is a pure, synchronous read over its inputs: the policy
// mutates nothing, holds no locks and keeps no per-query state. Independent
// queries may run concurrently as long as the underlying graph, signatures
// and shape analysis are safe for concurrent reads.
package policy

import (
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/opfusion/pkg/core/axes"
	"github.com/gomlx/opfusion/pkg/core/dimexpr"
	"github.com/gomlx/opfusion/pkg/core/ir"
	"github.com/gomlx/opfusion/pkg/fusion/pattern"
	"github.com/gomlx/opfusion/pkg/support/sets"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// ShapeAnalysis is the symbolic shape oracle the policy queries. Implemented
// by dimexpr.Analysis; kept narrow so the policy is testable with a stub.
type ShapeAnalysis interface {
	// DimExpr resolves the size expression of one axis of v.
	DimExpr(v *ir.Value, axis int) dimexpr.Expr

	// ProductDimExpr returns the product of the size expressions of the
	// selected axes of v.
	ProductDimExpr(v *ir.Value, axesIdx []int) dimexpr.Expr

	// IsEqual reports whether two size expressions are provably the same.
	IsEqual(x, y dimexpr.Expr) bool
}

// SignatureProvider returns the shardable-axes signature of an operation,
// when the axis-inference collaborator produced one. Implemented by
// axes.Manager.
type SignatureProvider interface {
	Signature(op *ir.Operation) (axes.Signature, bool)
}

// RelativeJudge is the merge-legality policy: it judges a candidate
// (upstream, downstream) node pair by the relative shape of the dimensions
// involved.
type RelativeJudge struct {
	shape ShapeAnalysis
	sigs  SignatureProvider
}

// NewRelativeJudge creates the policy over the given collaborators.
func NewRelativeJudge(shape ShapeAnalysis, sigs SignatureProvider) *RelativeJudge {
	return &RelativeJudge{shape: shape, sigs: sigs}
}

// CanFuse decides whether upstream may be merged into downstream. It
// dispatches purely on the pattern kind of each side:
//
//   - reduce-tree into trivial: ReducePlusTrivialCanMerge;
//   - reduce-tree into reduce-tree: ReduceTreeGrownCanMerge;
//   - any other combination is always mergeable.
//
// A false verdict is a normal outcome of the search, not an error: the
// caller simply doesn't merge this edge.
func (j *RelativeJudge) CanFuse(upstream, downstream *pattern.Node) bool {
	if _, ok := upstream.Pattern().(*pattern.ReduceTree); ok {
		switch downstream.Pattern().(type) {
		case *pattern.Trivial:
			return j.ReducePlusTrivialCanMerge(upstream, downstream)
		case *pattern.ReduceTree:
			return j.ReduceTreeGrownCanMerge(upstream, downstream)
		}
	}
	return true // Other case.
}

// mustSignature returns the signature of op. The axis-inference collaborator
// guarantees signatures for every operation the policy splits; a missing one
// is a malformed setup.
func (j *RelativeJudge) mustSignature(op *ir.Operation) axes.Signature {
	sig, found := j.sigs.Signature(op)
	if !found {
		exceptions.Panicf("policy: no shardable-axes signature registered for operation %s", op)
	}
	return sig
}

// axisName resolves the shardable axis name of a dimension usage: from the
// signature of the consuming operation at the recorded use-site, falling back
// to the producer's output signature when the consumer has none (e.g. the
// group's yield). Empty when neither side names the axis.
func (j *RelativeJudge) axisName(d DimUsage) string {
	users := d.Value.Users()
	if d.UsageIdx < len(users) {
		user := users[d.UsageIdx]
		if sig, found := j.sigs.Signature(user); found {
			operandIdx := user.OperandIdx(d.Value)
			if operandIdx >= 0 && operandIdx < len(sig.Inputs) && d.Axis < len(sig.Inputs[operandIdx].Names) {
				return sig.Inputs[operandIdx].Names[d.Axis]
			}
		}
	}
	if sig, found := j.sigs.Signature(d.Value.Producer()); found {
		resultIdx := d.Value.ResultIdx()
		if resultIdx < len(sig.Outputs) && d.Axis < len(sig.Outputs[resultIdx].Names) {
			return sig.Outputs[resultIdx].Names[d.Axis]
		}
	}
	return ""
}

// IsRelated reports whether two dimension usages co-vary: both resolve to
// the same (non-empty) shardable axis name. Symmetric, not transitive across
// unrelated signatures.
func (j *RelativeJudge) IsRelated(a, b DimUsage) bool {
	nameA := j.axisName(a)
	return nameA != "" && nameA == j.axisName(b)
}

// SymbolicEqual reports whether two dimension usages resolve to provably
// equal size expressions.
func (j *RelativeJudge) SymbolicEqual(a, b DimUsage) bool {
	return j.shape.IsEqual(j.shape.DimExpr(a.Value, a.Axis), j.shape.DimExpr(b.Value, b.Axis))
}

// SplitReduceDims partitions the dimensions of op's first operand into the
// set eliminated by the operation (axis names absent from the output) and
// the set preserved, per the given signature. Original axis order is kept
// within each list. The operation must have at least one operand and a
// signature with one input and one output -- guaranteed by the axis
// collaborator for reduction-shaped operations.
func (j *RelativeJudge) SplitReduceDims(sig axes.Signature, op *ir.Operation) (reduceDims, nonReduceDims []DimUsage) {
	v := op.Operand(0)
	inputNames := sig.Inputs[0].Names
	outputNames := sets.MakeWith(sig.Outputs[0].Names...)
	usageIdx := v.UsageIdx(op)

	for axis, name := range inputNames {
		if !outputNames.Has(name) {
			reduceDims = append(reduceDims, MakeDimUsage(v, axis, usageIdx))
		} else {
			nonReduceDims = append(nonReduceDims, MakeDimUsage(v, axis, usageIdx))
		}
	}

	if klog.V(2).Enabled() {
		klog.V(2).Infof("SplitReduceDims(%s): reduce=%s nonReduce=%s", op, dimsStr(reduceDims), dimsStr(nonReduceDims))
	}
	return
}

// SplitFirstIfRelatedBySecond stable-partitions targets into the usages
// related to at least one member of relatedWith, and the rest.
func (j *RelativeJudge) SplitFirstIfRelatedBySecond(targets, relatedWith []DimUsage) (related, nonRelated []DimUsage) {
	for _, target := range targets {
		isRelated := false
		for _, other := range relatedWith {
			if j.IsRelated(other, target) {
				isRelated = true
				break
			}
		}
		if isRelated {
			related = append(related, target)
		} else {
			nonRelated = append(nonRelated, target)
		}
	}

	if klog.V(2).Enabled() {
		klog.V(2).Infof("SplitFirstIfRelatedBySecond: related=%s nonRelated=%s", dimsStr(related), dimsStr(nonRelated))
	}
	return
}

// ElementwiseEqual reports whether the two dimension lists are equal as
// multisets of resolved size expressions: order, axis positions and
// use-sites are all ignored, only the canonical sizes and their
// multiplicities count.
func (j *RelativeJudge) ElementwiseEqual(first, second []DimUsage) bool {
	countSizes := func(dims []DimUsage) map[dimexpr.Expr]int {
		counts := make(map[dimexpr.Expr]int, len(dims))
		for _, dim := range dims {
			counts[j.shape.DimExpr(dim.Value, dim.Axis)]++
		}
		return counts
	}
	firstCounts := countSizes(first)
	secondCounts := countSizes(second)

	if klog.V(2).Enabled() {
		klog.V(2).Infof("ElementwiseEqual: first sizes %v, second sizes %v", maps.Keys(firstCounts), maps.Keys(secondCounts))
	}

	if len(firstCounts) != len(secondCounts) {
		return false
	}
	for size, count := range firstCounts {
		if secondCounts[size] != count {
			return false
		}
	}
	return true
}

// productDimExpr is the product of the resolved sizes of dims, all usages of
// one same value. Empty input yields the 0 sentinel (see
// Analysis.ProductDimExpr); callers guard the empty case before comparing.
func (j *RelativeJudge) productDimExpr(dims []DimUsage) dimexpr.Expr {
	if len(dims) == 0 {
		return dimexpr.Const(0)
	}
	axesIdx := make([]int, len(dims))
	for i, dim := range dims {
		axesIdx[i] = dim.Axis
	}
	return j.shape.ProductDimExpr(dims[0].Value, axesIdx)
}

// IsProductSmallerOrEqual reports whether the product of the sizes of first
// is bounded by the product of the sizes of second. An empty first is always
// bounded. When both products are concrete the comparison is numeric;
// otherwise the bound is only accepted when the oracle proves the two
// products exactly equal -- a deliberately conservative approximation, never
// a general symbolic inequality proof. Callers rely on that strictness; do
// not widen it without revisiting them.
func (j *RelativeJudge) IsProductSmallerOrEqual(first, second []DimUsage) bool {
	if len(first) == 0 {
		return true
	}
	firstProduct := j.productDimExpr(first)
	secondProduct := j.productDimExpr(second)
	firstStatic, firstOk := firstProduct.Static()
	secondStatic, secondOk := secondProduct.Static()
	if firstOk && secondOk {
		if klog.V(2).Enabled() {
			klog.V(2).Infof("IsProductSmallerOrEqual: static shapes: left=%s right=%s",
				humanize.Comma(firstStatic), humanize.Comma(secondStatic))
		}
		return firstStatic <= secondStatic
	}
	return j.shape.IsEqual(firstProduct, secondProduct)
}

// isDownstreamDependReduceOp reports whether the pattern's declared input
// values include any result of the reduction operation.
func isDownstreamDependReduceOp(reduce *ir.Operation, p pattern.Pattern) bool {
	inputs := pattern.InputValues(p)
	for _, result := range reduce.Results() {
		if slices.Contains(inputs, result) {
			return true
		}
	}
	return false
}

// GetDownstreamFromCandidate returns the first candidate Reduce pattern that
// structurally consumes the upstream reduction's output, or false if none
// does. First-match: the caller-determined candidate order is the tie-break.
func (j *RelativeJudge) GetDownstreamFromCandidate(upstream *pattern.Reduce, candidates []*pattern.Reduce) (*pattern.Reduce, bool) {
	reduce := upstream.ReduceOp()
	for _, candidate := range candidates {
		if isDownstreamDependReduceOp(reduce, candidate) {
			return candidate, true
		}
	}
	return nil, false
}

// FindUserOp returns the unique consumer of value among candidates. A
// reduction tree may only attach to its tree-parent through a single
// connecting operation, so zero or multiple matches indicate a malformed
// candidate set and abort the query.
func FindUserOp(candidates []*ir.Operation, value *ir.Value) *ir.Operation {
	var results []*ir.Operation
	for _, user := range value.Users() {
		if slices.Contains(candidates, user) {
			results = append(results, user)
		}
	}
	if len(results) != 1 {
		exceptions.Panicf("policy.FindUserOp(%s): zero or multiple user operations found in candidates, "+
			"expected exactly one but found %d", value, len(results))
	}
	return results[0]
}

// ReduceTreeGrownCanMerge decides whether the downstream reduction tree may
// absorb the upstream reduction tree as a new leaf: legal iff the trees are
// actually connected through this edge and no dimension the downstream
// candidate reduces is related to the upstream root's output at the
// connecting use-site. Any overlap would double-reduce or reorder reductions
// incorrectly.
func (j *RelativeJudge) ReduceTreeGrownCanMerge(upstream, downstream *pattern.Node) bool {
	upstreamTree := mustPatternKind[*pattern.ReduceTree](upstream, "ReduceTreeGrownCanMerge", "upstream")
	downstreamTree := mustPatternKind[*pattern.ReduceTree](downstream, "ReduceTreeGrownCanMerge", "downstream")

	if klog.V(2).Enabled() {
		klog.V(2).Infof("ReduceTreeGrownCanMerge: upstream=%s downstream=%s", upstream, downstream)
	}

	candidate, found := j.GetDownstreamFromCandidate(upstreamTree.Root(), downstreamTree.Flatten())
	if !found {
		klog.V(2).Infof("ReduceTreeGrownCanMerge: no candidate consumes the upstream root, can't fuse")
		return false
	}

	reduceOutValue := upstreamTree.Root().ReduceOp().Result(0)
	connectOp := FindUserOp(downstreamTree.Ops(), reduceOutValue)
	downstreamReduceOp := candidate.ReduceOp()

	downstreamReduceDims, _ := j.SplitReduceDims(j.mustSignature(downstreamReduceOp), downstreamReduceOp)
	upstreamOutputDims := valueUsage(reduceOutValue, reduceOutValue.UsageIdx(connectOp))
	related, _ := j.SplitFirstIfRelatedBySecond(downstreamReduceDims, upstreamOutputDims)

	result := len(related) == 0
	klog.V(2).Infof("ReduceTreeGrownCanMerge: %v", result)
	return result
}

// ReducePlusTrivialCanMerge decides whether the trivial downstream group may
// be fused onto the upstream reduction group it consumes. Legal iff either
// the downstream's output dimensions unrelated to the upstream's preserved
// dimensions exactly mirror (as a multiset of sizes) what the upstream
// reduced -- fusion adds no recomputation -- or the product of the
// downstream's free dimensions is bounded by the product of the upstream's
// preserved dimensions, limiting the extra work fusing would add.
func (j *RelativeJudge) ReducePlusTrivialCanMerge(upstream, downstream *pattern.Node) bool {
	upstreamReduceDims, upstreamNonReduceDims := j.SplitReduceDims(j.mustSignature(upstream.Sink()), upstream.Sink())

	// The downstream sink's output is the group's externally visible value:
	// it is always consumed (there is a yield), so use-site 0 exists.
	downstreamOutput := valueUsage(downstream.Sink().Result(0), 0)
	_, nonRelatedDims := j.SplitFirstIfRelatedBySecond(downstreamOutput, upstreamNonReduceDims)

	fakes := j.GetFakeReduceIterIdx(upstream, downstream)
	downstreamFreeDims := gatherExcept(downstreamOutput, fakes)

	result := j.ElementwiseEqual(nonRelatedDims, upstreamReduceDims) ||
		j.IsProductSmallerOrEqual(downstreamFreeDims, upstreamNonReduceDims)

	klog.V(2).Infof("ReducePlusTrivialCanMerge: %v", result)
	return result
}

// GetFakeReduceIterIdx computes the axis positions of the downstream trivial
// group's output that are "fake reductions": dimensions with the same
// resolved size as something genuinely reduced upstream, but which the
// trivial group does not itself reduce. They silently reappear as plain
// dimensions downstream and must be excluded from free-dimension accounting
// to avoid overcounting the fusion cost. Each upstream reduce dimension
// greedily claims at most one not-yet-claimed symbolically-equal trivial
// dimension.
//
// Preconditioned on upstream being a reduce tree and downstream a trivial
// pattern; any other pairing is a programmer error.
func (j *RelativeJudge) GetFakeReduceIterIdx(upstream, downstream *pattern.Node) []int {
	mustPatternKind[*pattern.ReduceTree](upstream, "GetFakeReduceIterIdx", "upstream")
	mustPatternKind[*pattern.Trivial](downstream, "GetFakeReduceIterIdx", "downstream")

	upstreamReduceDims, upstreamNonReduceDims := j.SplitReduceDims(j.mustSignature(upstream.Sink()), upstream.Sink())
	_, trivialReorderDims := j.SplitFirstIfRelatedBySecond(
		valueUsage(downstream.Sink().Result(0), 0), upstreamNonReduceDims)

	visited := sets.Make[DimUsage]()
	var result []int
	for _, reduceDim := range upstreamReduceDims {
		for _, trivialDim := range trivialReorderDims {
			if !visited.Has(trivialDim) && j.SymbolicEqual(trivialDim, reduceDim) {
				visited.Insert(trivialDim)
				result = append(result, trivialDim.Axis)
				break
			}
		}
	}

	if klog.V(2).Enabled() {
		parts := make([]string, len(result))
		for i, idx := range result {
			parts[i] = strconv.Itoa(idx)
		}
		klog.V(2).Infof("FakeReduceIterIdx: %s", strings.Join(parts, ", "))
	}
	return result
}

// mustPatternKind asserts the node's pattern kind, panicking with an
// invariant-violation error otherwise.
func mustPatternKind[P pattern.Pattern](n *pattern.Node, caller, side string) P {
	p, ok := n.Pattern().(P)
	if !ok {
		exceptions.Panicf("policy.%s: illegal call, %s node %s has pattern kind %T", caller, side, n, n.Pattern())
	}
	return p
}
