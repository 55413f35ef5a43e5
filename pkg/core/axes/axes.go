// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package axes provides shardable-axes signatures: per-operation records of
// the axis names of each input and output tensor.
//
// An axis name shared between an input and an output denotes a dimension the
// operation preserves; a name present only on an input denotes a dimension
// the operation eliminates (reductions and other size-changing consumption).
// The fusion policy splits dimensions into reduce/non-reduce sets and decides
// dimension relatedness purely from these names.
//
// The inference that discovers signatures is an external collaborator: here
// callers register signatures explicitly with Manager, usually built with the
// Elementwise/Reduce/Broadcast helpers.
package axes

import (
	"fmt"
	"strings"

	"github.com/gomlx/opfusion/pkg/core/ir"
	"github.com/gomlx/opfusion/pkg/support/sets"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ValueAxes is the ordered axis-name list of one tensor.
type ValueAxes struct {
	Names []string
}

// String implements fmt.Stringer, e.g. "[b, s, h]".
func (va ValueAxes) String() string {
	return "[" + strings.Join(va.Names, ", ") + "]"
}

// Signature records the axis names of every input and output tensor of one
// operation. Read-only to the fusion policy.
type Signature struct {
	Inputs  []ValueAxes
	Outputs []ValueAxes
}

// String implements fmt.Stringer.
func (sig Signature) String() string {
	var sb strings.Builder
	sb.WriteString("inputs: ")
	for i, in := range sig.Inputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(in.String())
	}
	sb.WriteString(" -> outputs: ")
	for i, out := range sig.Outputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(out.String())
	}
	return sb.String()
}

// Validate checks the signature against the operation it describes: one axis
// list per operand and per result, each matching the tensor's rank. All
// faults found are combined into the returned error.
func (sig Signature) Validate(op *ir.Operation) error {
	var err error
	if len(sig.Inputs) != len(op.Operands()) {
		err = multierr.Append(err, errors.Errorf("%d input axis lists for %d operands of %s",
			len(sig.Inputs), len(op.Operands()), op))
	}
	if len(sig.Outputs) != len(op.Results()) {
		err = multierr.Append(err, errors.Errorf("%d output axis lists for %d results of %s",
			len(sig.Outputs), len(op.Results()), op))
	}
	for i, in := range sig.Inputs {
		if i < len(op.Operands()) && len(in.Names) != op.Operand(i).Rank() {
			err = multierr.Append(err, errors.Errorf("input #%d of %s: %d axis names for rank %d",
				i, op, len(in.Names), op.Operand(i).Rank()))
		}
	}
	for i, out := range sig.Outputs {
		if i < len(op.Results()) && len(out.Names) != op.Result(i).Rank() {
			err = multierr.Append(err, errors.Errorf("output #%d of %s: %d axis names for rank %d",
				i, op, len(out.Names), op.Result(i).Rank()))
		}
	}
	return err
}

// Manager is the registry of signatures, by operation. It implements the
// fusion policy's SignatureProvider.
type Manager struct {
	sigs map[*ir.Operation]Signature
}

// NewManager creates an empty signature registry.
func NewManager() *Manager {
	return &Manager{sigs: make(map[*ir.Operation]Signature)}
}

// Register validates and stores the signature of op. The error, if any, is
// the multierr combination from Validate.
func (m *Manager) Register(op *ir.Operation, sig Signature) error {
	if err := sig.Validate(op); err != nil {
		return err
	}
	m.sigs[op] = sig
	return nil
}

// Signature returns the signature registered for op, if any.
func (m *Manager) Signature(op *ir.Operation) (Signature, bool) {
	sig, found := m.sigs[op]
	return sig, found
}

// Elementwise builds the signature of an elementwise operation: every operand
// and every result carries the same axis names.
func Elementwise(op *ir.Operation, names []string) Signature {
	va := ValueAxes{Names: names}
	sig := Signature{
		Inputs:  make([]ValueAxes, len(op.Operands())),
		Outputs: make([]ValueAxes, len(op.Results())),
	}
	for i := range sig.Inputs {
		sig.Inputs[i] = va
	}
	for i := range sig.Outputs {
		sig.Outputs[i] = va
	}
	return sig
}

// Reduce builds the signature of a single-input reduction: the output keeps
// the input axis names except those at the reduced axes.
func Reduce(inNames []string, reducedAxes []int) Signature {
	reduced := sets.MakeWith(reducedAxes...)
	outNames := make([]string, 0, len(inNames)-len(reducedAxes))
	for axis, name := range inNames {
		if !reduced.Has(axis) {
			outNames = append(outNames, name)
		}
	}
	return Signature{
		Inputs:  []ValueAxes{{Names: inNames}},
		Outputs: []ValueAxes{{Names: outNames}},
	}
}

// Broadcast builds the signature of a single-input broadcast: the input axis
// names appear in the output at the given positions, and the new output axes
// get fresh names derived from prefix.
func Broadcast(inNames []string, outRank int, positions []int, prefix string) Signature {
	outNames := make([]string, outRank)
	for i, pos := range positions {
		outNames[pos] = inNames[i]
	}
	for axis, name := range outNames {
		if name == "" {
			outNames[axis] = fmt.Sprintf("%s_%d", prefix, axis)
		}
	}
	return Signature{
		Inputs:  []ValueAxes{{Names: inNames}},
		Outputs: []ValueAxes{{Names: outNames}},
	}
}
