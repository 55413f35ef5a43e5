// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opfusion/pkg/core/ir"
)

// DimUsage identifies one axis of one tensor value as consumed at one
// specific use-site: a value may be read by several consumers, and the same
// axis can have different relatedness depending on which consumer is asking.
//
// DimUsage has value semantics and is comparable, so it can key maps and
// sets directly.
type DimUsage struct {
	Value    *ir.Value
	Axis     int
	UsageIdx int
}

// MakeDimUsage builds a DimUsage, checking that axis is a valid position of
// the value. An out-of-range axis is a malformed query and panics.
func MakeDimUsage(v *ir.Value, axis, usageIdx int) DimUsage {
	if axis < 0 || axis >= v.Rank() {
		exceptions.Panicf("policy.MakeDimUsage(%s, axis=%d): value has rank %d", v, axis, v.Rank())
	}
	return DimUsage{Value: v, Axis: axis, UsageIdx: usageIdx}
}

// String implements fmt.Stringer.
func (d DimUsage) String() string {
	return fmt.Sprintf("%s[%d]@%d", d.Value, d.Axis, d.UsageIdx)
}

// valueUsage expands every axis of v into a DimUsage at the given use-site.
func valueUsage(v *ir.Value, usageIdx int) []DimUsage {
	dims := make([]DimUsage, v.Rank())
	for axis := range dims {
		dims[axis] = DimUsage{Value: v, Axis: axis, UsageIdx: usageIdx}
	}
	return dims
}

// gatherExcept returns dims without the entries at the given positions.
func gatherExcept(dims []DimUsage, except []int) []DimUsage {
	skip := make(map[int]bool, len(except))
	for _, idx := range except {
		skip[idx] = true
	}
	result := make([]DimUsage, 0, len(dims))
	for idx, dim := range dims {
		if !skip[idx] {
			result = append(result, dim)
		}
	}
	return result
}

func dimsStr(dims []DimUsage) string {
	parts := make([]string, len(dims))
	for i, dim := range dims {
		parts[i] = dim.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
