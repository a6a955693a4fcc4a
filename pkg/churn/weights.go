package churn

import (
	"fmt"
	"math/rand/v2"

	"github.com/saworbit/logchurn/pkg/config"
)

// Op is a single churn operation.
type Op int

const (
	OpWrite Op = iota
	OpCreate
	OpDelete
	OpRotate
)

var opNames = [...]string{
	OpWrite:  "write",
	OpCreate: "create",
	OpDelete: "delete",
	OpRotate: "rotate",
}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return fmt.Sprintf("op(%d)", int(o))
	}
	return opNames[o]
}

// Ops lists every operation in table order.
func Ops() []Op {
	return []Op{OpWrite, OpCreate, OpDelete, OpRotate}
}

// Weighted pairs an operation with its relative weight.
type Weighted struct {
	Op     Op
	Weight float64
}

// WeightTable is the ordered set of operations the churn loop samples from.
type WeightTable []Weighted

// WeightsFromConfig builds the table for configured weights.
func WeightsFromConfig(w config.WeightsConfig) WeightTable {
	return NewWeightTable(w.Write, w.Create, w.Delete, w.Rotate)
}

// NewWeightTable builds a table from per-operation weights.
func NewWeightTable(write, create, del, rotate float64) WeightTable {
	return WeightTable{
		{OpWrite, write},
		{OpCreate, create},
		{OpDelete, del},
		{OpRotate, rotate},
	}
}

// Validate rejects negative weights and tables that cannot produce a draw.
func (t WeightTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("weight table is empty")
	}
	var total float64
	for _, w := range t {
		if w.Weight < 0 {
			return fmt.Errorf("weight for %s must be >= 0, got %v", w.Op, w.Weight)
		}
		total += w.Weight
	}
	if total <= 0 {
		return fmt.Errorf("weights must sum to a positive value")
	}
	return nil
}

// Total returns the sum of all weights.
func (t WeightTable) Total() float64 {
	var total float64
	for _, w := range t {
		total += w.Weight
	}
	return total
}

// Pick draws one operation with probability proportional to its weight.
// The table must be valid.
func (t WeightTable) Pick(r *rand.Rand) Op {
	x := r.Float64() * t.Total()
	for _, w := range t {
		if x < w.Weight {
			return w.Op
		}
		x -= w.Weight
	}
	// Float rounding can leave x just past the last bucket.
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Weight > 0 {
			return t[i].Op
		}
	}
	return t[len(t)-1].Op
}
