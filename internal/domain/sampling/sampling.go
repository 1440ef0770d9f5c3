// Package sampling selects the observations an analysis is run on.
package sampling

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/okian/econpipe/internal/domain/model"
)

// Sampler picks a subset of a dataset. Implementations never mutate the input
// and return rows in source order.
type Sampler interface {
	Sample(ds *model.Dataset) (*model.Dataset, error)
}

// All keeps every observation.
type All struct{}

// Sample returns ds unchanged.
func (All) Sample(ds *model.Dataset) (*model.Dataset, error) { return ds, nil }

// Fraction draws round(Fraction*n) observations without replacement from a
// seeded source. The same seed over the same dataset draws the same rows.
type Fraction struct {
	Fraction float64
	Seed     uint64
}

// Sample draws the configured share of rows.
func (f Fraction) Sample(ds *model.Dataset) (*model.Dataset, error) {
	if math.IsNaN(f.Fraction) || f.Fraction <= 0 || f.Fraction > 1 {
		return nil, model.NewError("sampling.fraction", model.KindInvalidSpec, "fraction must be in (0, 1], got %g", f.Fraction)
	}
	n := ds.Len()
	k := int(math.Round(f.Fraction * float64(n)))
	if k >= n {
		return ds, nil
	}
	if k == 0 {
		return ds.Subset(nil), nil
	}

	idx := make([]int, k)
	src := rand.NewPCG(f.Seed, f.Seed^0x9e3779b97f4a7c15)
	sampleuv.WithoutReplacement(idx, n, src)
	sort.Ints(idx)
	return ds.Subset(idx), nil
}

// New returns All for a zero or unit fraction and Fraction otherwise.
func New(fraction float64, seed uint64) Sampler {
	if fraction == 0 || fraction == 1 {
		return All{}
	}
	return Fraction{Fraction: fraction, Seed: seed}
}
