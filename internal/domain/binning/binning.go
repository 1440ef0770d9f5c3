// Package binning aggregates observations into fixed-width bins over the
// running variable for discontinuity plots.
package binning

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/pkg/metrics"
)

// Bin is the aggregate of the observations of one treatment group (and
// cohort, when binning by group) falling in [Lower, Upper). The final bin of
// the domain is closed on both ends.
type Bin struct {
	Index         int     `json:"index"`
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	Center        float64 `json:"center"`
	Treatment     float64 `json:"treatment"`
	Group         string  `json:"group,omitempty"`
	MeanRunning   float64 `json:"mean_running"`
	MeanOutcome   float64 `json:"mean_outcome"`
	MedianOutcome float64 `json:"median_outcome"`
	Count         int     `json:"count"`
}

// Domain is the closed interval of running-variable values that are binned.
type Domain struct {
	Min float64
	Max float64
}

// Spec configures one binning pass.
type Spec struct {
	Width   float64
	Domain  *Domain // nil uses the observed range
	ByGroup bool    // additionally key bins by the cohort column
}

// Validate rejects non-positive widths and inverted or non-finite domains.
func (s Spec) Validate() error {
	if math.IsNaN(s.Width) || math.IsInf(s.Width, 0) || s.Width <= 0 {
		return model.NewError("binning.validate", model.KindInvalidSpec, "bin width must be positive, got %g", s.Width)
	}
	if d := s.Domain; d != nil {
		if !finite(d.Min) || !finite(d.Max) {
			return model.NewError("binning.validate", model.KindInvalidSpec, "domain bounds must be finite")
		}
		if d.Max < d.Min {
			return model.NewError("binning.validate", model.KindInvalidSpec, "domain max %g below min %g", d.Max, d.Min)
		}
	}
	return nil
}

type cellKey struct {
	group     string
	treatment float64
	index     int
}

type cell struct {
	running []float64
	outcome []float64
}

// Compute bins ds under spec. Observations outside the domain are excluded;
// empty bins are omitted. Output is sorted by group, treatment and lower
// bound and does not depend on input order.
func Compute(ds *model.Dataset, spec Spec) ([]Bin, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	dom, ok := domainOf(ds, spec.Domain)
	if !ok {
		return nil, nil
	}

	edge := func(k int) float64 { return binEdge(dom.Min, spec.Width, k) }
	n := int(math.Ceil((dom.Max - dom.Min) / spec.Width))
	for n > 1 && edge(n-1) >= dom.Max {
		n--
	}
	if n < 1 {
		n = 1
	}

	cells := make(map[cellKey]*cell)
	for i := range ds.Rows {
		o := &ds.Rows[i]
		x := o.Running
		if !finite(x) || x < dom.Min || x > dom.Max {
			continue
		}
		idx := binIndex(x, dom.Min, spec.Width, n)
		k := cellKey{treatment: o.Treatment, index: idx}
		if spec.ByGroup {
			k.group = o.Group
		}
		c, ok := cells[k]
		if !ok {
			c = &cell{}
			cells[k] = c
		}
		c.running = append(c.running, x)
		c.outcome = append(c.outcome, o.Outcome)
	}

	out := make([]Bin, 0, len(cells))
	for k, c := range cells {
		lower := edge(k.index)
		upper := edge(k.index + 1)
		if k.index == n-1 || upper > dom.Max {
			upper = dom.Max
		}
		b := Bin{
			Index:     k.index,
			Lower:     lower,
			Upper:     upper,
			Center:    (lower + upper) / 2,
			Treatment: k.treatment,
			Group:     k.group,
			Count:     len(c.outcome),
		}
		var err error
		if b.MeanRunning, err = sortedMean(c.running); err != nil {
			return nil, err
		}
		if b.MeanOutcome, err = sortedMean(c.outcome); err != nil {
			return nil, err
		}
		if b.MedianOutcome, err = stats.Median(c.outcome); err != nil {
			return nil, model.NewError("binning.median", model.KindEstimation, "%v", err)
		}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Treatment != b.Treatment {
			return a.Treatment < b.Treatment
		}
		return a.Lower < b.Lower
	})

	metrics.RecordBinsEmitted(len(out))
	return out, nil
}

func binEdge(lo, width float64, k int) float64 { return lo + float64(k)*width }

// binIndex places x in the right-open bin [edge(k), edge(k+1)), checked
// against the same edges the output reports. The last bin also holds its
// upper bound.
func binIndex(x, lo, width float64, n int) int {
	edge := func(k int) float64 { return binEdge(lo, width, k) }
	idx := int(math.Floor((x - lo) / width))
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	for idx+1 < n && x >= edge(idx+1) {
		idx++
	}
	for idx > 0 && x < edge(idx) {
		idx--
	}
	return idx
}

// sortedMean sorts xs before summing so the result is the same for any
// permutation of the input.
func sortedMean(xs []float64) (float64, error) {
	sort.Float64s(xs)
	m, err := stats.Mean(xs)
	if err != nil {
		return 0, model.NewError("binning.mean", model.KindEstimation, "%v", err)
	}
	return m, nil
}

func domainOf(ds *model.Dataset, d *Domain) (Domain, bool) {
	if d != nil {
		return *d, true
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range ds.Rows {
		x := ds.Rows[i].Running
		if !finite(x) {
			continue
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if lo > hi {
		return Domain{}, false
	}
	return Domain{Min: lo, Max: hi}, true
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
