package binning_test

import (
	"errors"
	"math/rand/v2"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/econpipe/internal/domain/binning"
	"github.com/okian/econpipe/internal/domain/model"
)

func obs(x, y, d float64, group string) model.Observation {
	return model.Observation{Running: x, Outcome: y, Treatment: d, Group: group}
}

func tenRows() *model.Dataset {
	ds := &model.Dataset{Schema: model.Schema{Outcome: "y", Running: "x", Treatment: "d", Group: "g"}}
	for i, x := range []float64{-3, -2.5, -2, -1.5, -1.01} {
		ds.Rows = append(ds.Rows, obs(x, float64(i), 0, "A"))
	}
	for i, x := range []float64{1, 1.5, 2, 2.5, 2.99} {
		ds.Rows = append(ds.Rows, obs(x, float64(10+i), 1, "A"))
	}
	return ds
}

func randomRows(r *rand.Rand, n int) *model.Dataset {
	ds := &model.Dataset{}
	for i := 0; i < n; i++ {
		x := r.Float64()*20 - 10
		d := 0.0
		if x >= 0 {
			d = 1
		}
		g := "PE"
		if r.IntN(2) == 0 {
			g = "BR"
		}
		ds.Rows = append(ds.Rows, obs(x, 2*x+r.NormFloat64(), d, g))
	}
	return ds
}

func TestCompute_Scenarios(t *testing.T) {
	Convey("Given ten observations split across the cutoff", t, func() {
		ds := tenRows()
		spec := binning.Spec{Width: 2, Domain: &binning.Domain{Min: -3, Max: 3}}

		Convey("When binning with width 2", func() {
			bins, err := binning.Compute(ds, spec)

			Convey("Then exactly two bins of five are emitted", func() {
				So(err, ShouldBeNil)
				So(len(bins), ShouldEqual, 2)
				So(bins[0].Treatment, ShouldEqual, 0.0)
				So(bins[0].Count, ShouldEqual, 5)
				So(bins[0].Lower, ShouldEqual, -3.0)
				So(bins[0].Upper, ShouldEqual, -1.0)
				So(bins[0].MeanOutcome, ShouldEqual, 2.0)
				So(bins[1].Treatment, ShouldEqual, 1.0)
				So(bins[1].Count, ShouldEqual, 5)
				So(bins[1].Upper, ShouldEqual, 3.0)
				So(bins[1].MeanOutcome, ShouldEqual, 12.0)
				So(bins[1].Center, ShouldEqual, 2.0)
			})
		})

		Convey("When the width covers the whole domain", func() {
			bins, err := binning.Compute(ds, binning.Spec{Width: 100})

			Convey("Then each treatment group has at most one bin", func() {
				So(err, ShouldBeNil)
				So(len(bins), ShouldEqual, 2)
				So(bins[0].Count+bins[1].Count, ShouldEqual, 10)
			})
		})
	})

	Convey("Given observations on bin edges", t, func() {
		ds := &model.Dataset{Rows: []model.Observation{
			obs(0, 1, 0, ""), obs(1, 2, 0, ""), obs(2, 3, 0, ""), obs(3, 4, 0, ""), obs(4, 5, 0, ""),
		}}

		Convey("When binning [0,4] with width 2", func() {
			bins, err := binning.Compute(ds, binning.Spec{Width: 2, Domain: &binning.Domain{Min: 0, Max: 4}})

			Convey("Then edges go to the bin they open and the maximum to the last bin", func() {
				So(err, ShouldBeNil)
				So(len(bins), ShouldEqual, 2)
				So(bins[0].Count, ShouldEqual, 2)
				So(bins[1].Count, ShouldEqual, 3)
				So(bins[1].Upper, ShouldEqual, 4.0)
			})
		})

		Convey("When the domain excludes some values", func() {
			bins, err := binning.Compute(ds, binning.Spec{Width: 1, Domain: &binning.Domain{Min: 1, Max: 3}})

			Convey("Then they are dropped", func() {
				So(err, ShouldBeNil)
				total := 0
				for _, b := range bins {
					total += b.Count
				}
				So(total, ShouldEqual, 3)
				So(bins[len(bins)-1].Lower, ShouldEqual, 2.0)
				So(bins[len(bins)-1].Count, ShouldEqual, 2)
			})
		})
	})

	Convey("Given single values on the edges of decimal-width bins", t, func() {
		const bins = 30
		misplaced := 0
		for _, width := range []float64{0.1, 0.2, 0.3, 0.7, 1.1, 0.05} {
			for _, lo := range []float64{-3, -2.8, -1.3, 0, 0.1} {
				dom := &binning.Domain{Min: lo, Max: lo + bins*width}
				for k := 0; k < bins; k++ {
					x := lo + float64(k)*width
					ds := &model.Dataset{Rows: []model.Observation{obs(x, 1, 0, "")}}
					out, err := binning.Compute(ds, binning.Spec{Width: width, Domain: dom})
					So(err, ShouldBeNil)
					So(len(out), ShouldEqual, 1)
					if b := out[0]; b.Index != k || b.Lower != x || x >= b.Upper {
						misplaced++
					}
				}
			}
		}

		Convey("Then each value lands in the bin it opens", func() {
			So(misplaced, ShouldEqual, 0)
		})
	})

	Convey("Given a domain that is an exact multiple of a decimal width", t, func() {
		ds := &model.Dataset{Rows: []model.Observation{obs(0, 1, 0, ""), obs(0.3, 2, 0, "")}}

		Convey("When binning [0, 0.3] with width 0.1", func() {
			out, err := binning.Compute(ds, binning.Spec{Width: 0.1, Domain: &binning.Domain{Min: 0, Max: 0.3}})

			Convey("Then the maximum joins the last full bin rather than an empty sliver", func() {
				So(err, ShouldBeNil)
				So(len(out), ShouldEqual, 2)
				So(out[1].Upper, ShouldEqual, 0.3)
				So(out[1].Lower, ShouldBeLessThan, 0.3)
			})
		})
	})

	Convey("Given invalid specs", t, func() {
		ds := tenRows()
		for _, spec := range []binning.Spec{
			{Width: 0},
			{Width: -1},
			{Width: 1, Domain: &binning.Domain{Min: 2, Max: 1}},
		} {
			_, err := binning.Compute(ds, spec)
			So(errors.Is(err, model.ErrInvalidSpec), ShouldBeTrue)
		}
	})

	Convey("Given an empty dataset without a domain", t, func() {
		bins, err := binning.Compute(&model.Dataset{}, binning.Spec{Width: 1})
		So(err, ShouldBeNil)
		So(bins, ShouldBeEmpty)
	})
}

func TestCompute_Properties(t *testing.T) {
	Convey("Given random datasets and widths", t, func() {
		r := rand.New(rand.NewPCG(11, 12))

		for trial := 0; trial < 20; trial++ {
			ds := randomRows(r, 300)
			width := 0.25 + r.Float64()*5
			spec := binning.Spec{Width: width, Domain: &binning.Domain{Min: -8, Max: 8}, ByGroup: trial%2 == 0}

			bins, err := binning.Compute(ds, spec)
			So(err, ShouldBeNil)

			// counts are conserved per treatment group
			want := map[float64]int{}
			for _, o := range ds.Rows {
				if o.Running >= -8 && o.Running <= 8 {
					want[o.Treatment]++
				}
			}
			got := map[float64]int{}
			for _, b := range bins {
				So(b.Count, ShouldBeGreaterThan, 0)
				got[b.Treatment] += b.Count
			}
			So(got, ShouldResemble, want)

			// shuffling the input leaves the output unchanged
			shuffled := &model.Dataset{Rows: append([]model.Observation(nil), ds.Rows...)}
			r.Shuffle(len(shuffled.Rows), func(i, j int) {
				shuffled.Rows[i], shuffled.Rows[j] = shuffled.Rows[j], shuffled.Rows[i]
			})
			again, err := binning.Compute(shuffled, spec)
			So(err, ShouldBeNil)
			So(again, ShouldResemble, bins)
		}
	})
}
