package config_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/econpipe/internal/config"
	"github.com/okian/econpipe/internal/domain/binning"
	"github.com/okian/econpipe/internal/domain/estimator"
	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/internal/domain/sampling"
)

func intPtr(v int) *int { return &v }

func TestDefinitions(t *testing.T) {
	convey.Convey("Given the analyses of a loaded config file", t, func() {
		clearConfigEnvVars()
		tmpFile := createTempConfigFile(analysesYAML)
		defer func() { _ = os.Remove(tmpFile) }()
		cfg, err := config.Load(context.Background(), tmpFile)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("When mapping them onto domain definitions", func() {
			defs, err := cfg.Definitions()

			convey.Convey("Then the RDD analysis carries its schema, sampler, bins and model", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(len(defs), convey.ShouldEqual, 2)

				rdd := defs[0]
				convey.So(rdd.Path, convey.ShouldEqual, "data/rdd.csv")
				convey.So(rdd.Schema.Running, convey.ShouldEqual, "distance_km")
				convey.So(rdd.Schema.Numeric, convey.ShouldResemble, []string{"elevation"})
				convey.So(rdd.Sampler, convey.ShouldResemble, sampling.Fraction{Fraction: 0.5, Seed: 42})
				convey.So(rdd.Binning, convey.ShouldResemble, &binning.Spec{Width: 0.25, Domain: &binning.Domain{Min: -5, Max: 5}})
				convey.So(rdd.Model.Kind, convey.ShouldEqual, estimator.KindLocalPoly)
				convey.So(*rdd.Model.Order, convey.ShouldEqual, 1)
				convey.So(rdd.GroupBy, convey.ShouldEqual, "country")
				convey.So(rdd.Pooled, convey.ShouldBeTrue)
				convey.So(len(rdd.Load), convey.ShouldEqual, 1)
			})

			convey.Convey("Then the panel analysis leaves the order unset and keeps its sheet", func() {
				did := defs[1]
				convey.So(did.Model.Kind, convey.ShouldEqual, estimator.KindFixedEffects)
				convey.So(did.Model.Order, convey.ShouldBeNil)
				convey.So(did.Model.CovType, convey.ShouldEqual, estimator.CovCluster)
				convey.So(did.Sampler, convey.ShouldBeNil)
				convey.So(len(did.Load), convey.ShouldEqual, 1)
			})
		})
	})

	convey.Convey("Given analyses that validate field by field but not as a whole", t, func() {
		base := config.Analysis{
			Name:    "a",
			Dataset: config.Dataset{Path: "a.csv"},
			Columns: config.Columns{Outcome: "y", Running: "x", Treatment: "d"},
		}

		convey.Convey("When a discontinuity model omits its order", func() {
			a := base
			a.Model = &config.Model{Kind: "ols_interaction"}
			_, err := a.Definition()

			convey.Convey("Then mapping fails", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(errors.Is(err, model.ErrInvalidSpec), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When a discontinuity model asks for order zero", func() {
			a := base
			a.Model = &config.Model{Kind: "local_polynomial", Order: intPtr(0)}
			def, err := a.Definition()

			convey.Convey("Then the explicit local-constant order is kept", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(*def.Model.Order, convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When only one binning bound is set", func() {
			a := base
			lo := -1.0
			a.Binning = &config.Binning{Width: 0.5, Min: &lo}
			_, err := a.Definition()

			convey.Convey("Then mapping fails", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When neither bins nor a model are requested", func() {
			_, err := base.Definition()

			convey.Convey("Then mapping fails", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When pooled is switched off for a grouped model", func() {
			a := base
			off := false
			a.Model = &config.Model{Kind: "ols_interaction", Order: intPtr(2)}
			a.Columns.Group = "country"
			a.GroupBy = "country"
			a.Pooled = &off
			def, err := a.Definition()

			convey.Convey("Then only the per-group fits run", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(def.Pooled, convey.ShouldBeFalse)
				convey.So(*def.Model.Order, convey.ShouldEqual, 2)
			})
		})
	})

	convey.Convey("A config without analyses has nothing to map", t, func() {
		_, err := config.New().Definitions()
		convey.So(errors.Is(err, config.ErrNoAnalyses), convey.ShouldBeTrue)
	})
}
