// Package simulate generates synthetic datasets with a known treatment
// effect: a cross-section around a geographic cutoff for discontinuity
// designs and a municipality-year panel for difference-in-differences.
package simulate

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/okian/econpipe/internal/domain/model"
)

// ErrInvalidConfig is returned for non-positive sizes and bad shares.
var ErrInvalidConfig = errors.New("invalid simulation config")

// Rows between context checks.
const ctxCheckEvery = 4096

// Table is a generated dataset in column order.
type Table struct {
	Header []string
	Rows   [][]string
}

// WriteCSV writes the table with a header row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteFile writes the table as CSV to path.
func (t *Table) WriteFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return t.WriteCSV(f)
}

// source returns a deterministic generator for seed.
func source(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// pick draws a level of a categorical column with the given weights.
type pick struct {
	levels []string
	dist   distuv.Categorical
}

func newPick(src rand.Source, levels []string, weights []float64) pick {
	return pick{levels: levels, dist: distuv.NewCategorical(weights, src)}
}

func (p pick) draw() (string, int) {
	i := int(p.dist.Rand())
	return p.levels[i], i
}

func num(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// RDDConfig configures the cross-section around the cutoff.
type RDDConfig struct {
	Rows      int
	Seed      uint64
	Effect    float64 // jump in the outcome at the cutoff
	Cutoff    float64
	Range     float64 // running variable is uniform on Cutoff ± Range
	Noise     float64 // outcome noise standard deviation
	Countries []string
}

// DefaultRDD returns the configuration used by the CLI.
func DefaultRDD() RDDConfig {
	return RDDConfig{
		Rows:      5000,
		Seed:      1,
		Effect:    -1.5,
		Range:     50,
		Noise:     1,
		Countries: []string{"BR", "PE", "CO", "BO"},
	}
}

// RDD columns.
const (
	ColForestLoss = "forest_loss"
	ColDistance   = "distance_km"
	ColProtected  = "protected"
	ColCountry    = "country"
	ColBiome      = "biome"
	ColTenure     = "land_tenure"
	ColRoad       = "road_access"
	ColSlope      = "slope_class"
)

// RDDSchema declares the columns produced by RDD.
func RDDSchema() model.Schema {
	return model.Schema{
		Outcome:     ColForestLoss,
		Running:     ColDistance,
		Treatment:   ColProtected,
		Group:       ColCountry,
		Categorical: []string{ColBiome, ColTenure, ColRoad, ColSlope},
	}
}

// RDD draws a cross-section where units at or above the cutoff are treated.
// The outcome is smooth in the running variable apart from a jump of Effect
// at the cutoff; country and control levels shift it additively.
func RDD(ctx context.Context, cfg RDDConfig) (*Table, error) {
	if cfg.Rows <= 0 || cfg.Range <= 0 || cfg.Noise < 0 || len(cfg.Countries) == 0 {
		return nil, fmt.Errorf("%w: rows, range and countries must be positive", ErrInvalidConfig)
	}
	src := source(cfg.Seed)
	running := distuv.Uniform{Min: cfg.Cutoff - cfg.Range, Max: cfg.Cutoff + cfg.Range, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: cfg.Noise, Src: src}

	countryWeights := make([]float64, len(cfg.Countries))
	for i := range countryWeights {
		countryWeights[i] = 1
	}
	country := newPick(src, cfg.Countries, countryWeights)
	biome := newPick(src, []string{"amazon", "cerrado", "andes"}, []float64{0.6, 0.25, 0.15})
	tenure := newPick(src, []string{"public", "private", "indigenous"}, []float64{0.4, 0.4, 0.2})
	road := newPick(src, []string{"none", "unpaved", "paved"}, []float64{0.5, 0.35, 0.15})
	slope := newPick(src, []string{"flat", "rolling", "steep"}, []float64{0.5, 0.3, 0.2})

	t := &Table{
		Header: []string{ColForestLoss, ColDistance, ColProtected, ColCountry, ColBiome, ColTenure, ColRoad, ColSlope},
		Rows:   make([][]string, 0, cfg.Rows),
	}
	for i := 0; i < cfg.Rows; i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		x := running.Rand()
		u := (x - cfg.Cutoff) / cfg.Range
		d := 0.0
		if x >= cfg.Cutoff {
			d = 1
		}
		c, ci := country.draw()
		b, bi := biome.draw()
		tn, ti := tenure.draw()
		r, ri := road.draw()
		s, si := slope.draw()

		y := 3 + cfg.Effect*d + 1.2*u - 0.6*u*u +
			0.25*float64(ci) + 0.5*float64(bi) - 0.3*float64(ti) + 0.4*float64(ri) - 0.2*float64(si) +
			noise.Rand()

		t.Rows = append(t.Rows, []string{num(y), num(x), num(d), c, b, tn, r, s})
	}
	return t, nil
}

// PanelConfig configures the municipality-year panel.
type PanelConfig struct {
	Units        int
	Periods      int
	FirstYear    int
	TreatFrom    int     // first treated period index
	TreatedShare float64 // share of units ever treated
	Effect       float64
	Noise        float64
	Seed         uint64
}

// DefaultPanel returns the configuration used by the CLI.
func DefaultPanel() PanelConfig {
	return PanelConfig{
		Units:        200,
		Periods:      10,
		FirstYear:    2005,
		TreatFrom:    5,
		TreatedShare: 0.5,
		Effect:       -0.8,
		Noise:        0.5,
		Seed:         1,
	}
}

// Panel columns.
const (
	ColDeforestation = "deforestation"
	ColPostTreated   = "post_treated"
	ColMunicipality  = "municipality"
	ColYear          = "year"
	ColRainfall      = "rainfall"
	ColTemperature   = "temperature"
	ColRoadKM        = "road_km"
	ColLandUse       = "land_use"
	ColState         = "state"
)

// PanelSchema declares the columns produced by Panel.
func PanelSchema() model.Schema {
	return model.Schema{
		Outcome:     ColDeforestation,
		Treatment:   ColPostTreated,
		Unit:        ColMunicipality,
		Time:        ColYear,
		Numeric:     []string{ColRainfall, ColTemperature, ColRoadKM},
		Categorical: []string{ColLandUse, ColState},
	}
}

// Panel draws a balanced panel with unit and year effects. Treated units
// switch on at TreatFrom and stay treated.
func Panel(ctx context.Context, cfg PanelConfig) (*Table, error) {
	switch {
	case cfg.Units < 2 || cfg.Periods < 2:
		return nil, fmt.Errorf("%w: need at least 2 units and 2 periods", ErrInvalidConfig)
	case cfg.TreatFrom < 1 || cfg.TreatFrom >= cfg.Periods:
		return nil, fmt.Errorf("%w: treatment must start inside the panel", ErrInvalidConfig)
	case cfg.TreatedShare <= 0 || cfg.TreatedShare >= 1:
		return nil, fmt.Errorf("%w: treated share must be in (0, 1)", ErrInvalidConfig)
	case cfg.Noise < 0:
		return nil, fmt.Errorf("%w: noise must be non-negative", ErrInvalidConfig)
	}
	src := source(cfg.Seed)
	unitFE := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: cfg.Noise, Src: src}
	rain := distuv.Gamma{Alpha: 4, Beta: 0.02, Src: src}
	temp := distuv.Normal{Mu: 26, Sigma: 1.5, Src: src}
	roads := distuv.LogNormal{Mu: 2, Sigma: 0.7, Src: src}
	landUse := newPick(src, []string{"forest", "pasture", "crop"}, []float64{0.5, 0.35, 0.15})
	state := newPick(src, []string{"PA", "MT", "AM", "RO"}, []float64{0.3, 0.3, 0.25, 0.15})

	treated := int(float64(cfg.Units)*cfg.TreatedShare + 0.5)
	if treated < 1 {
		treated = 1
	}

	t := &Table{
		Header: []string{ColDeforestation, ColPostTreated, ColMunicipality, ColYear,
			ColRainfall, ColTemperature, ColRoadKM, ColLandUse, ColState},
		Rows: make([][]string, 0, cfg.Units*cfg.Periods),
	}
	for u := 0; u < cfg.Units; u++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		alpha := unitFE.Rand()
		road := roads.Rand()
		st, _ := state.draw()
		id := fmt.Sprintf("m%04d", u)
		for p := 0; p < cfg.Periods; p++ {
			d := 0.0
			if u < treated && p >= cfg.TreatFrom {
				d = 1
			}
			r := rain.Rand()
			tc := temp.Rand()
			lu, li := landUse.draw()
			y := alpha + 0.15*float64(p) + cfg.Effect*d +
				0.002*(r-200) + 0.1*(tc-26) + 0.3*float64(li) + noise.Rand()

			t.Rows = append(t.Rows, []string{
				num(y), num(d), id, strconv.Itoa(cfg.FirstYear + p),
				num(r), num(tc), num(road), lu, st,
			})
		}
	}
	return t, nil
}
