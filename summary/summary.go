// Package summary tabulates the variables of a model var store.
package summary

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch/nn"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Column names.
const (
	ColName      = "name"
	ColModule    = "module"
	ColShape     = "shape"
	ColParams    = "params"
	ColTrainable = "trainable"
)

// Parameters returns one row per variable sorted by name:
// name, module, shape, params, trainable.
func Parameters(vs *nn.VarStore) dataframe.DataFrame {
	vars := vs.Variables()
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)

	var (
		modules, shapes []string
		counts          []int
		trainable       []bool
	)
	for _, n := range names {
		x := vars[n]
		size := x.MustSize()
		count := 1
		for _, s := range size {
			count *= int(s)
		}
		modules = append(modules, Module(n))
		shapes = append(shapes, fmt.Sprint(size))
		counts = append(counts, count)
		trainable = append(trainable, x.MustRequiresGrad())
	}

	return dataframe.New(
		series.New(names, series.String, ColName),
		series.New(modules, series.String, ColModule),
		series.New(shapes, series.String, ColShape),
		series.New(counts, series.Int, ColParams),
		series.New(trainable, series.Bool, ColTrainable),
	)
}

// Module returns the top-level module of a variable name,
// e.g. "block4a" for "block4a.expand_conv.weight".
func Module(name string) string {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}

	return name
}

// ByModule totals params per module, in order of first appearance.
func ByModule(df dataframe.DataFrame) (dataframe.DataFrame, error) {
	counts, err := df.Col(ColParams).Int()
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrap(err, "unable to read params column")
	}
	modules := df.Col(ColModule).Records()

	var order []string
	totals := map[string]int{}
	for i, m := range modules {
		if _, ok := totals[m]; !ok {
			order = append(order, m)
		}
		totals[m] += counts[i]
	}

	sums := make([]int, len(order))
	for i, m := range order {
		sums[i] = totals[m]
	}

	return dataframe.New(
		series.New(order, series.String, ColModule),
		series.New(sums, series.Int, ColParams),
	), nil
}

// Total returns the sum of the params column.
func Total(df dataframe.DataFrame) (int64, error) {
	counts, err := df.Col(ColParams).Int()
	if err != nil {
		return 0, errors.Wrap(err, "unable to read params column")
	}
	var total int64
	for _, c := range counts {
		total += int64(c)
	}

	return total, nil
}

// WriteCSV writes df as CSV with a header row.
func WriteCSV(df dataframe.DataFrame, w io.Writer) error {
	return errors.Wrap(df.WriteCSV(w), "unable to write csv")
}

// PlotModules saves a bar chart of params per module (a ByModule frame) to
// file. The format follows the file extension (png, svg, pdf, ...).
func PlotModules(modules dataframe.DataFrame, title, file string) error {
	counts := modules.Col(ColParams).Float()
	names := modules.Col(ColModule).Records()

	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "unable to create plot")
	}
	p.Title.Text = title
	p.Y.Label.Text = "params"

	v := make(plotter.Values, len(counts))
	copy(v, counts)
	bars, err := plotter.NewBarChart(v, vg.Points(8))
	if err != nil {
		return errors.Wrap(err, "unable to create bar chart")
	}
	p.Add(bars)
	p.NominalX(names...)

	width := vg.Length(len(names))*12*vg.Millimeter + 4*vg.Inch
	return errors.Wrapf(p.Save(width, 4*vg.Inch, file), "unable to save plot %s", file)
}
