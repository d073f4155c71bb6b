package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/config"
	"github.com/sugarme/pspseg/factory"
	"github.com/sugarme/pspseg/preprocess"
	"github.com/sugarme/pspseg/summary"
)

// paramsFromFlags loads --config if given, then applies every flag the user set.
func paramsFromFlags(cmd *cobra.Command) (config.Params, error) {
	p := config.Default()
	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if p, err = config.Load(path); err != nil {
			return p, err
		}
	}

	if flags.Changed("backbone") {
		p.Backbone, _ = flags.GetString("backbone")
	}
	if flags.Changed("lr") {
		p.LearningRate, _ = flags.GetFloat64("lr")
	}
	if flags.Changed("classes") {
		p.Classes, _ = flags.GetInt64("classes")
	}
	if flags.Changed("activation") {
		p.Activation, _ = flags.GetString("activation")
	}
	if flags.Changed("height") {
		p.InputShape.Height, _ = flags.GetInt64("height")
	}
	if flags.Changed("width") {
		p.InputShape.Width, _ = flags.GetInt64("width")
	}
	if flags.Changed("channels") {
		p.InputShape.Channels, _ = flags.GetInt64("channels")
	}
	if flags.Changed("encoder-weights") {
		p.EncoderWeights, _ = flags.GetString("encoder-weights")
	}
	if flags.Changed("encoder-freeze") {
		p.EncoderFreeze, _ = flags.GetBool("encoder-freeze")
	}

	return p, nil
}

// BuildHandler builds a compiled model and saves it to --out.
func BuildHandler(cmd *cobra.Command, args []string) error {
	params, err := paramsFromFlags(cmd)
	if err != nil {
		return err
	}

	ifExists, _ := cmd.Flags().GetString("if-exists")
	policy, err := factory.ParsePolicy(ifExists)
	if err != nil {
		return err
	}

	m, err := newFactory(cmd).Build(params)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	dir, err := m.Save(out, policy)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "saved %s to %s\n", m.ID, dir)
	return nil
}

// SummaryHandler prints the parameters of a saved model.
func SummaryHandler(cmd *cobra.Command, args []string) error {
	m, err := factory.Load(args[0], factory.WithDevice(gotch.CPU))
	if err != nil {
		return err
	}

	df := summary.Parameters(m.VarStore)
	modules, err := summary.ByModule(df)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	showSummary(cmd.OutOrStdout(), m.Metadata(), df, modules, verbose)

	if path, _ := cmd.Flags().GetString("csv"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrapf(err, "unable to create %s", path)
		}
		defer f.Close()
		if err := summary.WriteCSV(df, f); err != nil {
			return err
		}
	}

	if path, _ := cmd.Flags().GetString("plot"); path != "" {
		title := fmt.Sprintf("PSPNet(%s)", m.Params.Backbone)
		if err := summary.PlotModules(modules, title, path); err != nil {
			return err
		}
	}

	return nil
}

func showSummary(w io.Writer, meta factory.Metadata, df, modules dataframe.DataFrame, verbose bool) {
	tableRender := func(header string, rows [][]string) {
		fmt.Fprintln(w, " ", header)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(rows)
		table.Render()
		fmt.Fprintln(w)
	}

	p := meta.Params
	tableRender("Model", [][]string{
		{"", "id", meta.ID},
		{"", "backbone", p.Backbone},
		{"", "input", fmt.Sprintf("%dx%dx%d", p.InputShape.Height, p.InputShape.Width, p.InputShape.Channels)},
		{"", "classes", strconv.FormatInt(p.Classes, 10)},
		{"", "activation", p.Activation},
		{"", "parameters", strconv.FormatInt(meta.Parameters, 10)},
	})
	tableRender("Compile", [][]string{
		{"", "optimizer", fmt.Sprintf("%s(lr=%v)", meta.Optimizer.Name, meta.Optimizer.LearningRate)},
		{"", "loss", meta.Loss},
		{"", "metrics", fmt.Sprint(meta.Metrics)},
	})

	if verbose {
		tableRender("Variables", df.Select([]string{summary.ColName, summary.ColShape, summary.ColParams, summary.ColTrainable}).Records()[1:])
	} else {
		tableRender("Modules", modules.Records()[1:])
	}
}

// CheckHandler runs one forward pass on a saved model and prints the output
// shape and value range.
func CheckHandler(cmd *cobra.Command, args []string) error {
	m, err := factory.Load(args[0], factory.WithDevice(device(cmd)))
	if err != nil {
		return err
	}

	shape := m.InputShape()
	var x *ts.Tensor
	if path, _ := cmd.Flags().GetString("image"); path != "" {
		img, err := preprocess.LoadImage(path, shape)
		if err != nil {
			return err
		}
		pre := m.Preprocess(img)
		img.MustDrop()
		x = pre.MustUnsqueeze(0, true)
	} else {
		x = ts.MustRand(shape.NCHW(1), gotch.Float, gotch.CPU)
	}

	out, err := m.Predict(x)
	x.MustDrop()
	if err != nil {
		return err
	}

	min := out.MustMin(false)
	max := out.MustMax(false)
	fmt.Fprintf(cmd.OutOrStdout(), "output %v min %.4f max %.4f\n", out.MustSize(), min.Float64Values()[0], max.Float64Values()[0])
	min.MustDrop()
	max.MustDrop()
	out.MustDrop()

	return nil
}
