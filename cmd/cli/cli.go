// Package cli implements the pspseg command line.
package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/sugarme/gotch"

	"github.com/sugarme/pspseg/config"
	"github.com/sugarme/pspseg/encoder"
	"github.com/sugarme/pspseg/factory"
)

// DefaultOutput is where build writes the compiled model when --out is not given.
const DefaultOutput = "./pspnet"

// NewCLI creates the root command with build, summary and check subcommands.
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "pspseg",
		Short:         "Build and inspect compiled PSPNet segmentation models",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().Bool("cuda", false, "Build on CUDA if available")

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build a compiled PSPNet model and save it",
		Args:  cobra.NoArgs,
		RunE:  BuildHandler,
	}
	d := config.Default()
	buildCmd.Flags().String("config", "", "YAML file with model params; flags override it")
	buildCmd.Flags().String("backbone", d.Backbone, fmt.Sprintf("Backbone, one of %v", encoder.Names()))
	buildCmd.Flags().Float64("lr", d.LearningRate, "Adam learning rate")
	buildCmd.Flags().Int64("classes", d.Classes, "Number of output classes")
	buildCmd.Flags().String("activation", d.Activation, "Output activation (sigmoid, softmax, linear, relu, tanh)")
	buildCmd.Flags().Int64("height", d.InputShape.Height, "Input height")
	buildCmd.Flags().Int64("width", d.InputShape.Width, "Input width")
	buildCmd.Flags().Int64("channels", d.InputShape.Channels, "Input channels")
	buildCmd.Flags().String("encoder-weights", "", "Pretrained backbone weights (.ot), loaded partially")
	buildCmd.Flags().Bool("encoder-freeze", false, "Freeze encoder weights")
	buildCmd.Flags().StringP("out", "o", DefaultOutput, "Output directory")
	buildCmd.Flags().String("if-exists", factory.Overwrite.String(), "What to do if output exists: overwrite, fail or version")

	summaryCmd := &cobra.Command{
		Use:   "summary MODEL_DIR",
		Short: "Show parameters of a saved model",
		Args:  cobra.ExactArgs(1),
		RunE:  SummaryHandler,
	}
	summaryCmd.Flags().BoolP("verbose", "v", false, "List every variable instead of per module totals")
	summaryCmd.Flags().String("csv", "", "Write per variable table to a CSV file")
	summaryCmd.Flags().String("plot", "", "Write a per module bar chart (png, svg, pdf)")

	checkCmd := &cobra.Command{
		Use:   "check MODEL_DIR",
		Short: "Run a forward pass on a saved model",
		Args:  cobra.ExactArgs(1),
		RunE:  CheckHandler,
	}
	checkCmd.Flags().String("image", "", "Image file to run instead of random input")

	rootCmd.AddCommand(buildCmd, summaryCmd, checkCmd)

	return rootCmd
}

func device(cmd *cobra.Command) gotch.Device {
	if cuda, _ := cmd.Flags().GetBool("cuda"); cuda {
		return gotch.NewCuda().CudaIfAvailable()
	}

	return gotch.CPU
}

func newFactory(cmd *cobra.Command) *factory.Factory {
	return factory.NewFactory(
		factory.WithDevice(device(cmd)),
		factory.WithLogger(log.New(os.Stderr, "", log.LstdFlags)),
	)
}
