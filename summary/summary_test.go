package summary_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"github.com/sugarme/pspseg/config"
	"github.com/sugarme/pspseg/pspnet"
	"github.com/sugarme/pspseg/summary"
)

func buildVarStore(t *testing.T) *nn.VarStore {
	p := config.Default()
	p.Backbone = "resnet18"
	p.InputShape = config.Shape{Height: 48, Width: 48, Channels: 3}
	p.ConvFilters = 16

	vs := nn.NewVarStore(gotch.CPU)
	_, err := pspnet.New(vs.Root(), p)
	require.NoError(t, err)

	return vs
}

func TestModule(t *testing.T) {
	assert.Equal(t, "block4a", summary.Module("block4a.expand_conv.weight"))
	assert.Equal(t, "head", summary.Module("head.bias"))
	assert.Equal(t, "weight", summary.Module("weight"))
}

func TestParameters(t *testing.T) {
	vs := buildVarStore(t)
	df := summary.Parameters(vs)
	assert.Equal(t, len(vs.Variables()), df.Nrow())

	total, err := summary.Total(df)
	require.NoError(t, err)

	var want int64
	for _, x := range vs.Variables() {
		n := int64(1)
		for _, s := range x.MustSize() {
			n *= s
		}
		want += n
	}
	assert.Equal(t, want, total)

	modules, err := summary.ByModule(df)
	require.NoError(t, err)
	moduleTotal, err := summary.Total(modules)
	require.NoError(t, err)
	assert.Equal(t, total, moduleTotal)
	assert.Contains(t, modules.Col(summary.ColModule).Records(), "decoder")
	assert.Contains(t, modules.Col(summary.ColModule).Records(), "layer2")
}

func TestWriteCSVAndPlot(t *testing.T) {
	vs := buildVarStore(t)
	df := summary.Parameters(vs)

	var buf bytes.Buffer
	require.NoError(t, summary.WriteCSV(df, &buf))
	header := strings.SplitN(buf.String(), "\n", 2)[0]
	assert.Equal(t, "name,module,shape,params,trainable", header)

	modules, err := summary.ByModule(df)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "modules.png")
	require.NoError(t, summary.PlotModules(modules, "PSPNet(resnet18)", file))
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
