package pspnet_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/config"
	"github.com/sugarme/pspseg/pspnet"
)

func params(backbone string, size int64) config.Params {
	p := config.Default()
	p.Backbone = backbone
	p.InputShape = config.Shape{Height: size, Width: size, Channels: 3}
	p.ConvFilters = 16

	return p
}

func TestForwardShapes(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *config.Params)
		size   int64
	}{
		{"default", func(p *config.Params) {}, 48},
		{"factor 4", func(p *config.Params) { p.DownsampleFactor = 4 }, 48},
		{"factor 16", func(p *config.Params) { p.DownsampleFactor = 16 }, 96},
		{"max pooling", func(p *config.Params) { p.Pooling = "max" }, 48},
		{"no batchnorm", func(p *config.Params) { p.UseBatchNorm = false }, 48},
		{"dropout", func(p *config.Params) { p.Dropout = 0.2 }, 48},
		{"non square", func(p *config.Params) { p.InputShape.Width = 96 }, 48},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params("efficientnetb0", tt.size)
			tt.modify(&p)

			vs := nn.NewVarStore(gotch.CPU)
			net, err := pspnet.New(vs.Root(), p)
			require.NoError(t, err)

			x := ts.MustRand(p.InputShape.NCHW(2), gotch.Float, gotch.CPU)
			out := net.ForwardT(x, true)
			assert.Equal(t, []int64{2, 1, p.InputShape.Height, p.InputShape.Width}, out.MustSize())
			out.MustDrop()
			x.MustDrop()
		})
	}
}

func TestDropoutInference(t *testing.T) {
	p := params("efficientnetb0", 48)
	p.Dropout = 0.5

	vs := nn.NewVarStore(gotch.CPU)
	net, err := pspnet.New(vs.Root(), p)
	require.NoError(t, err)

	x := ts.MustRand(p.InputShape.NCHW(1), gotch.Float, gotch.CPU)
	a := net.ForwardT(x, false)
	b := net.ForwardT(x, false)
	assert.Equal(t, a.Float64Values(), b.Float64Values())

	a.MustDrop()
	b.MustDrop()
	x.MustDrop()
}

func TestDecoderVariables(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := pspnet.New(vs.Root(), params("resnet34", 48))
	require.NoError(t, err)

	vars := vs.Variables()
	for _, bin := range pspnet.Bins {
		assert.Contains(t, vars, "decoder.psp_level"+string(rune('0'+bin))+".conv.weight")
	}
	// layer2 input (128) + 4 levels x 16 filters
	assert.Equal(t, []int64{16, 128 + 4*16, 1, 1}, vars["decoder.aggregation.conv.weight"].MustSize())
	assert.Equal(t, []int64{1, 16, 3, 3}, vars["head.weight"].MustSize())

	assert.True(t, pspnet.IsDecoderVar("head.bias"))
	assert.False(t, pspnet.IsDecoderVar("layer1.0.conv1.weight"))
}

func TestInvalid(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)

	p := params("efficientnetb0", 50)
	_, err := pspnet.New(vs.Root(), p)
	assert.True(t, errors.Is(err, config.ErrInvalidParams))

	p = params("efficientnetb0", 48)
	p.InputShape.Channels = 1
	_, err = pspnet.New(vs.Root(), p)
	assert.True(t, errors.Is(err, config.ErrInvalidParams))
}
