package encoder_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/encoder"
)

func TestNames(t *testing.T) {
	names := encoder.Names()
	assert.Len(t, names, 10)
	assert.Contains(t, names, "efficientnetb3")
	assert.Contains(t, names, "resnet34")
	assert.True(t, encoder.Has("efficientnetb7"))
	assert.False(t, encoder.Has("vgg16"))
}

func TestOutChannels(t *testing.T) {
	b0, err := encoder.OutChannels("efficientnetb0", 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 96, 144, 240, 672, 1280}, b0)

	b3, err := encoder.OutChannels("efficientnetb3", 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 144, 192, 288, 816, 1536}, b3)

	r34, err := encoder.OutChannels("resnet34", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 64, 64, 128}, r34)
}

func TestUnknown(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.New(vs.Root(), "mobilenetv2", 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, encoder.ErrUnknownBackbone))

	_, err = encoder.OutChannels("mobilenetv2", 3)
	assert.True(t, errors.Is(err, encoder.ErrUnknownBackbone))

	_, err = encoder.New(vs.Root(), "resnet18", 6)
	assert.Error(t, err)
}

func TestForwardAll(t *testing.T) {
	for _, name := range []string{"efficientnetb0", "resnet18"} {
		for depth := 1; depth <= encoder.MaxDepth; depth++ {
			vs := nn.NewVarStore(gotch.CPU)
			enc, err := encoder.New(vs.Root(), name, depth)
			require.NoError(t, err)

			channels := enc.OutChannels()
			require.Len(t, channels, depth+1)

			x := ts.MustRand([]int64{1, 3, 64, 64}, gotch.Float, gotch.CPU)
			var features []*ts.Tensor
			ts.NoGrad(func() {
				features = enc.ForwardAll(x, false)
			})
			require.Len(t, features, depth+1, "%s depth %d", name, depth)

			for i, f := range features {
				hw := int64(64) >> uint(i)
				assert.Equal(t, []int64{1, channels[i], hw, hw}, f.MustSize(), "%s depth %d tap %d", name, depth, i)
				f.MustDrop()
			}
			x.MustDrop()
		}
	}
}

func TestTruncatedVariables(t *testing.T) {
	// depth 3 stops at the expansion of block4a.
	vs := nn.NewVarStore(gotch.CPU)
	_, err := encoder.New(vs.Root(), "efficientnetb3", 3)
	require.NoError(t, err)

	vars := vs.Variables()
	assert.Contains(t, vars, "block4a.expand_conv.weight")
	assert.NotContains(t, vars, "block4a.dwconv.weight")
	assert.NotContains(t, vars, "block4b.expand_conv.weight")
	assert.NotContains(t, vars, "top_conv.weight")
	assert.Equal(t, []int64{288, 48, 1, 1}, vars["block4a.expand_conv.weight"].MustSize())
}
