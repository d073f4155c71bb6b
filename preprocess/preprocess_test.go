package preprocess_test

import (
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugarme/gotch"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/config"
	"github.com/sugarme/pspseg/encoder"
	"github.com/sugarme/pspseg/preprocess"
)

func TestForBackbone(t *testing.T) {
	for _, name := range encoder.Names() {
		fn, err := preprocess.ForBackbone(name)
		require.NoError(t, err, name)
		assert.NotNil(t, fn)
	}

	_, err := preprocess.ForBackbone("efficientnetb9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, encoder.ErrUnknownBackbone))
}

func TestApply(t *testing.T) {
	fn, err := preprocess.ForBackbone("efficientnetb3")
	require.NoError(t, err)

	// white image: (1 - mean) / sd
	x := ts.MustOnes([]int64{1, 3, 2, 2}, gotch.Float, gotch.CPU).MustMul1(ts.FloatScalar(255), true)
	y := fn(x)
	assert.Equal(t, []int64{1, 3, 2, 2}, y.MustSize())

	vals := y.Float64Values()
	want := []float64{(1 - 0.485) / 0.229, (1 - 0.456) / 0.224, (1 - 0.406) / 0.225}
	for c := 0; c < 3; c++ {
		assert.InDelta(t, want[c], vals[c*4], 1e-4)
	}
}

func TestLoadImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "red.png")
	img := imaging.New(40, 20, color.NRGBA{R: 255, G: 0, B: 10, A: 255})
	require.NoError(t, imaging.Save(img, path))

	shape := config.Shape{Height: 48, Width: 48, Channels: 3}
	x, err := preprocess.LoadImage(path, shape)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 48, 48}, x.MustSize())

	vals := x.Float64Values()
	plane := 48 * 48
	assert.InDelta(t, 255, vals[plane/2], 1)
	assert.InDelta(t, 0, vals[plane+plane/2], 1)
	assert.InDelta(t, 10, vals[2*plane+plane/2], 1)
}

func TestLoadImageUnsupported(t *testing.T) {
	_, err := preprocess.LoadImage("mask.webp", config.Shape{Height: 48, Width: 48, Channels: 3})
	assert.Error(t, err)
}
