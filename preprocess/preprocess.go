// Package preprocess maps raw images to the input range a backbone was
// pretrained on.
package preprocess

import (
	"github.com/pkg/errors"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/encoder"
)

// Func preprocesses a [B C H W] or [C H W] image tensor with values in
// [0, 255]. The input tensor is not dropped.
type Func func(x *ts.Tensor) *ts.Tensor

// Mode is a preprocessing recipe.
type Mode struct {
	Scale float64
	Mean  []float32
	Std   []float32
}

// Torch scales to [0, 1] then normalizes with ImageNet RGB statistics.
var Torch = Mode{
	Scale: 1.0 / 255.0,
	Mean:  []float32{0.485, 0.456, 0.406}, // image RGB mean
	Std:   []float32{0.229, 0.224, 0.225}, // image RGB standard error
}

// modes overrides the default Torch mode per backbone.
var modes = map[string]Mode{}

// ModeFor returns the preprocessing mode of a catalog backbone.
func ModeFor(backbone string) (Mode, error) {
	if !encoder.Has(backbone) {
		return Mode{}, errors.Wrapf(encoder.ErrUnknownBackbone, "no preprocessing for %q", backbone)
	}
	if m, ok := modes[backbone]; ok {
		return m, nil
	}

	return Torch, nil
}

// ForBackbone returns the preprocessing function of a catalog backbone.
func ForBackbone(backbone string) (Func, error) {
	m, err := ModeFor(backbone)
	if err != nil {
		return nil, err
	}

	return m.Apply, nil
}

// Apply computes (x * scale - mean) / sd over the channel dim.
func (m Mode) Apply(x *ts.Tensor) *ts.Tensor {
	shape := []int64{3, 1, 1}
	if len(x.MustSize()) == 4 {
		shape = []int64{1, 3, 1, 1}
	}

	mean := ts.MustOfSlice(m.Mean).MustView(shape, true)
	sd := ts.MustOfSlice(m.Std).MustView(shape, true)

	// x = (x*scale - mean)/sd
	n := x.MustMul1(ts.FloatScalar(m.Scale), false).MustSub(mean, true).MustDiv(sd, true)
	mean.MustDrop()
	sd.MustDrop()

	return n
}
