package base

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// Identity is a nn.Module placeholder.
// It returns a new tensor with the input values, still attached to the graph.
type Identity struct{}

// Forward implement nn.Module for Identity struct
func (i *Identity) Forward(x *ts.Tensor) *ts.Tensor {
	return x.MustMul1(ts.FloatScalar(1.0), false)
}

// Forward implement nn.ModuleT for Identity struct.
func (i *Identity) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	return i.Forward(x)
}

// NewIdentity creates a new Identity struct.
func NewIdentity() *Identity {
	return &Identity{}
}

// SqueezeExcite is the channel squeeze and excitation module used inside
// EfficientNet MBConv blocks.
// Ref. https://arxiv.org/abs/1709.01507
type SqueezeExcite struct {
	reduce *nn.Conv2D
	expand *nn.Conv2D
}

// NewSqueezeExcite creates a SqueezeExcite over cIn channels squeezed to cSqueeze.
func NewSqueezeExcite(p *nn.Path, cIn, cSqueeze int64) *SqueezeExcite {
	return &SqueezeExcite{
		reduce: Conv2d(p.Sub("se_reduce"), cIn, cSqueeze, 1, 0, 1),
		expand: Conv2d(p.Sub("se_expand"), cSqueeze, cIn, 1, 0, 1),
	}
}

// ForwardT implement ts.ModuleT for SqueezeExcite struct.
func (m *SqueezeExcite) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	pool := x.MustAdaptiveAvgPool2d([]int64{1, 1}, false)
	r := m.reduce.ForwardT(pool, train)
	pool.MustDrop()
	sr := Swish(r)
	r.MustDrop()
	e := m.expand.ForwardT(sr, train)
	sr.MustDrop()
	gate := e.MustSigmoid(true)
	res := x.MustMul(gate, false)
	gate.MustDrop()

	return res
}

// Swish computes x * sigmoid(x). Input tensor is not dropped.
func Swish(x *ts.Tensor) *ts.Tensor {
	sig := x.MustSigmoid(false)
	res := x.MustMul(sig, false)
	sig.MustDrop()

	return res
}

// Conv2d creates Conv2D module.
func Conv2d(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// Conv2dNoBias creates Conv2D with no bias.
func Conv2dNoBias(p *nn.Path, cIn, cOut, ksize, padding, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{padding, padding}

	return nn.NewConv2D(p, cIn, cOut, ksize, config)
}

// DepthwiseConv2d creates a depthwise Conv2D (groups == channels) with no bias.
func DepthwiseConv2d(p *nn.Path, c, ksize, stride int64) *nn.Conv2D {
	config := nn.DefaultConv2DConfig()
	config.Bias = false
	config.Groups = c
	config.Stride = []int64{stride, stride}
	config.Padding = []int64{ksize / 2, ksize / 2}

	return nn.NewConv2D(p, c, c, ksize, config)
}

// BatchNorm creates a BatchNorm2D with eps=0.001 as keras does.
func BatchNorm(p *nn.Path, c int64) *nn.BatchNorm {
	bnConfig := nn.DefaultBatchNormConfig()
	bnConfig.Eps = 0.001

	return nn.BatchNorm2D(p, c, bnConfig)
}

// Conv2dBnRelu creates a SequentialT composing of Conv2D, an optional
// BatchNorm and a ReLU activation. The conv has a bias only when batchnorm
// is off.
func Conv2dBnRelu(p *nn.Path, cIn, cOut, ksize, padding, stride int64, useBatchNorm bool) *nn.SequentialT {
	seq := nn.SeqT()
	if useBatchNorm {
		seq.Add(Conv2dNoBias(p.Sub("conv"), cIn, cOut, ksize, padding, stride))
		seq.Add(BatchNorm(p.Sub("bn"), cOut))
	} else {
		seq.Add(Conv2d(p.Sub("conv"), cIn, cOut, ksize, padding, stride))
	}
	seq.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return seq
}

// Activation returns the named output activation as a nn.Func.
// Unknown names return false.
func Activation(name string) (nn.Func, bool) {
	var fn func(xs *ts.Tensor) *ts.Tensor
	switch name {
	case "sigmoid":
		fn = func(xs *ts.Tensor) *ts.Tensor { return xs.MustSigmoid(false) }
	case "softmax":
		// over the channel dim of NCHW
		fn = func(xs *ts.Tensor) *ts.Tensor { return xs.MustSoftmax(1, gotch.Float, false) }
	case "relu":
		fn = func(xs *ts.Tensor) *ts.Tensor { return xs.MustRelu(false) }
	case "tanh":
		fn = func(xs *ts.Tensor) *ts.Tensor { return xs.MustTanh(false) }
	case "linear", "identity", "":
		fn = NewIdentity().Forward
	default:
		return nn.Func{}, false
	}

	return nn.NewFunc(fn), true
}
