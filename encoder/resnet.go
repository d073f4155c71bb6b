package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/base"
)

// Variable names follow torchvision so pretrained `.ot` weights load with
// VarStore.LoadPartial.
var resnetChannels = []int64{3, 64, 64, 128, 256, 512}

func init() {
	for name, blocks := range map[string][]int64{
		"resnet18": {2, 2, 2, 2},
		"resnet34": {3, 4, 6, 3},
	} {
		blocks := blocks
		register(name, entry{
			build: func(p *nn.Path, depth int) Encoder {
				return NewResNetEncoder(p, blocks, depth)
			},
			channels: func(depth int) []int64 {
				return append([]int64{}, resnetChannels[:depth+1]...)
			},
		})
	}
}

type ResNetEncoder struct {
	stem   ts.ModuleT
	layers []ts.ModuleT
	depth  int
}

// NewResNetEncoder creates a BasicBlock ResNet encoder. blocks holds the
// block count of layer1..layer4.
func NewResNetEncoder(p *nn.Path, blocks []int64, depth int) *ResNetEncoder {
	e := &ResNetEncoder{
		stem:  layerZero(p), // NOTE. `conv1` and `bn1` are at root of pretrained model
		depth: depth,
	}
	strides := []int64{1, 2, 2, 2}
	for i := 0; i < depth-1; i++ {
		name := fmt.Sprintf("layer%d", i+1)
		e.layers = append(e.layers, basicLayer(p.Sub(name), resnetChannels[i+1], resnetChannels[i+2], strides[i], blocks[i]))
	}

	return e
}

// ForwardAll implements Encoder interface for ResNetEncoder
func (e *ResNetEncoder) ForwardAll(x *ts.Tensor, train bool) []*ts.Tensor {
	x0 := base.NewIdentity().Forward(x)
	x1 := e.stem.ForwardT(x, train) // stride 2, before max pooling
	features := []*ts.Tensor{x0, x1}

	h := x1
	for i, layer := range e.layers {
		if i == 0 {
			h = h.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
			out := layer.ForwardT(h, train)
			h.MustDrop()
			h = out
		} else {
			h = layer.ForwardT(h, train)
		}
		features = append(features, h)
	}

	return features
}

// OutChannels implements Encoder interface for ResNetEncoder
func (e *ResNetEncoder) OutChannels() []int64 {
	return append([]int64{}, resnetChannels[:e.depth+1]...)
}

func layerZero(p *nn.Path) ts.ModuleT {
	conv1 := base.Conv2dNoBias(p.Sub("conv1"), 3, 64, 7, 3, 2)
	bn1 := nn.BatchNorm2D(p.Sub("bn1"), 64, nn.DefaultBatchNormConfig())
	layer0 := nn.SeqT()
	layer0.Add(conv1)
	layer0.Add(bn1)
	layer0.AddFn(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))

	return layer0
}

func basicLayer(path *nn.Path, cIn, cOut, stride, cnt int64) ts.ModuleT {
	layer := nn.SeqT()
	layer.Add(NewBasicBlock(path.Sub("0"), cIn, cOut, stride))
	for blockIndex := 1; blockIndex < int(cnt); blockIndex++ {
		layer.Add(NewBasicBlock(path.Sub(fmt.Sprint(blockIndex)), cOut, cOut, 1))
	}

	return layer
}

func downSample(path *nn.Path, cIn, cOut, stride int64) ts.ModuleT {
	if stride != 1 || cIn != cOut {
		seq := nn.SeqT()
		seq.Add(base.Conv2dNoBias(path.Sub("0"), cIn, cOut, 1, 0, stride))
		seq.Add(nn.BatchNorm2D(path.Sub("1"), cOut, nn.DefaultBatchNormConfig()))

		return seq
	}
	return base.NewIdentity()
}

type BasicBlock struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Downsample ts.ModuleT
}

func NewBasicBlock(path *nn.Path, cIn, cOut, stride int64) *BasicBlock {
	conv1 := base.Conv2dNoBias(path.Sub("conv1"), cIn, cOut, 3, 1, stride)
	bn1 := nn.BatchNorm2D(path.Sub("bn1"), cOut, nn.DefaultBatchNormConfig())
	conv2 := base.Conv2dNoBias(path.Sub("conv2"), cOut, cOut, 3, 1, 1)
	bn2 := nn.BatchNorm2D(path.Sub("bn2"), cOut, nn.DefaultBatchNormConfig())
	downsample := downSample(path.Sub("downsample"), cIn, cOut, stride)

	return &BasicBlock{conv1, bn1, conv2, bn2, downsample}
}

func (bb *BasicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.ForwardT(x, train)
	bn1Ts := bb.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu := bn1Ts.MustRelu(true)
	c2 := bb.Conv2.ForwardT(relu, train)
	relu.MustDrop()
	bn2Ts := bb.Bn2.ForwardT(c2, train)
	c2.MustDrop()
	dsl := bb.Downsample.ForwardT(x, train)
	dslAdd := dsl.MustAdd(bn2Ts, true)
	bn2Ts.MustDrop()
	res := dslAdd.MustRelu(true)

	return res
}
