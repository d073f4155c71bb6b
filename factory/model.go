package factory

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/pspseg/config"
	"github.com/sugarme/pspseg/metric"
	"github.com/sugarme/pspseg/preprocess"
	"github.com/sugarme/pspseg/pspnet"
)

// Model is a compiled model: network, optimizer, loss and metrics bound to
// one var store.
type Model struct {
	ID        string
	CreatedAt time.Time
	Params    config.Params
	Device    gotch.Device

	VarStore  *nn.VarStore
	Net       *pspnet.PSPNet
	Optimizer *nn.Optimizer
	Loss      metric.Loss
	Metrics   []metric.Metric

	// Preprocess is the backbone preprocessing. Inputs to Predict,
	// TrainBatch and EvaluateBatch are expected to be preprocessed already.
	Preprocess preprocess.Func
}

// Result holds the loss and metric values of one batch.
type Result struct {
	Loss    float64
	Metrics map[string]float64
}

func (m *Model) InputShape() config.Shape { return m.Params.InputShape }

func (m *Model) Classes() int64 { return m.Params.Classes }

func (m *Model) LearningRate() float64 { return m.Params.LearningRate }

// NumParameters returns the number of scalar weights in the var store.
func (m *Model) NumParameters() int64 {
	var n int64
	for _, x := range m.VarStore.Variables() {
		n += numel(x.MustSize())
	}

	return n
}

func numel(size []int64) int64 {
	n := int64(1)
	for _, s := range size {
		n *= s
	}

	return n
}

// checkInput verifies x is [B C H W] with the model's input shape.
func (m *Model) checkInput(x *ts.Tensor) error {
	size := x.MustSize()
	want := m.Params.InputShape.NCHW(1)
	if len(size) != 4 || size[1] != want[1] || size[2] != want[2] || size[3] != want[3] {
		return errors.Errorf("expected input of shape [B %d %d %d], got %v", want[1], want[2], want[3], size)
	}

	return nil
}

// checkTarget verifies y is [B classes H W] with the batch size of x.
func (m *Model) checkTarget(x, y *ts.Tensor) error {
	size := y.MustSize()
	want := []int64{x.MustSize()[0], m.Params.Classes, m.Params.InputShape.Height, m.Params.InputShape.Width}
	if len(size) != 4 || size[0] != want[0] || size[1] != want[1] || size[2] != want[2] || size[3] != want[3] {
		return errors.Errorf("expected target of shape %v, got %v", want, size)
	}

	return nil
}

// Predict runs inference on x [B C H W] and returns [B classes H W].
func (m *Model) Predict(x *ts.Tensor) (*ts.Tensor, error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}

	var out *ts.Tensor
	ts.NoGrad(func() {
		input := x.MustTo(m.Device, false)
		out = m.Net.ForwardT(input, false)
		input.MustDrop()
	})

	return out, nil
}

// TrainBatch runs one optimizer step on a single batch.
func (m *Model) TrainBatch(x, y *ts.Tensor) (Result, error) {
	if err := m.checkInput(x); err != nil {
		return Result{}, err
	}
	if err := m.checkTarget(x, y); err != nil {
		return Result{}, err
	}

	input := x.MustTo(m.Device, false)
	target := y.MustTo(m.Device, false)
	pred := m.Net.ForwardT(input, true)
	input.MustDrop()

	loss := m.Loss.Forward(pred, target)
	m.Optimizer.BackwardStep(loss)

	res := Result{Loss: loss.Float64Values()[0]}
	loss.MustDrop()

	detached := pred.MustDetach(true)
	res.Metrics = metric.Evaluate(detached, target, m.Metrics...)
	detached.MustDrop()
	target.MustDrop()

	return res, nil
}

// EvaluateBatch computes loss and metrics on a single batch without
// updating weights.
func (m *Model) EvaluateBatch(x, y *ts.Tensor) (Result, error) {
	if err := m.checkInput(x); err != nil {
		return Result{}, err
	}
	if err := m.checkTarget(x, y); err != nil {
		return Result{}, err
	}

	pred, err := m.Predict(x)
	if err != nil {
		return Result{}, err
	}
	target := y.MustTo(m.Device, false)

	loss := m.Loss.Forward(pred, target)
	res := Result{
		Loss:    loss.Float64Values()[0],
		Metrics: metric.Evaluate(pred, target, m.Metrics...),
	}
	loss.MustDrop()
	pred.MustDrop()
	target.MustDrop()

	return res, nil
}
